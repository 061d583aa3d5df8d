// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a single-process Broker. It is the backend for tests and
// single-node deployments, and honors the same visibility-timeout and
// subscription-expiry semantics as the durable drivers.
type Memory struct {
	queues map[string]*memQueue
	topics map[string]*memTopic
	mtx    sync.Mutex
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: map[string]*memQueue{},
		topics: map[string]*memTopic{},
	}
}

type memMessage struct {
	id             string
	body           string
	props          map[string]string
	dequeueCount   int
	invisibleUntil time.Time
	expiresAt      time.Time // zero = never
}

type memQueue struct {
	messages []*memMessage
}

type memTopic struct {
	subs map[string]*memSubscription
}

type memSubscription struct {
	opts      SubscriptionOptions
	createdAt time.Time
	messages  []*memMessage
	notify    chan struct{}
}

func (sub *memSubscription) expired(now time.Time) bool {
	return sub.opts.AutoDeleteAfter > 0 && now.After(sub.createdAt.Add(sub.opts.AutoDeleteAfter))
}

func (m *Memory) CreateQueue(ctx context.Context, queue string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.queues[queue]; !ok {
		m.queues[queue] = &memQueue{}
	}
	return nil
}

func (m *Memory) DeleteQueue(ctx context.Context, queue string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.queues[queue]; !ok {
		return ErrQueueNotFound
	}
	delete(m.queues, queue)
	return nil
}

func (m *Memory) QueueExists(ctx context.Context, queue string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.queues[queue]
	return ok, nil
}

func (m *Memory) Enqueue(ctx context.Context, queue, body string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return ErrQueueNotFound
	}
	q.messages = append(q.messages, &memMessage{
		id:   uuid.NewString(),
		body: body,
	})
	return nil
}

func (m *Memory) Lease(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil, ErrQueueNotFound
	}
	now := time.Now()
	for _, msg := range q.messages {
		if msg.invisibleUntil.After(now) {
			continue
		}
		msg.invisibleUntil = now.Add(timeout)
		msg.dequeueCount++
		return &Message{
			ID:           msg.id,
			Body:         msg.body,
			DequeueCount: msg.dequeueCount,
			receipt:      msg.id,
		}, nil
	}
	return nil, nil
}

func (m *Memory) Delete(ctx context.Context, queue string, msg *Message) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return ErrQueueNotFound
	}
	for i, qm := range q.messages {
		if qm.id == msg.receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) ApproximateDepth(ctx context.Context, queue string) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0, ErrQueueNotFound
	}
	return len(q.messages), nil
}

func (m *Memory) CreateTopic(ctx context.Context, topic string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = &memTopic{subs: map[string]*memSubscription{}}
	}
	return nil
}

func (m *Memory) TopicExists(ctx context.Context, topic string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.topics[topic]
	return ok, nil
}

func (m *Memory) Publish(ctx context.Context, topic, body string, props map[string]string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return ErrTopicNotFound
	}
	now := time.Now()
	for name, sub := range t.subs {
		if sub.expired(now) {
			delete(t.subs, name)
			continue
		}
		if !sub.opts.Filter.Matches(props) {
			continue
		}
		msg := &memMessage{
			id:    uuid.NewString(),
			body:  body,
			props: props,
		}
		if sub.opts.MessageTTL > 0 {
			msg.expiresAt = now.Add(sub.opts.MessageTTL)
		}
		sub.messages = append(sub.messages, msg)
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, topic, name string, opts SubscriptionOptions) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return ErrTopicNotFound
	}
	if _, ok := t.subs[name]; !ok {
		t.subs[name] = &memSubscription{
			opts:      opts,
			createdAt: time.Now(),
			notify:    make(chan struct{}, 1),
		}
	}
	return nil
}

func (m *Memory) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return false, nil
	}
	sub, ok := t.subs[name]
	if ok && sub.expired(time.Now()) {
		delete(t.subs, name)
		return false, nil
	}
	return ok, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, topic, name string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return ErrTopicNotFound
	}
	if _, ok := t.subs[name]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(t.subs, name)
	return nil
}

func (m *Memory) Receive(ctx context.Context, topic, name string, timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mtx.Lock()
		t, ok := m.topics[topic]
		if !ok {
			m.mtx.Unlock()
			return nil, ErrTopicNotFound
		}
		sub, ok := t.subs[name]
		if !ok || sub.expired(time.Now()) {
			delete(t.subs, name)
			m.mtx.Unlock()
			return nil, ErrSubscriptionNotFound
		}
		now := time.Now()
		for len(sub.messages) > 0 {
			msg := sub.messages[0]
			sub.messages = sub.messages[1:]
			if !msg.expiresAt.IsZero() && now.After(msg.expiresAt) {
				continue
			}
			m.mtx.Unlock()
			return &Message{
				ID:         msg.id,
				Body:       msg.body,
				Properties: msg.props,
				receipt:    msg.id,
			}, nil
		}
		notify := sub.notify
		m.mtx.Unlock()
		select {
		case <-notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var _ Broker = (*Memory)(nil)
