// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package broker provides the durable queue and pub/sub abstractions
// the core depends on: named FIFO work queues with message leasing
// ("visibility timeout") and dequeue-count tracking, and named topics
// with filter-based subscriptions. Delivery is at-least-once on both.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueNotFound        = errors.New("queue does not exist")
	ErrTopicNotFound        = errors.New("topic does not exist")
	ErrSubscriptionNotFound = errors.New("subscription does not exist")
)

// A Message is one delivery from a queue or subscription.
type Message struct {
	ID         string
	Body       string
	Properties map[string]string

	// DequeueCount is how many times this queue message has been
	// delivered, including this delivery. Always zero for
	// subscription messages.
	DequeueCount int

	// receipt is the driver's handle for deleting the message.
	receipt string
}

// A Condition matches messages whose named property equals Value.
type Condition struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// A Filter is a disjunction of conditions, evaluated against message
// properties at publish time. An empty filter matches every message.
type Filter []Condition

// Matches reports whether any condition matches props.
func (f Filter) Matches(props map[string]string) bool {
	if len(f) == 0 {
		return true
	}
	for _, cond := range f {
		if props[cond.Property] == cond.Value {
			return true
		}
	}
	return false
}

// SubscriptionOptions control filtering and expiry for a subscription.
type SubscriptionOptions struct {
	Filter Filter `json:"filter"`

	// AutoDeleteAfter tears the subscription down this long after
	// creation. Zero means never. This is the safety net for
	// ephemeral per-job subscriptions whose owner never cleans
	// them up.
	AutoDeleteAfter time.Duration `json:"auto_delete_after"`

	// MessageTTL drops delivered-but-unreceived messages after
	// this long. Zero means never.
	MessageTTL time.Duration `json:"message_ttl"`
}

// A QueueStore is a set of durable FIFO work queues with
// lease-on-dequeue semantics.
type QueueStore interface {
	CreateQueue(ctx context.Context, queue string) error
	DeleteQueue(ctx context.Context, queue string) error
	QueueExists(ctx context.Context, queue string) (bool, error)

	Enqueue(ctx context.Context, queue, body string) error

	// Lease removes the next message from view for the given
	// visibility timeout and returns it with its dequeue count.
	// It returns (nil, nil) when the queue is empty. A leased
	// message that is not deleted before the timeout expires
	// becomes visible again with an incremented dequeue count.
	Lease(ctx context.Context, queue string, timeout time.Duration) (*Message, error)

	// Delete removes a leased message permanently.
	Delete(ctx context.Context, queue string, msg *Message) error

	// ApproximateDepth returns the message count. The value may
	// overcount or undercount briefly around lease expiry; callers
	// must treat it as advisory.
	ApproximateDepth(ctx context.Context, queue string) (int, error)
}

// A TopicBus is a set of durable pub/sub topics with named,
// filter-based subscriptions.
type TopicBus interface {
	CreateTopic(ctx context.Context, topic string) error
	TopicExists(ctx context.Context, topic string) (bool, error)

	// Publish delivers body to every subscription on topic whose
	// filter matches props.
	Publish(ctx context.Context, topic, body string, props map[string]string) error

	CreateSubscription(ctx context.Context, topic, name string, opts SubscriptionOptions) error
	SubscriptionExists(ctx context.Context, topic, name string) (bool, error)
	DeleteSubscription(ctx context.Context, topic, name string) error

	// Receive blocks up to timeout for the next message on the
	// subscription, returning (nil, nil) if none arrives in time.
	Receive(ctx context.Context, topic, name string, timeout time.Duration) (*Message, error)
}

// A Broker provides both abstractions over one backend.
type Broker interface {
	QueueStore
	TopicBus
}
