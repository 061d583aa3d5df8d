// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "jobfleet:"

// Redis is a Broker backed by a Redis server. Queues are a ready list
// plus a sorted set of leased messages scored by lease expiry; an
// expired lease is moved back to the ready side of the list on the
// next Lease call, which is what makes redelivery work without a
// background reaper. Subscription filters are evaluated at publish
// time against a per-topic subscription registry, so each
// subscription has its own delivery list.
type Redis struct {
	rdb *redis.Client
}

// NewRedis returns a Broker using the given Redis connection.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

type redisQueueMsg struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type redisSubMsg struct {
	ID        string            `json:"id"`
	Body      string            `json:"body"`
	Props     map[string]string `json:"props,omitempty"`
	ExpiresAt int64             `json:"expires_at,omitempty"` // unix nanos, 0 = never
}

type redisSubRecord struct {
	Opts      SubscriptionOptions `json:"opts"`
	CreatedAt time.Time           `json:"created_at"`
}

func (rb *Redis) queueKey(queue string) string  { return redisKeyPrefix + "q:" + queue }
func (rb *Redis) leasedKey(queue string) string { return redisKeyPrefix + "q:" + queue + ":leased" }
func (rb *Redis) countsKey(queue string) string { return redisKeyPrefix + "q:" + queue + ":counts" }
func (rb *Redis) subsKey(topic string) string   { return redisKeyPrefix + "t:" + topic + ":subs" }
func (rb *Redis) subKey(topic, name string) string {
	return redisKeyPrefix + "t:" + topic + ":s:" + name
}

func (rb *Redis) CreateQueue(ctx context.Context, queue string) error {
	return rb.rdb.SAdd(ctx, redisKeyPrefix+"queues", queue).Err()
}

func (rb *Redis) DeleteQueue(ctx context.Context, queue string) error {
	n, err := rb.rdb.SRem(ctx, redisKeyPrefix+"queues", queue).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueNotFound
	}
	return rb.rdb.Del(ctx, rb.queueKey(queue), rb.leasedKey(queue), rb.countsKey(queue)).Err()
}

func (rb *Redis) QueueExists(ctx context.Context, queue string) (bool, error) {
	return rb.rdb.SIsMember(ctx, redisKeyPrefix+"queues", queue).Result()
}

func (rb *Redis) Enqueue(ctx context.Context, queue, body string) error {
	if ok, err := rb.QueueExists(ctx, queue); err != nil {
		return err
	} else if !ok {
		return ErrQueueNotFound
	}
	buf, err := json.Marshal(redisQueueMsg{ID: uuid.NewString(), Body: body})
	if err != nil {
		return err
	}
	return rb.rdb.LPush(ctx, rb.queueKey(queue), string(buf)).Err()
}

// requeueExpired moves messages whose lease has expired back onto the
// ready list.
func (rb *Redis) requeueExpired(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	expired, err := rb.rdb.ZRangeByScore(ctx, rb.leasedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range expired {
		removed, err := rb.rdb.ZRem(ctx, rb.leasedKey(queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another consumer requeued it first.
			continue
		}
		// RPush so redelivered messages go to the head of the
		// FIFO.
		if err := rb.rdb.RPush(ctx, rb.queueKey(queue), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (rb *Redis) Lease(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	if ok, err := rb.QueueExists(ctx, queue); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrQueueNotFound
	}
	if err := rb.requeueExpired(ctx, queue); err != nil {
		return nil, err
	}
	member, err := rb.rdb.RPop(ctx, rb.queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var qm redisQueueMsg
	if err := json.Unmarshal([]byte(member), &qm); err != nil {
		return nil, fmt.Errorf("undecodable queue message: %w", err)
	}
	count, err := rb.rdb.HIncrBy(ctx, rb.countsKey(queue), qm.ID, 1).Result()
	if err != nil {
		return nil, err
	}
	err = rb.rdb.ZAdd(ctx, rb.leasedKey(queue), redis.Z{
		Score:  float64(time.Now().Add(timeout).UnixNano()),
		Member: member,
	}).Err()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:           qm.ID,
		Body:         qm.Body,
		DequeueCount: int(count),
		receipt:      member,
	}, nil
}

func (rb *Redis) Delete(ctx context.Context, queue string, msg *Message) error {
	if err := rb.rdb.ZRem(ctx, rb.leasedKey(queue), msg.receipt).Err(); err != nil {
		return err
	}
	return rb.rdb.HDel(ctx, rb.countsKey(queue), msg.ID).Err()
}

func (rb *Redis) ApproximateDepth(ctx context.Context, queue string) (int, error) {
	if ok, err := rb.QueueExists(ctx, queue); err != nil {
		return 0, err
	} else if !ok {
		return 0, ErrQueueNotFound
	}
	ready, err := rb.rdb.LLen(ctx, rb.queueKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	leased, err := rb.rdb.ZCard(ctx, rb.leasedKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	return int(ready + leased), nil
}

func (rb *Redis) CreateTopic(ctx context.Context, topic string) error {
	return rb.rdb.SAdd(ctx, redisKeyPrefix+"topics", topic).Err()
}

func (rb *Redis) TopicExists(ctx context.Context, topic string) (bool, error) {
	return rb.rdb.SIsMember(ctx, redisKeyPrefix+"topics", topic).Result()
}

func (rb *Redis) Publish(ctx context.Context, topic, body string, props map[string]string) error {
	if ok, err := rb.TopicExists(ctx, topic); err != nil {
		return err
	} else if !ok {
		return ErrTopicNotFound
	}
	subs, err := rb.rdb.HGetAll(ctx, rb.subsKey(topic)).Result()
	if err != nil {
		return err
	}
	now := time.Now()
	for name, raw := range subs {
		var rec redisSubRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.Opts.AutoDeleteAfter > 0 && now.After(rec.CreatedAt.Add(rec.Opts.AutoDeleteAfter)) {
			rb.rdb.HDel(ctx, rb.subsKey(topic), name)
			rb.rdb.Del(ctx, rb.subKey(topic, name))
			continue
		}
		if !rec.Opts.Filter.Matches(props) {
			continue
		}
		sm := redisSubMsg{ID: uuid.NewString(), Body: body, Props: props}
		if rec.Opts.MessageTTL > 0 {
			sm.ExpiresAt = now.Add(rec.Opts.MessageTTL).UnixNano()
		}
		buf, err := json.Marshal(sm)
		if err != nil {
			return err
		}
		if err := rb.rdb.LPush(ctx, rb.subKey(topic, name), string(buf)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (rb *Redis) CreateSubscription(ctx context.Context, topic, name string, opts SubscriptionOptions) error {
	if ok, err := rb.TopicExists(ctx, topic); err != nil {
		return err
	} else if !ok {
		return ErrTopicNotFound
	}
	buf, err := json.Marshal(redisSubRecord{Opts: opts, CreatedAt: time.Now()})
	if err != nil {
		return err
	}
	return rb.rdb.HSetNX(ctx, rb.subsKey(topic), name, string(buf)).Err()
}

func (rb *Redis) SubscriptionExists(ctx context.Context, topic, name string) (bool, error) {
	raw, err := rb.rdb.HGet(ctx, rb.subsKey(topic), name).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var rec redisSubRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, nil
	}
	if rec.Opts.AutoDeleteAfter > 0 && time.Now().After(rec.CreatedAt.Add(rec.Opts.AutoDeleteAfter)) {
		rb.rdb.HDel(ctx, rb.subsKey(topic), name)
		rb.rdb.Del(ctx, rb.subKey(topic, name))
		return false, nil
	}
	return true, nil
}

func (rb *Redis) DeleteSubscription(ctx context.Context, topic, name string) error {
	n, err := rb.rdb.HDel(ctx, rb.subsKey(topic), name).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return rb.rdb.Del(ctx, rb.subKey(topic, name)).Err()
}

func (rb *Redis) Receive(ctx context.Context, topic, name string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if ok, err := rb.SubscriptionExists(ctx, topic, name); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrSubscriptionNotFound
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		vals, err := rb.rdb.BRPop(ctx, wait, rb.subKey(topic, name)).Result()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		var sm redisSubMsg
		if err := json.Unmarshal([]byte(vals[1]), &sm); err != nil {
			return nil, fmt.Errorf("undecodable subscription message: %w", err)
		}
		if sm.ExpiresAt > 0 && time.Now().UnixNano() > sm.ExpiresAt {
			// Expired while waiting to be received; try the
			// next one.
			continue
		}
		return &Message{
			ID:         sm.ID,
			Body:       sm.Body,
			Properties: sm.Props,
			receipt:    vals[1],
		}, nil
	}
}

var _ Broker = (*Redis)(nil)
