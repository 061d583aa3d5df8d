// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

// commandLoopState is the receive loop's position in its
// disconnect/resubscribe cycle.
type commandLoopState int

const (
	loopDisconnected commandLoopState = iota
	loopSubscribing
	loopReceiving
)

// An Integrator is the worker-side half of the autoscaler protocol:
// it announces this worker's readiness and idleness on the report
// topic and receives run/dedicate commands on a per-worker filtered
// subscription.
//
// When the autoscaler is disabled in config the integrator is inert:
// the worker never reports, never idles, and always polls for work.
type Integrator struct {
	WorkerID       string
	RoleInstanceID string
	DeploymentID   string
	Cluster        *jobfleet.Deployment
	Bus            broker.TopicBus
	Logger         logrus.FieldLogger

	mtx              sync.Mutex
	idle             bool
	dedicatedBatchID string
	retryCount       int
	lastIdlePing     time.Time

	stop    chan struct{}
	stopped chan struct{}
}

// Initialize announces Ready and starts the command receive loop.
// The worker starts idle; it begins polling once the autoscaler
// answers with a Run command.
func (integ *Integrator) Initialize(ctx context.Context) error {
	if !integ.Cluster.AutoScaler.Enabled {
		return nil
	}
	integ.mtx.Lock()
	integ.idle = true
	integ.retryCount = integ.Cluster.JobHosts.EmptyPollsBeforeIdle
	integ.mtx.Unlock()
	// Subscribe before announcing Ready so the autoscaler's Run
	// reply cannot be published into a void.
	if err := integ.ensureSubscription(ctx); err != nil {
		return err
	}
	integ.stop = make(chan struct{})
	integ.stopped = make(chan struct{})
	go integ.runCommandLoop(ctx)
	integ.mtx.Lock()
	err := integ.report(ctx, jobfleet.JobHostStatusReady)
	integ.mtx.Unlock()
	if err != nil {
		return err
	}
	integ.Logger.WithField("WorkerID", integ.WorkerID).Info("announced Ready")
	return nil
}

// VerifyIfWorkerShouldBeIdle returns true while the worker must not
// poll for work. An idle worker re-announces Idle at most once per
// ping interval in case the autoscaler missed the transition.
func (integ *Integrator) VerifyIfWorkerShouldBeIdle(ctx context.Context) bool {
	if !integ.Cluster.AutoScaler.Enabled {
		return false
	}
	integ.mtx.Lock()
	defer integ.mtx.Unlock()
	if !integ.idle {
		return false
	}
	if time.Since(integ.lastIdlePing) >= integ.Cluster.JobHosts.IdlePingInterval.Duration() {
		integ.lastIdlePing = time.Now()
		if err := integ.report(ctx, jobfleet.JobHostStatusIdle); err != nil {
			integ.Logger.WithError(err).Warn("could not re-announce Idle")
		}
	}
	return true
}

// RegisterRetryProcessing is called once per empty poll. After the
// configured number of consecutive empty polls the worker flips to
// idle and announces it.
func (integ *Integrator) RegisterRetryProcessing(ctx context.Context) {
	if !integ.Cluster.AutoScaler.Enabled {
		return
	}
	integ.mtx.Lock()
	defer integ.mtx.Unlock()
	integ.retryCount--
	if integ.retryCount > 0 {
		return
	}
	integ.retryCount = integ.Cluster.JobHosts.EmptyPollsBeforeIdle
	integ.idle = true
	integ.lastIdlePing = time.Now()
	if err := integ.report(ctx, jobfleet.JobHostStatusIdle); err != nil {
		integ.Logger.WithError(err).Warn("could not announce Idle")
	} else {
		integ.Logger.Info("announced Idle after consecutive empty polls")
	}
}

// ResetRetryCounter restarts the empty-poll countdown after a
// successful dequeue.
func (integ *Integrator) ResetRetryCounter() {
	integ.mtx.Lock()
	defer integ.mtx.Unlock()
	integ.retryCount = integ.Cluster.JobHosts.EmptyPollsBeforeIdle
}

// DedicatedBatchID returns the batch this worker is currently pinned
// to, or empty for the general pool.
func (integ *Integrator) DedicatedBatchID() string {
	integ.mtx.Lock()
	defer integ.mtx.Unlock()
	return integ.dedicatedBatchID
}

// StopAutoScaleInteraction stops the receive loop and deletes this
// worker's subscription.
func (integ *Integrator) StopAutoScaleInteraction(ctx context.Context) {
	if integ.stop == nil {
		return
	}
	close(integ.stop)
	<-integ.stopped
	err := integ.Bus.DeleteSubscription(ctx, jobfleet.TopicWorkerCommands, jobfleet.WorkerCommandSubscription(integ.WorkerID))
	if err != nil && err != broker.ErrSubscriptionNotFound {
		integ.Logger.WithError(err).Warn("could not delete command subscription")
	}
}

func (integ *Integrator) ensureSubscription(ctx context.Context) error {
	subName := jobfleet.WorkerCommandSubscription(integ.WorkerID)
	ok, err := integ.Bus.SubscriptionExists(ctx, jobfleet.TopicWorkerCommands, subName)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return integ.Bus.CreateSubscription(ctx, jobfleet.TopicWorkerCommands, subName, broker.SubscriptionOptions{
		Filter: broker.Filter{{Property: jobfleet.PropWorkerID, Value: integ.WorkerID}},
	})
}

func (integ *Integrator) report(ctx context.Context, status jobfleet.JobHostStatus) error {
	body, err := json.Marshal(jobfleet.WorkerReport{
		WorkerID:         integ.WorkerID,
		RoleInstanceID:   integ.RoleInstanceID,
		DeploymentID:     integ.DeploymentID,
		Status:           status,
		DedicatedBatchID: integ.dedicatedBatchID,
	})
	if err != nil {
		return err
	}
	return integ.Bus.Publish(ctx, jobfleet.TopicWorkerReports, string(body), map[string]string{
		jobfleet.PropWorkerID:     integ.WorkerID,
		jobfleet.PropDeploymentID: integ.DeploymentID,
	})
}

// runCommandLoop maintains the per-worker command subscription and
// handles commands until stopped. Subscription loss is handled by
// cycling back through the subscribing state rather than giving up.
func (integ *Integrator) runCommandLoop(ctx context.Context) {
	defer close(integ.stopped)
	timeout := integ.Cluster.AutoScaler.CommandPollTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subName := jobfleet.WorkerCommandSubscription(integ.WorkerID)
	// Initialize already subscribed.
	state := loopReceiving
	for {
		select {
		case <-integ.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		switch state {
		case loopDisconnected:
			state = loopSubscribing
		case loopSubscribing:
			if err := integ.ensureSubscription(ctx); err != nil {
				integ.Logger.WithError(err).Warn("could not establish command subscription, retrying")
				sleepCtx(ctx, timeout)
				state = loopDisconnected
				continue
			}
			state = loopReceiving
		case loopReceiving:
			msg, err := integ.Bus.Receive(ctx, jobfleet.TopicWorkerCommands, subName, timeout)
			if err == broker.ErrSubscriptionNotFound || err == broker.ErrTopicNotFound {
				state = loopSubscribing
				continue
			} else if err != nil {
				integ.Logger.WithError(err).Warn("command receive failed")
				state = loopDisconnected
				continue
			}
			if msg == nil {
				continue
			}
			integ.handleCommand(msg)
		}
	}
}

func (integ *Integrator) handleCommand(msg *broker.Message) {
	var cmd jobfleet.WorkerCommand
	if err := json.Unmarshal([]byte(msg.Body), &cmd); err != nil {
		// Malformed commands are dropped; the sender will
		// reissue on its next tick if it still wants the state
		// change.
		integ.Logger.WithError(err).Warn("dropping malformed command")
		return
	}
	integ.mtx.Lock()
	defer integ.mtx.Unlock()
	integ.dedicatedBatchID = cmd.DedicatedBatchID
	if cmd.Command == jobfleet.CommandRun {
		integ.idle = false
		integ.retryCount = integ.Cluster.JobHosts.EmptyPollsBeforeIdle
		integ.Logger.WithField("DedicatedBatchID", cmd.DedicatedBatchID).Info("received Run command")
	}
}
