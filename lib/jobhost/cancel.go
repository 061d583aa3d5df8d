// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

const cancelReceiveTimeout = 5 * time.Second

// watchCancellation creates an ephemeral subscription filtered to one
// job and watches it for the job's lifetime. A received message
// invokes the executor's cancel hook asynchronously. The returned
// stop function tears the subscription down; the subscription also
// auto-expires after the configured time window in case the host dies
// mid-job.
func (host *JobHost) watchCancellation(ctx context.Context, job jobfleet.Job, exec Executor) (func(), error) {
	name := "cancel-" + job.JobID
	err := host.Broker.CreateSubscription(ctx, jobfleet.TopicJobCancel, name, broker.SubscriptionOptions{
		Filter:          broker.Filter{{Property: jobfleet.PropJobID, Value: job.JobID}},
		AutoDeleteAfter: host.Cluster.SingleJobCancellation.TimeWindow.Duration(),
		MessageTTL:      host.Cluster.SingleJobCancellation.MessageTTL.Duration(),
	})
	if err != nil {
		return nil, err
	}
	logger := host.Logger.WithField("JobID", job.JobID)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			msg, err := host.Broker.Receive(ctx, jobfleet.TopicJobCancel, name, cancelReceiveTimeout)
			if err == broker.ErrSubscriptionNotFound {
				// Auto-expired; the job outlived the
				// cancellation window.
				return
			} else if err != nil {
				logger.WithError(err).Warn("cancellation receive failed")
				continue
			}
			if msg == nil {
				continue
			}
			logger.Info("cancellation requested")
			go exec.Cancel()
		}
	}()
	// The stop function does not wait for the receive goroutine;
	// deleting the subscription makes its next receive fail and
	// exit. A cancel hook firing after DoWork has returned is
	// harmless per the Executor contract.
	return func() {
		close(stop)
		err := host.Broker.DeleteSubscription(ctx, jobfleet.TopicJobCancel, name)
		if err != nil && err != broker.ErrSubscriptionNotFound {
			logger.WithError(err).Warn("could not delete cancellation subscription")
		}
	}, nil
}
