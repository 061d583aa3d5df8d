// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"context"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

// A Policy decides how much worker capacity the fleet should gain.
// DoScaleOut returns the number of additional active workers wanted
// right now; it never signals net removal. Removal of over-idle
// workers is policy-independent and only bounded by the limits below.
type Policy interface {
	DoScaleOut(ctx context.Context, store broker.QueueStore, defaultQueue string, batchQueues []string, activeWorkerCount int) int

	MaximumJobHosts() int
	MinimumRunningJobHosts() int
	MaximumIdleJobHosts() int
	IdleTime() time.Duration
}

// QueueDepthPolicy is the default policy: it wants one active worker
// per JobsPerWorker queued messages across all open batches.
type QueueDepthPolicy struct {
	Cluster *jobfleet.Deployment
	Logger  logrus.FieldLogger
}

func (p *QueueDepthPolicy) DoScaleOut(ctx context.Context, store broker.QueueStore, defaultQueue string, batchQueues []string, activeWorkerCount int) int {
	total := 0
	for _, queue := range append([]string{defaultQueue}, batchQueues...) {
		depth, err := store.ApproximateDepth(ctx, queue)
		if err != nil {
			p.Logger.WithError(err).WithField("Queue", queue).Warn("could not read queue depth")
			continue
		}
		total += depth
	}
	perWorker := p.Cluster.AutoScaler.JobsPerWorker
	if perWorker <= 0 {
		perWorker = 1
	}
	want := (total + perWorker - 1) / perWorker
	if delta := want - activeWorkerCount; delta > 0 {
		return delta
	}
	return 0
}

func (p *QueueDepthPolicy) MaximumJobHosts() int { return p.Cluster.AutoScaler.MaximumJobHosts }
func (p *QueueDepthPolicy) MinimumRunningJobHosts() int {
	return p.Cluster.AutoScaler.MinimumRunningJobHosts
}
func (p *QueueDepthPolicy) MaximumIdleJobHosts() int { return p.Cluster.AutoScaler.MaximumIdleJobHosts }
func (p *QueueDepthPolicy) IdleTime() time.Duration  { return p.Cluster.AutoScaler.IdleTime.Duration() }

var _ Policy = (*QueueDepthPolicy)(nil)
