// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"context"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/ctxlog"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PolicySuite{})

type PolicySuite struct {
	ctx    context.Context
	bkr    *broker.Memory
	policy *QueueDepthPolicy
}

func (s *PolicySuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.bkr = broker.NewMemory()
	c.Assert(s.bkr.CreateQueue(s.ctx, "jobs-default-batch"), check.IsNil)
	c.Assert(s.bkr.CreateQueue(s.ctx, "jobs-batch-a"), check.IsNil)
	cluster := &jobfleet.Deployment{}
	cluster.AutoScaler.JobsPerWorker = 3
	cluster.AutoScaler.MaximumJobHosts = 10
	cluster.AutoScaler.MinimumRunningJobHosts = 1
	cluster.AutoScaler.MaximumIdleJobHosts = 2
	cluster.AutoScaler.IdleTime = jobfleet.Duration(10 * time.Minute)
	s.policy = &QueueDepthPolicy{Cluster: cluster, Logger: ctxlog.TestLogger(c)}
}

func (s *PolicySuite) enqueue(c *check.C, queue string, n int) {
	for i := 0; i < n; i++ {
		c.Assert(s.bkr.Enqueue(s.ctx, queue, "job"), check.IsNil)
	}
}

func (s *PolicySuite) TestDeltaRoundsUpAcrossQueues(c *check.C) {
	s.enqueue(c, "jobs-default-batch", 4)
	s.enqueue(c, "jobs-batch-a", 3)
	// 7 jobs at 3 per worker wants 3 workers; 1 is already active.
	delta := s.policy.DoScaleOut(s.ctx, s.bkr, "jobs-default-batch", []string{"jobs-batch-a"}, 1)
	c.Check(delta, check.Equals, 2)
}

func (s *PolicySuite) TestNoNetRemoval(c *check.C) {
	s.enqueue(c, "jobs-default-batch", 1)
	delta := s.policy.DoScaleOut(s.ctx, s.bkr, "jobs-default-batch", nil, 5)
	c.Check(delta, check.Equals, 0)
}

func (s *PolicySuite) TestEmptyQueuesWantNothing(c *check.C) {
	delta := s.policy.DoScaleOut(s.ctx, s.bkr, "jobs-default-batch", []string{"jobs-batch-a"}, 0)
	c.Check(delta, check.Equals, 0)
}

func (s *PolicySuite) TestUnreadableQueueIsSkipped(c *check.C) {
	s.enqueue(c, "jobs-default-batch", 3)
	// "jobs-gone" does not exist; its depth reads as zero.
	delta := s.policy.DoScaleOut(s.ctx, s.bkr, "jobs-default-batch", []string{"jobs-gone"}, 0)
	c.Check(delta, check.Equals, 1)
}
