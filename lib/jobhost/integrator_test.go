// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/ctxlog"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&IntegratorSuite{})

type IntegratorSuite struct {
	ctx   context.Context
	bkr   *broker.Memory
	integ *Integrator
}

func (s *IntegratorSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.bkr = broker.NewMemory()
	for _, topic := range []string{jobfleet.TopicWorkerCommands, jobfleet.TopicWorkerReports} {
		c.Assert(s.bkr.CreateTopic(s.ctx, topic), check.IsNil)
	}
	cluster := &jobfleet.Deployment{}
	cluster.AutoScaler.Enabled = true
	cluster.AutoScaler.CommandPollTimeout = jobfleet.Duration(50 * time.Millisecond)
	cluster.JobHosts.EmptyPollsBeforeIdle = 2
	cluster.JobHosts.IdlePingInterval = jobfleet.Duration(time.Minute)
	s.integ = &Integrator{
		WorkerID:       "worker-0",
		RoleInstanceID: "role-0",
		DeploymentID:   "zzzzz",
		Cluster:        cluster,
		Bus:            s.bkr,
		Logger:         ctxlog.TestLogger(c),
	}
	c.Assert(s.bkr.CreateSubscription(s.ctx, jobfleet.TopicWorkerReports, "watch", broker.SubscriptionOptions{}), check.IsNil)
}

func (s *IntegratorSuite) TearDownTest(c *check.C) {
	s.integ.StopAutoScaleInteraction(s.ctx)
}

func (s *IntegratorSuite) nextReport(c *check.C) *jobfleet.WorkerReport {
	msg, err := s.bkr.Receive(s.ctx, jobfleet.TopicWorkerReports, "watch", time.Second)
	c.Assert(err, check.IsNil)
	if msg == nil {
		return nil
	}
	var report jobfleet.WorkerReport
	c.Assert(json.Unmarshal([]byte(msg.Body), &report), check.IsNil)
	return &report
}

func (s *IntegratorSuite) sendCommand(c *check.C, workerID string, cmd jobfleet.WorkerCommand) {
	body, err := json.Marshal(cmd)
	c.Assert(err, check.IsNil)
	c.Assert(s.bkr.Publish(s.ctx, jobfleet.TopicWorkerCommands, string(body), map[string]string{
		jobfleet.PropWorkerID: workerID,
	}), check.IsNil)
}

func (s *IntegratorSuite) waitBusy(c *check.C) {
	for deadline := time.Now().Add(5 * time.Second); ; {
		if !s.integ.VerifyIfWorkerShouldBeIdle(s.ctx) {
			return
		}
		if time.Now().After(deadline) {
			c.Fatal("worker never left the idle state")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *IntegratorSuite) TestReadyThenRunCommand(c *check.C) {
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	report := s.nextReport(c)
	c.Assert(report, check.NotNil)
	c.Check(report.Status, check.Equals, jobfleet.JobHostStatusReady)
	c.Check(report.WorkerID, check.Equals, "worker-0")

	// The worker starts idle until commanded to run.
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, true)

	s.sendCommand(c, "worker-0", jobfleet.WorkerCommand{Command: jobfleet.CommandRun, DedicatedBatchID: "batch-x"})
	s.waitBusy(c)
	c.Check(s.integ.DedicatedBatchID(), check.Equals, "batch-x")
}

func (s *IntegratorSuite) TestCommandsFilteredByWorker(c *check.C) {
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	s.sendCommand(c, "some-other-worker", jobfleet.WorkerCommand{Command: jobfleet.CommandRun})
	time.Sleep(200 * time.Millisecond)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, true)
}

func (s *IntegratorSuite) TestEmptyPollHysteresis(c *check.C) {
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	_ = s.nextReport(c) // Ready
	s.sendCommand(c, "worker-0", jobfleet.WorkerCommand{Command: jobfleet.CommandRun})
	s.waitBusy(c)

	// One empty poll is not enough to go idle.
	s.integ.RegisterRetryProcessing(s.ctx)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, false)

	// A dequeue in between restarts the countdown.
	s.integ.ResetRetryCounter()
	s.integ.RegisterRetryProcessing(s.ctx)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, false)

	s.integ.RegisterRetryProcessing(s.ctx)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, true)

	var idle *jobfleet.WorkerReport
	for report := s.nextReport(c); report != nil; report = s.nextReport(c) {
		idle = report
	}
	c.Assert(idle, check.NotNil)
	c.Check(idle.Status, check.Equals, jobfleet.JobHostStatusIdle)
}

func (s *IntegratorSuite) TestMalformedCommandSwallowed(c *check.C) {
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	c.Assert(s.bkr.Publish(s.ctx, jobfleet.TopicWorkerCommands, "{not json", map[string]string{
		jobfleet.PropWorkerID: "worker-0",
	}), check.IsNil)
	s.sendCommand(c, "worker-0", jobfleet.WorkerCommand{Command: jobfleet.CommandRun})
	s.waitBusy(c)
}

func (s *IntegratorSuite) TestStopDeletesSubscription(c *check.C) {
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	subName := jobfleet.WorkerCommandSubscription("worker-0")
	ok, err := s.bkr.SubscriptionExists(s.ctx, jobfleet.TopicWorkerCommands, subName)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	s.integ.StopAutoScaleInteraction(s.ctx)
	s.integ.stop = nil // TearDownTest double-stop guard
	ok, err = s.bkr.SubscriptionExists(s.ctx, jobfleet.TopicWorkerCommands, subName)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *IntegratorSuite) TestDisabledIntegratorIsInert(c *check.C) {
	s.integ.Cluster.AutoScaler.Enabled = false
	c.Assert(s.integ.Initialize(s.ctx), check.IsNil)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, false)
	s.integ.RegisterRetryProcessing(s.ctx)
	c.Check(s.integ.VerifyIfWorkerShouldBeIdle(s.ctx), check.Equals, false)
	report := s.nextReport(c)
	c.Check(report, check.IsNil)
}
