// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/fleet"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/ctxlog"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	check "gopkg.in/check.v1"
)

const testDeployment = "zzzzz"

var _ = check.Suite(&AutoScalerSuite{})

type AutoScalerSuite struct {
	ctx  context.Context
	bkr  *broker.Memory
	regs *registry.Memory
	stub *fleet.Stub
	as   *AutoScaler
}

func (s *AutoScalerSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.bkr = broker.NewMemory()
	s.regs = registry.NewMemory()
	s.stub = fleet.NewStub()
	for _, topic := range []string{jobfleet.TopicWorkerCommands, jobfleet.TopicWorkerReports} {
		c.Assert(s.bkr.CreateTopic(s.ctx, topic), check.IsNil)
	}
	c.Assert(s.regs.PutBatch(s.ctx, jobfleet.DefaultBatch()), check.IsNil)
	c.Assert(s.bkr.CreateQueue(s.ctx, jobfleet.BatchQueue(jobfleet.DefaultBatchID)), check.IsNil)

	cluster := &jobfleet.Deployment{}
	cluster.AutoScaler.Enabled = true
	cluster.AutoScaler.JobsPerWorker = 1
	cluster.AutoScaler.MaximumJobHosts = 10
	cluster.AutoScaler.MinimumRunningJobHosts = 1
	cluster.AutoScaler.MaximumIdleJobHosts = 1
	cluster.AutoScaler.IdleTime = jobfleet.Duration(10 * time.Minute)
	logger := ctxlog.TestLogger(c)
	s.as = &AutoScaler{
		DeploymentID: testDeployment,
		Cluster:      cluster,
		Broker:       s.bkr,
		Registries:   s.regs,
		Fleet:        s.stub,
		Policy:       &QueueDepthPolicy{Cluster: cluster, Logger: logger},
		Logger:       logger,
	}
	c.Assert(s.bkr.CreateSubscription(s.ctx, jobfleet.TopicWorkerCommands, "watch", broker.SubscriptionOptions{}), check.IsNil)
}

func (s *AutoScalerSuite) putWorker(c *check.C, id string, status jobfleet.JobHostStatus, lastStatus time.Time) {
	c.Assert(s.regs.PutJobHost(s.ctx, jobfleet.JobHostRecord{
		ID:             id,
		RoleInstanceID: "role-" + id,
		DeploymentID:   testDeployment,
		Status:         status,
		LastStatusAt:   lastStatus,
	}), check.IsNil)
}

func (s *AutoScalerSuite) queueJobs(c *check.C, n int) {
	for i := 0; i < n; i++ {
		c.Assert(s.bkr.Enqueue(s.ctx, jobfleet.BatchQueue(jobfleet.DefaultBatchID), "job"), check.IsNil)
	}
}

// drainCommands returns the worker IDs addressed by all pending Run
// commands.
func (s *AutoScalerSuite) drainCommands(c *check.C) []string {
	var ids []string
	for {
		msg, err := s.bkr.Receive(s.ctx, jobfleet.TopicWorkerCommands, "watch", 10*time.Millisecond)
		c.Assert(err, check.IsNil)
		if msg == nil {
			return ids
		}
		var cmd jobfleet.WorkerCommand
		c.Assert(json.Unmarshal([]byte(msg.Body), &cmd), check.IsNil)
		c.Check(cmd.Command, check.Equals, jobfleet.CommandRun)
		ids = append(ids, msg.Properties[jobfleet.PropWorkerID])
	}
}

func (s *AutoScalerSuite) workerStatus(c *check.C, id string) jobfleet.JobHostStatus {
	rec, err := s.regs.GetJobHost(s.ctx, testDeployment, id)
	c.Assert(err, check.IsNil)
	return rec.Status
}

func (s *AutoScalerSuite) TestIdleReuseBeforeProvisioning(c *check.C) {
	s.putWorker(c, "w1", jobfleet.JobHostStatusIdle, time.Now())
	s.putWorker(c, "w2", jobfleet.JobHostStatusIdle, time.Now())
	s.queueJobs(c, 3)

	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)

	cmds := s.drainCommands(c)
	c.Check(cmds, check.HasLen, 2)
	c.Check(s.workerStatus(c, "w1"), check.Equals, jobfleet.JobHostStatusRun)
	c.Check(s.workerStatus(c, "w2"), check.Equals, jobfleet.JobHostStatusRun)

	// Both idle workers consumed 2 of delta=3; exactly 1 instance
	// is provisioned.
	c.Assert(s.stub.Added(), check.DeepEquals, []int{1})
	workers, err := s.regs.ListJobHosts(s.ctx, testDeployment)
	c.Assert(err, check.IsNil)
	preparing := 0
	for _, w := range workers {
		if w.Status == jobfleet.JobHostStatusPreparing {
			preparing++
		}
	}
	c.Check(preparing, check.Equals, 1)
	rec, err := s.regs.GetScaleOperation(s.ctx, testDeployment)
	c.Assert(err, check.IsNil)
	c.Check(rec.RequestID, check.Not(check.Equals), "")
}

func (s *AutoScalerSuite) TestSingleFlightGuard(c *check.C) {
	s.stub.SetPollsBeforeDone(2)
	s.queueJobs(c, 1)
	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)
	c.Assert(s.stub.Added(), check.HasLen, 1)

	// The next ticks report InProgress, so no further physical
	// operation may start despite continued demand.
	s.queueJobs(c, 5)
	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)
	c.Check(s.stub.Added(), check.HasLen, 1)

	ok, _, err := s.as.CanDoRoleOperations(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *AutoScalerSuite) TestReconcileSucceededRemoval(c *check.C) {
	s.putWorker(c, "gone", jobfleet.JobHostStatusDeleting, time.Now())
	s.putWorker(c, "stays", jobfleet.JobHostStatusRun, time.Now())
	requestID, err := s.stub.RemoveInstances(s.ctx, []string{"role-gone"})
	c.Assert(err, check.IsNil)
	_, err = s.regs.SetScaleOperation(s.ctx, testDeployment, requestID, 0)
	c.Assert(err, check.IsNil)

	ok, _, err := s.as.CanDoRoleOperations(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	_, err = s.regs.GetJobHost(s.ctx, testDeployment, "gone")
	c.Check(err, check.Equals, registry.ErrNotFound)
	c.Check(s.workerStatus(c, "stays"), check.Equals, jobfleet.JobHostStatusRun)
	rec, err := s.regs.GetScaleOperation(s.ctx, testDeployment)
	c.Assert(err, check.IsNil)
	c.Check(rec.RequestID, check.Equals, "")
}

func (s *AutoScalerSuite) TestReconcileFailedOperation(c *check.C) {
	// An unknown request ID reads as Failed from the stub, same as
	// from the EC2 driver after a restart.
	s.putWorker(c, "never-came-up", jobfleet.JobHostStatusPreparing, time.Now())
	s.putWorker(c, "still-alive", jobfleet.JobHostStatusDeleting, time.Now())
	_, err := s.regs.SetScaleOperation(s.ctx, testDeployment, "req-lost", 0)
	c.Assert(err, check.IsNil)

	ok, _, err := s.as.CanDoRoleOperations(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	_, err = s.regs.GetJobHost(s.ctx, testDeployment, "never-came-up")
	c.Check(err, check.Equals, registry.ErrNotFound)
	c.Check(s.workerStatus(c, "still-alive"), check.Equals, jobfleet.JobHostStatusIdle)
	rec, err := s.regs.GetScaleOperation(s.ctx, testDeployment)
	c.Assert(err, check.IsNil)
	c.Check(rec.RequestID, check.Equals, "")
}

func (s *AutoScalerSuite) TestRetireOverIdleLongestFirst(c *check.C) {
	now := time.Now()
	s.putWorker(c, "idle-oldest", jobfleet.JobHostStatusIdle, now.Add(-2*time.Hour))
	s.putWorker(c, "idle-older", jobfleet.JobHostStatusIdle, now.Add(-time.Hour))
	s.putWorker(c, "idle-recent", jobfleet.JobHostStatusIdle, now.Add(-30*time.Minute))
	s.putWorker(c, "busy", jobfleet.JobHostStatusRun, now)

	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)

	// 3 over-idle workers, 1 allowed to linger: the 2 longest-idle
	// are removed.
	removed := s.stub.Removed()
	c.Assert(removed, check.HasLen, 1)
	c.Check(removed[0], check.DeepEquals, []string{"role-idle-oldest", "role-idle-older"})
	c.Check(s.workerStatus(c, "idle-oldest"), check.Equals, jobfleet.JobHostStatusDeleting)
	c.Check(s.workerStatus(c, "idle-older"), check.Equals, jobfleet.JobHostStatusDeleting)
	c.Check(s.workerStatus(c, "idle-recent"), check.Equals, jobfleet.JobHostStatusIdle)
	c.Check(s.workerStatus(c, "busy"), check.Equals, jobfleet.JobHostStatusRun)
}

func (s *AutoScalerSuite) TestNoRetirementWithinIdleAllowance(c *check.C) {
	s.putWorker(c, "idle-1", jobfleet.JobHostStatusIdle, time.Now().Add(-time.Hour))
	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)
	c.Check(s.stub.Removed(), check.HasLen, 0)
}

func (s *AutoScalerSuite) TestProvisioningBoundedByMaximum(c *check.C) {
	s.as.Cluster.AutoScaler.MaximumJobHosts = 2
	s.putWorker(c, "w1", jobfleet.JobHostStatusRun, time.Now())
	s.queueJobs(c, 50)

	c.Assert(s.as.DoAutoScaling(s.ctx), check.IsNil)
	c.Assert(s.stub.Added(), check.DeepEquals, []int{1})
}

func (s *AutoScalerSuite) TestIdleFloor(c *check.C) {
	s.putWorker(c, "only-worker", jobfleet.JobHostStatusRun, time.Now())

	c.Assert(s.as.ManageJobHost(s.ctx, jobfleet.WorkerReport{
		WorkerID:       "only-worker",
		RoleInstanceID: "role-only-worker",
		DeploymentID:   testDeployment,
		Status:         jobfleet.JobHostStatusIdle,
	}), check.IsNil)

	c.Check(s.workerStatus(c, "only-worker"), check.Equals, jobfleet.JobHostStatusRun)
	c.Check(s.drainCommands(c), check.DeepEquals, []string{"only-worker"})
}

func (s *AutoScalerSuite) TestIdleReportAboveFloor(c *check.C) {
	s.putWorker(c, "w1", jobfleet.JobHostStatusRun, time.Now())
	s.putWorker(c, "w2", jobfleet.JobHostStatusRun, time.Now())

	c.Assert(s.as.ManageJobHost(s.ctx, jobfleet.WorkerReport{
		WorkerID:     "w2",
		DeploymentID: testDeployment,
		Status:       jobfleet.JobHostStatusIdle,
	}), check.IsNil)

	c.Check(s.workerStatus(c, "w2"), check.Equals, jobfleet.JobHostStatusIdle)
	c.Check(s.drainCommands(c), check.HasLen, 0)
}

func (s *AutoScalerSuite) TestReadyConsumesPlaceholder(c *check.C) {
	s.putWorker(c, "placeholder", jobfleet.JobHostStatusPreparing, time.Now())

	c.Assert(s.as.ManageJobHost(s.ctx, jobfleet.WorkerReport{
		WorkerID:       "new-worker",
		RoleInstanceID: "role-new",
		DeploymentID:   testDeployment,
		Status:         jobfleet.JobHostStatusReady,
	}), check.IsNil)

	_, err := s.regs.GetJobHost(s.ctx, testDeployment, "placeholder")
	c.Check(err, check.Equals, registry.ErrNotFound)
	c.Check(s.workerStatus(c, "new-worker"), check.Equals, jobfleet.JobHostStatusRun)
	c.Check(s.drainCommands(c), check.DeepEquals, []string{"new-worker"})
}

func (s *AutoScalerSuite) TestReadyReannouncementIsIdempotent(c *check.C) {
	report := jobfleet.WorkerReport{
		WorkerID:       "w1",
		RoleInstanceID: "role-w1",
		DeploymentID:   testDeployment,
		Status:         jobfleet.JobHostStatusReady,
	}
	c.Assert(s.as.ManageJobHost(s.ctx, report), check.IsNil)
	c.Assert(s.as.ManageJobHost(s.ctx, report), check.IsNil)

	workers, err := s.regs.ListJobHosts(s.ctx, testDeployment)
	c.Assert(err, check.IsNil)
	c.Assert(workers, check.HasLen, 1)
	c.Check(workers[0].Status, check.Equals, jobfleet.JobHostStatusRun)
	c.Check(s.drainCommands(c), check.DeepEquals, []string{"w1", "w1"})
}

func (s *AutoScalerSuite) TestReportLoopDrivesManageJobHost(c *check.C) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.as.Cluster.AutoScaler.CommandPollTimeout = jobfleet.Duration(50 * time.Millisecond)
	s.as.Cluster.AutoScaler.ScaleInterval = jobfleet.Duration(time.Hour)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.as.Run(ctx)
	}()
	// Wait for the report subscription to exist, then publish a
	// Ready report the loop should consume.
	subName := jobfleet.ReportsSubscription(testDeployment)
	for deadline := time.Now().Add(5 * time.Second); ; {
		ok, err := s.bkr.SubscriptionExists(s.ctx, jobfleet.TopicWorkerReports, subName)
		c.Assert(err, check.IsNil)
		if ok {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("report subscription never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	body, err := json.Marshal(jobfleet.WorkerReport{
		WorkerID:     "w1",
		DeploymentID: testDeployment,
		Status:       jobfleet.JobHostStatusReady,
	})
	c.Assert(err, check.IsNil)
	c.Assert(s.bkr.Publish(s.ctx, jobfleet.TopicWorkerReports, string(body), map[string]string{
		jobfleet.PropWorkerID:     "w1",
		jobfleet.PropDeploymentID: testDeployment,
	}), check.IsNil)

	for deadline := time.Now().Add(5 * time.Second); ; {
		if _, err := s.regs.GetJobHost(s.ctx, testDeployment, "w1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			c.Fatal("report was never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Check(s.workerStatus(c, "w1"), check.Equals, jobfleet.JobHostStatusRun)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("Run did not stop")
	}
}
