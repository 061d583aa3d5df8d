// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/ctxlog"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&JobHostSuite{})

type JobHostSuite struct {
	ctx  context.Context
	bkr  *broker.Memory
	regs *registry.Memory
	host *JobHost
	exec *stubExecutor
}

// stubExecutor is shared across all runs started by one test.
type stubExecutor struct {
	result          Result
	err             error
	progress        []int
	calls           int32
	blockTillCancel bool
	cancelled       chan struct{}
	gotJobs         chan jobfleet.Job
}

func (se *stubExecutor) DoWork(ctx context.Context, job jobfleet.Job, rootPath, workingPath string, progress ProgressFunc) (Result, error) {
	atomic.AddInt32(&se.calls, 1)
	select {
	case se.gotJobs <- job:
	default:
	}
	for _, pct := range se.progress {
		progress(pct)
	}
	if se.blockTillCancel {
		<-se.cancelled
		return Result{Status: jobfleet.JobStatusCancelled, Output: "stopped on request"}, nil
	}
	return se.result, se.err
}

func (se *stubExecutor) Cancel() {
	close(se.cancelled)
}

func (s *JobHostSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.bkr = broker.NewMemory()
	s.regs = registry.NewMemory()
	for _, topic := range []string{jobfleet.TopicJobStatus, jobfleet.TopicJobCancel, jobfleet.TopicWorkerCommands, jobfleet.TopicWorkerReports} {
		c.Assert(s.bkr.CreateTopic(s.ctx, topic), check.IsNil)
	}
	c.Assert(s.regs.PutBatch(s.ctx, jobfleet.DefaultBatch()), check.IsNil)
	c.Assert(s.bkr.CreateQueue(s.ctx, jobfleet.BatchQueue(jobfleet.DefaultBatchID)), check.IsNil)

	cluster := &jobfleet.Deployment{}
	cluster.JobHosts.DequeueLeaseTime = jobfleet.Duration(time.Minute)
	cluster.JobHosts.MaxDequeueCount = 3
	cluster.JobHosts.TenantRoot = c.MkDir()
	cluster.SingleJobCancellation.Enabled = true
	cluster.SingleJobCancellation.TimeWindow = jobfleet.Duration(time.Hour)
	cluster.SingleJobCancellation.MessageTTL = jobfleet.Duration(time.Hour)

	logger := ctxlog.TestLogger(c)
	s.exec = &stubExecutor{
		result:    Result{Status: jobfleet.JobStatusFinished, Output: "done"},
		cancelled: make(chan struct{}),
		gotJobs:   make(chan jobfleet.Job, 10),
	}
	executors := NewExecutorRegistry()
	executors.Register("stub", func() Executor { return s.exec })
	s.host = &JobHost{
		WorkerID:   "worker-0",
		Cluster:    cluster,
		Broker:     s.bkr,
		Registries: s.regs,
		Executors:  executors,
		Tenants:    &LocalTenantManager{Root: cluster.JobHosts.TenantRoot, Logger: logger},
		Notifier:   &Notifier{Bus: s.bkr, Logger: logger},
		Logger:     logger,
	}
}

func (s *JobHostSuite) submit(c *check.C, batchID, jobID string) jobfleet.Job {
	job := jobfleet.Job{
		JobID:   jobID,
		JobType: "stub",
		BatchID: batchID,
		Status:  jobfleet.JobStatusSubmitted,
	}
	c.Assert(s.regs.PutJob(s.ctx, job), check.IsNil)
	c.Assert(s.bkr.Enqueue(s.ctx, jobfleet.BatchQueue(batchID), jobID), check.IsNil)
	return job
}

func (s *JobHostSuite) depth(c *check.C, batchID string) int {
	depth, err := s.bkr.ApproximateDepth(s.ctx, jobfleet.BatchQueue(batchID))
	c.Assert(err, check.IsNil)
	return depth
}

func (s *JobHostSuite) jobStatus(c *check.C, batchID, jobID string) jobfleet.JobStatus {
	job, err := s.regs.GetJob(s.ctx, batchID, jobID)
	c.Assert(err, check.IsNil)
	return job.Status
}

func (s *JobHostSuite) TestFinishedJobScenario(c *check.C) {
	c.Assert(s.bkr.CreateSubscription(s.ctx, jobfleet.TopicJobStatus, "watch", broker.SubscriptionOptions{}), check.IsNil)
	s.submit(c, jobfleet.DefaultBatchID, "job-1")

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&s.exec.calls), check.Equals, int32(1))
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-1"), check.Equals, jobfleet.JobStatusFinished)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)

	finished := 0
	for {
		msg, err := s.bkr.Receive(s.ctx, jobfleet.TopicJobStatus, "watch", 10*time.Millisecond)
		c.Assert(err, check.IsNil)
		if msg == nil {
			break
		}
		var note jobfleet.JobNotification
		c.Assert(json.Unmarshal([]byte(msg.Body), &note), check.IsNil)
		if note.Kind == jobfleet.NotificationFinished {
			finished++
			c.Check(note.Status, check.Equals, jobfleet.JobStatusFinished)
			c.Check(note.Output, check.Equals, "done")
		}
	}
	c.Check(finished, check.Equals, 1)
}

func (s *JobHostSuite) TestPriorityOrdering(c *check.C) {
	for _, trial := range []struct {
		batchID  string
		priority int
	}{
		{"batch-hi", 1},
		{"batch-lo", 5},
	} {
		c.Assert(s.regs.PutBatch(s.ctx, jobfleet.Batch{
			ID:       trial.batchID,
			Priority: trial.priority,
			Status:   jobfleet.BatchStatusOpen,
		}), check.IsNil)
		c.Assert(s.bkr.CreateQueue(s.ctx, jobfleet.BatchQueue(trial.batchID)), check.IsNil)
		s.submit(c, trial.batchID, "job-"+trial.batchID)
	}

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	job := <-s.exec.gotJobs
	c.Check(job.BatchID, check.Equals, "batch-hi")
	c.Check(s.depth(c, "batch-lo"), check.Equals, 1)
}

func (s *JobHostSuite) TestDedicatedBatchRestriction(c *check.C) {
	c.Assert(s.regs.PutBatch(s.ctx, jobfleet.Batch{
		ID:                      "batch-dedicated",
		Priority:                1,
		Status:                  jobfleet.BatchStatusOpen,
		RequiresDedicatedWorker: true,
	}), check.IsNil)
	c.Assert(s.bkr.CreateQueue(s.ctx, jobfleet.BatchQueue("batch-dedicated")), check.IsNil)
	s.submit(c, "batch-dedicated", "job-ded")
	s.submit(c, jobfleet.DefaultBatchID, "job-def")

	// A pinned worker only sees its batch.
	c.Check(s.host.Process(s.ctx, "batch-dedicated"), check.Equals, true)
	job := <-s.exec.gotJobs
	c.Check(job.JobID, check.Equals, "job-ded")

	// An unpinned worker never sees the dedicated batch.
	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	job = <-s.exec.gotJobs
	c.Check(job.JobID, check.Equals, "job-def")
}

func (s *JobHostSuite) pumpDequeueCount(c *check.C, batchID string, times int) {
	for i := 0; i < times; i++ {
		msg, err := s.bkr.Lease(s.ctx, jobfleet.BatchQueue(batchID), time.Millisecond)
		c.Assert(err, check.IsNil)
		c.Assert(msg, check.NotNil)
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *JobHostSuite) TestPoisonMessage(c *check.C) {
	s.submit(c, jobfleet.DefaultBatchID, "job-poison")
	s.pumpDequeueCount(c, jobfleet.DefaultBatchID, 3)

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&s.exec.calls), check.Equals, int32(0))
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-poison"), check.Equals, jobfleet.JobStatusAbortedMaxRetryCount)
}

func (s *JobHostSuite) TestRetryOnFailure(c *check.C) {
	s.exec.err = errors.New("boom")
	s.submit(c, jobfleet.DefaultBatchID, "job-flaky")

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-flaky"), check.Equals, jobfleet.JobStatusFailed)
	// Retries remain, so the message must stay queued.
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 1)
}

func (s *JobHostSuite) TestFailureAtRetryCeilingDeletesMessage(c *check.C) {
	s.exec.err = errors.New("boom")
	s.submit(c, jobfleet.DefaultBatchID, "job-flaky")
	s.pumpDequeueCount(c, jobfleet.DefaultBatchID, 2)

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-flaky"), check.Equals, jobfleet.JobStatusFailed)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)
}

func (s *JobHostSuite) TestSkipJobOwnedByAnotherAttempt(c *check.C) {
	job := s.submit(c, jobfleet.DefaultBatchID, "job-owned")
	job.Status = jobfleet.JobStatusInProgress
	c.Assert(s.regs.PutJob(s.ctx, job), check.IsNil)

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&s.exec.calls), check.Equals, int32(0))
	// The message stays leased for natural redelivery.
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 1)
}

func (s *JobHostSuite) TestMissingJobRecordLeavesMessage(c *check.C) {
	c.Assert(s.bkr.Enqueue(s.ctx, jobfleet.BatchQueue(jobfleet.DefaultBatchID), "no-such-job"), check.IsNil)
	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&s.exec.calls), check.Equals, int32(0))
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 1)
}

func (s *JobHostSuite) TestNoExecutorRegistered(c *check.C) {
	job := s.submit(c, jobfleet.DefaultBatchID, "job-odd")
	job.JobType = "unknown-type"
	c.Assert(s.regs.PutJob(s.ctx, job), check.IsNil)

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 1)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-odd"), check.Equals, jobfleet.JobStatusSubmitted)
}

type failingTenants struct{}

func (failingTenants) DeployTenant(ctx context.Context, job jobfleet.Job) (TenantDeployment, error) {
	return TenantDeployment{}, errors.New("disk full")
}
func (failingTenants) DeleteJobDirectory(ctx context.Context, job jobfleet.Job) error { return nil }
func (failingTenants) DeleteTenants(ctx context.Context) error                        { return nil }

func (s *JobHostSuite) TestTenantDeploymentFailure(c *check.C) {
	s.host.Tenants = failingTenants{}
	s.submit(c, jobfleet.DefaultBatchID, "job-tenant")

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&s.exec.calls), check.Equals, int32(0))
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-tenant"), check.Equals, jobfleet.JobStatusAbortedTenantDeploymentFailed)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)
}

func (s *JobHostSuite) TestCancellation(c *check.C) {
	s.exec.blockTillCancel = true
	s.submit(c, jobfleet.DefaultBatchID, "job-cancel")

	done := make(chan bool)
	go func() {
		done <- s.host.Process(s.ctx, "")
	}()
	<-s.exec.gotJobs

	body, err := json.Marshal(jobfleet.CancelCommand{JobID: "job-cancel", BatchID: jobfleet.DefaultBatchID})
	c.Assert(err, check.IsNil)
	c.Assert(s.bkr.Publish(s.ctx, jobfleet.TopicJobCancel, string(body), map[string]string{
		jobfleet.PropJobID: "job-cancel",
	}), check.IsNil)

	select {
	case processed := <-done:
		c.Check(processed, check.Equals, true)
	case <-time.After(10 * time.Second):
		c.Fatal("job did not finish after cancellation")
	}
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-cancel"), check.Equals, jobfleet.JobStatusCancelled)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)
	ok, err := s.bkr.SubscriptionExists(s.ctx, jobfleet.TopicJobCancel, "cancel-job-cancel")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *JobHostSuite) TestCancellationNotTargetingOtherJobs(c *check.C) {
	s.submit(c, jobfleet.DefaultBatchID, "job-bystander")
	body, err := json.Marshal(jobfleet.CancelCommand{JobID: "someone-else"})
	c.Assert(err, check.IsNil)
	c.Assert(s.bkr.Publish(s.ctx, jobfleet.TopicJobCancel, string(body), map[string]string{
		jobfleet.PropJobID: "someone-else",
	}), check.IsNil)

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-bystander"), check.Equals, jobfleet.JobStatusFinished)
}

// countingRegistries counts InProgress writes to verify the status is
// flipped exactly once across repeated progress callbacks.
type countingRegistries struct {
	*registry.Memory
	inProgressWrites int32
}

func (cr *countingRegistries) PutJob(ctx context.Context, job jobfleet.Job) error {
	if job.Status == jobfleet.JobStatusInProgress {
		atomic.AddInt32(&cr.inProgressWrites, 1)
	}
	return cr.Memory.PutJob(ctx, job)
}

func (s *JobHostSuite) TestProgressFlipsInProgressOnce(c *check.C) {
	counting := &countingRegistries{Memory: s.regs}
	s.host.Registries = counting
	s.exec.progress = []int{10, 50, 90}
	c.Assert(s.bkr.CreateSubscription(s.ctx, jobfleet.TopicJobStatus, "watch", broker.SubscriptionOptions{}), check.IsNil)
	s.submit(c, jobfleet.DefaultBatchID, "job-progress")

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(atomic.LoadInt32(&counting.inProgressWrites), check.Equals, int32(1))

	progressNotes := 0
	for {
		msg, err := s.bkr.Receive(s.ctx, jobfleet.TopicJobStatus, "watch", 10*time.Millisecond)
		c.Assert(err, check.IsNil)
		if msg == nil {
			break
		}
		var note jobfleet.JobNotification
		c.Assert(json.Unmarshal([]byte(msg.Body), &note), check.IsNil)
		if note.Kind == jobfleet.NotificationProgress {
			progressNotes++
		}
	}
	c.Check(progressNotes, check.Equals, 3)
}

// deafBus fails every publish, to prove notifications are best-effort.
type deafBus struct {
	broker.Broker
}

func (deafBus) Publish(ctx context.Context, topic, body string, props map[string]string) error {
	return errors.New("bus unavailable")
}

func (s *JobHostSuite) TestNotificationFailureIsNonFatal(c *check.C) {
	s.host.Notifier = &Notifier{Bus: deafBus{Broker: s.bkr}, Logger: ctxlog.TestLogger(c)}
	s.submit(c, jobfleet.DefaultBatchID, "job-quiet")

	c.Check(s.host.Process(s.ctx, ""), check.Equals, true)
	c.Check(s.jobStatus(c, jobfleet.DefaultBatchID, "job-quiet"), check.Equals, jobfleet.JobStatusFinished)
	c.Check(s.depth(c, jobfleet.DefaultBatchID), check.Equals, 0)
}

func (s *JobHostSuite) TestSynthesizesDefaultBatch(c *check.C) {
	s.regs = registry.NewMemory()
	s.host.Registries = s.regs

	c.Check(s.host.Process(s.ctx, ""), check.Equals, false)
	batch, err := s.regs.GetBatch(s.ctx, jobfleet.DefaultBatchID)
	c.Assert(err, check.IsNil)
	c.Check(batch.Status, check.Equals, jobfleet.BatchStatusOpen)
}
