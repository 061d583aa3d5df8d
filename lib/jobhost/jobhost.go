// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobhost implements the per-worker execution loop: select a
// batch by priority, lease a message, resolve and execute the job,
// and apply the retry/poison policy.
package jobhost

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A JobHost is one worker's execution loop over the batch queues.
type JobHost struct {
	WorkerID   string
	Cluster    *jobfleet.Deployment
	Broker     broker.Broker
	Registries registry.Registries
	Executors  *ExecutorRegistry
	Tenants    TenantManager
	Notifier   *Notifier
	Integrator *Integrator
	Logger     logrus.FieldLogger

	mJobsProcessed *prometheus.CounterVec
	mEmptyPolls    prometheus.Counter
}

// RegisterMetrics must be called before Run if metrics are wanted.
func (host *JobHost) RegisterMetrics(reg *prometheus.Registry) {
	host.mJobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobfleet",
		Subsystem: "jobhost",
		Name:      "jobs_processed_total",
		Help:      "Number of leased messages handled, by final job status.",
	}, []string{"status"})
	reg.MustRegister(host.mJobsProcessed)
	host.mEmptyPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobfleet",
		Subsystem: "jobhost",
		Name:      "empty_polls_total",
		Help:      "Number of poll cycles that found no work in any batch.",
	})
	reg.MustRegister(host.mEmptyPolls)
}

func (host *JobHost) countProcessed(status jobfleet.JobStatus) {
	if host.mJobsProcessed != nil {
		host.mJobsProcessed.WithLabelValues(string(status)).Inc()
	}
}

// candidateBatches returns the Open batches this worker may serve, in
// priority order. A worker pinned to a dedicated batch serves only
// that batch; an unpinned worker serves every Open batch that does
// not require a dedicated worker. If no candidate exists the default
// batch is (re)created.
func (host *JobHost) candidateBatches(ctx context.Context, dedicatedBatchID string) ([]jobfleet.Batch, error) {
	if dedicatedBatchID != "" {
		batch, err := host.Registries.GetBatch(ctx, dedicatedBatchID)
		if err == registry.ErrNotFound {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		if batch.Status != jobfleet.BatchStatusOpen {
			return nil, nil
		}
		return []jobfleet.Batch{batch}, nil
	}
	all, err := host.Registries.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	var batches []jobfleet.Batch
	for _, batch := range all {
		if batch.Status == jobfleet.BatchStatusOpen && !batch.RequiresDedicatedWorker {
			batches = append(batches, batch)
		}
	}
	if len(batches) == 0 {
		batch := jobfleet.DefaultBatch()
		if err := host.Registries.PutBatch(ctx, batch); err != nil {
			return nil, err
		}
		if err := host.Broker.CreateQueue(ctx, jobfleet.BatchQueue(batch.ID)); err != nil {
			return nil, err
		}
		return []jobfleet.Batch{batch}, nil
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].Priority < batches[j].Priority
	})
	return batches, nil
}

// Process runs one poll cycle. It returns true iff a message was
// leased, regardless of the job's outcome. Infrastructure errors are
// logged and never propagate; a failed cycle is retried naturally by
// the next one or by queue redelivery.
func (host *JobHost) Process(ctx context.Context, dedicatedBatchID string) bool {
	batches, err := host.candidateBatches(ctx, dedicatedBatchID)
	if err != nil {
		host.Logger.WithError(err).Error("could not list candidate batches")
		return false
	}
	var msg *broker.Message
	var batch jobfleet.Batch
	for _, cand := range batches {
		leased, err := host.Broker.Lease(ctx, jobfleet.BatchQueue(cand.ID), host.Cluster.JobHosts.DequeueLeaseTime.Duration())
		if err != nil {
			host.Logger.WithError(err).WithField("BatchID", cand.ID).Warn("dequeue failed")
			continue
		}
		if leased != nil {
			msg, batch = leased, cand
			break
		}
	}
	if msg == nil {
		if host.mEmptyPolls != nil {
			host.mEmptyPolls.Inc()
		}
		return false
	}

	jobID := msg.Body
	logger := host.Logger.WithFields(logrus.Fields{
		"JobID":   jobID,
		"BatchID": batch.ID,
	})

	if msg.DequeueCount > host.Cluster.JobHosts.MaxDequeueCount {
		logger.WithField("DequeueCount", msg.DequeueCount).Warn("poison message, aborting job")
		if err := host.Broker.Delete(ctx, jobfleet.BatchQueue(batch.ID), msg); err != nil {
			logger.WithError(err).Error("could not delete poison message")
		}
		host.abortJob(ctx, batch.ID, jobID, jobfleet.JobStatusAbortedMaxRetryCount, "dequeue count exceeded the configured retry ceiling")
		host.countProcessed(jobfleet.JobStatusAbortedMaxRetryCount)
		return true
	}

	job, err := host.Registries.GetJob(ctx, batch.ID, jobID)
	if err == registry.ErrNotFound {
		// Leaving the message for redelivery keeps the anomaly
		// visible instead of quietly discarding it.
		logger.Warn("no job record for leased message, leaving it for redelivery")
		return true
	} else if err != nil {
		logger.WithError(err).Error("could not load job record")
		return true
	}

	if job.Status == jobfleet.JobStatusStarted || job.Status == jobfleet.JobStatusInProgress {
		logger.WithField("Status", job.Status).Info("job already owned by another attempt, skipping")
		return true
	}

	host.Notifier.JobStarted(ctx, job)

	deployment, err := host.Tenants.DeployTenant(ctx, job)
	if err != nil {
		logger.WithError(err).Error("tenant deployment failed")
		job.Status = jobfleet.JobStatusAbortedTenantDeploymentFailed
		appendOutput(&job, "tenant deployment failed: "+err.Error(), jobfleet.OutputSourceJobHost)
		host.finishJob(ctx, logger, job, batch.ID, msg)
		return true
	}

	exec, ok := host.Executors.New(job.JobType)
	if !ok {
		// Configuration bug. The message stays leased and will
		// be redelivered until the configuration is fixed or it
		// turns poison.
		logger.WithField("JobType", job.JobType).Error("no executor registered for job type")
		return true
	}

	var stopCancelWatch func()
	if host.Cluster.SingleJobCancellation.Enabled {
		stopCancelWatch, err = host.watchCancellation(ctx, job, exec)
		if err != nil {
			logger.WithError(err).Error("could not create cancellation subscription")
			job.Status = jobfleet.JobStatusAbortedInternalError
			appendOutput(&job, "cancellation subscription setup failed: "+err.Error(), jobfleet.OutputSourceJobHost)
			host.finishJob(ctx, logger, job, batch.ID, msg)
			return true
		}
	}

	job.Status = jobfleet.JobStatusStarted
	if err := host.Registries.PutJob(ctx, job); err != nil {
		logger.WithError(err).Warn("could not persist Started status")
	}

	var progressed int32
	result, err := exec.DoWork(ctx, job, deployment.RootPath, deployment.WorkingPath, func(percent int) {
		host.Notifier.JobProgress(ctx, job, percent)
		if atomic.CompareAndSwapInt32(&progressed, 0, 1) {
			job.Status = jobfleet.JobStatusInProgress
			if err := host.Registries.PutJob(ctx, job); err != nil {
				logger.WithError(err).Warn("could not persist InProgress status")
			}
		}
	})
	if err != nil {
		job.Status = jobfleet.JobStatusFailed
		appendOutput(&job, err.Error(), jobfleet.OutputSourceJobHost)
	} else {
		job.Status = result.Status
		appendOutput(&job, result.Output, jobfleet.OutputSourceJob)
	}

	if stopCancelWatch != nil {
		stopCancelWatch()
	}
	host.finishJob(ctx, logger, job, batch.ID, msg)
	if err := host.Tenants.DeleteJobDirectory(ctx, job); err != nil {
		logger.WithError(err).Warn("could not clean up job directory")
	}
	return true
}

// finishJob publishes the final notification, persists the terminal
// status, and deletes the queue message unless the job failed with
// retries remaining. Redelivery cadence for retried jobs is governed
// purely by the queue's visibility timeout.
func (host *JobHost) finishJob(ctx context.Context, logger logrus.FieldLogger, job jobfleet.Job, batchID string, msg *broker.Message) {
	host.Notifier.JobFinished(ctx, job)
	if err := host.Registries.PutJob(ctx, job); err != nil {
		logger.WithError(err).Error("could not persist final job status")
	}
	if job.Status == jobfleet.JobStatusFailed && msg.DequeueCount < host.Cluster.JobHosts.MaxDequeueCount {
		logger.WithField("DequeueCount", msg.DequeueCount).Info("job failed with retries remaining, leaving message for redelivery")
	} else if err := host.Broker.Delete(ctx, jobfleet.BatchQueue(batchID), msg); err != nil {
		logger.WithError(err).Error("could not delete processed message")
	}
	logger.WithField("Status", job.Status).Info("job processing finished")
	host.countProcessed(job.Status)
}

// abortJob loads, marks, and persists a job in one step. Used when a
// message must be disposed of without executing the job.
func (host *JobHost) abortJob(ctx context.Context, batchID, jobID string, status jobfleet.JobStatus, reason string) {
	job, err := host.Registries.GetJob(ctx, batchID, jobID)
	if err != nil {
		host.Logger.WithError(err).WithField("JobID", jobID).Error("could not load job record to abort it")
		return
	}
	job.Status = status
	appendOutput(&job, reason, jobfleet.OutputSourceJobHost)
	host.Notifier.JobFinished(ctx, job)
	if err := host.Registries.PutJob(ctx, job); err != nil {
		host.Logger.WithError(err).WithField("JobID", jobID).Error("could not persist aborted job status")
	}
}

func appendOutput(job *jobfleet.Job, output string, source jobfleet.OutputSource) {
	if output == "" {
		return
	}
	if job.Output != "" {
		job.Output += "\n"
	}
	job.Output += output
	job.OutputSource = source
}

// Run polls for work until ctx is cancelled, deferring to the
// autoscaler integrator for idle gating. Each cycle is independent; no
// single cycle's failure terminates the loop.
func (host *JobHost) Run(ctx context.Context) error {
	if err := host.Integrator.Initialize(ctx); err != nil {
		return err
	}
	defer host.Integrator.StopAutoScaleInteraction(context.Background())
	pollInterval := host.Cluster.JobHosts.PollInterval.Duration()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if host.Integrator.VerifyIfWorkerShouldBeIdle(ctx) {
			sleepCtx(ctx, pollInterval)
			continue
		}
		if host.Process(ctx, host.Integrator.DedicatedBatchID()) {
			host.Integrator.ResetRetryCounter()
		} else {
			host.Integrator.RegisterRetryProcessing(ctx)
			sleepCtx(ctx, pollInterval)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
