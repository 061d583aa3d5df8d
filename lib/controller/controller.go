// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package controller implements batch lifecycle and job submission.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrBatchClosed   = errors.New("batch is closed")

	// ErrDefaultBatch is returned by CloseBatch and CancelBatch on
	// the reserved default batch, which always stays open.
	ErrDefaultBatch = errors.New("the default batch cannot be closed or cancelled")
)

// A Controller accepts job and batch submissions for one deployment.
type Controller struct {
	Cluster    *jobfleet.Deployment
	Broker     broker.Broker
	Registries registry.Registries
	Logger     logrus.FieldLogger
}

// Initialize makes sure the default batch, its queue, and the shared
// topics exist. It is idempotent and safe to call from every node at
// startup.
func (ctrl *Controller) Initialize(ctx context.Context) error {
	if _, err := ctrl.Registries.GetBatch(ctx, jobfleet.DefaultBatchID); err == registry.ErrNotFound {
		if err := ctrl.Registries.PutBatch(ctx, jobfleet.DefaultBatch()); err != nil {
			return fmt.Errorf("create default batch: %w", err)
		}
	} else if err != nil {
		return err
	}
	if err := ctrl.Broker.CreateQueue(ctx, jobfleet.BatchQueue(jobfleet.DefaultBatchID)); err != nil {
		return fmt.Errorf("create default batch queue: %w", err)
	}
	topics := []string{jobfleet.TopicJobStatus, jobfleet.TopicWorkerCommands, jobfleet.TopicWorkerReports}
	if ctrl.Cluster.SingleJobCancellation.Enabled {
		topics = append(topics, jobfleet.TopicJobCancel)
	}
	for _, topic := range topics {
		if err := ctrl.Broker.CreateTopic(ctx, topic); err != nil {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
	}
	return nil
}

// CreateBatch assigns an identity, creates the backing queue, and
// persists the batch as Open.
func (ctrl *Controller) CreateBatch(ctx context.Context, batch jobfleet.Batch) (jobfleet.Batch, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.Status = jobfleet.BatchStatusOpen
	if err := ctrl.Broker.CreateQueue(ctx, jobfleet.BatchQueue(batch.ID)); err != nil {
		return jobfleet.Batch{}, fmt.Errorf("create queue for batch %s: %w", batch.ID, err)
	}
	if err := ctrl.Registries.PutBatch(ctx, batch); err != nil {
		return jobfleet.Batch{}, err
	}
	ctrl.Logger.WithFields(logrus.Fields{
		"BatchID":  batch.ID,
		"Priority": batch.Priority,
	}).Info("batch created")
	return batch, nil
}

// SubmitJob persists the job and enqueues its ID on the batch queue.
// An empty batchID targets the default batch. The job is persisted
// before it is enqueued; if the enqueue then fails, the job is marked
// Failed so the partial failure stays visible.
func (ctrl *Controller) SubmitJob(ctx context.Context, job jobfleet.Job, batchID string) (string, error) {
	if batchID == "" {
		batchID = jobfleet.DefaultBatchID
	}
	batch, err := ctrl.Registries.GetBatch(ctx, batchID)
	if err == registry.ErrNotFound {
		return "", fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	} else if err != nil {
		return "", err
	}
	if batch.Status != jobfleet.BatchStatusOpen {
		return "", fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}

	job.JobID = uuid.NewString()
	job.BatchID = batchID
	job.BatchName = batch.Name
	job.Status = jobfleet.JobStatusSubmitted
	job.SubmittedAt = time.Now().UTC()
	if err := ctrl.Registries.PutJob(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	if err := ctrl.Broker.Enqueue(ctx, jobfleet.BatchQueue(batchID), job.JobID); err != nil {
		job.Status = jobfleet.JobStatusFailed
		job.Output = "enqueue failed: " + err.Error()
		job.OutputSource = jobfleet.OutputSourceJobHost
		if perr := ctrl.Registries.PutJob(ctx, job); perr != nil {
			ctrl.Logger.WithError(perr).WithField("JobID", job.JobID).Error("could not mark job failed after enqueue error")
		}
		return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	ctrl.Logger.WithFields(logrus.Fields{
		"JobID":   job.JobID,
		"BatchID": batchID,
		"JobType": job.JobType,
	}).Info("job submitted")
	return job.JobID, nil
}

// SubmitJobs applies the SubmitJob contract per job, not atomically.
// It returns the IDs of the jobs submitted before the first failure.
func (ctrl *Controller) SubmitJobs(ctx context.Context, jobs []jobfleet.Job, batchID string) ([]string, error) {
	var ids []string
	for i, job := range jobs {
		id, err := ctrl.SubmitJob(ctx, job, batchID)
		if err != nil {
			return ids, fmt.Errorf("job %d of %d: %w", i+1, len(jobs), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CancelJob publishes a cancellation command for the given job, if
// the cancellation topic exists. Cancellation is an optional feature;
// when it is disabled the call is a no-op.
func (ctrl *Controller) CancelJob(ctx context.Context, jobID, batchID string) error {
	if batchID == "" {
		batchID = jobfleet.DefaultBatchID
	}
	ok, err := ctrl.Broker.TopicExists(ctx, jobfleet.TopicJobCancel)
	if err != nil {
		return err
	}
	if !ok {
		ctrl.Logger.WithField("JobID", jobID).Info("cancellation topic does not exist, ignoring cancel request")
		return nil
	}
	return ctrl.publishCancel(ctx, jobID, batchID)
}

func (ctrl *Controller) publishCancel(ctx context.Context, jobID, batchID string) error {
	body, err := json.Marshal(jobfleet.CancelCommand{JobID: jobID, BatchID: batchID})
	if err != nil {
		return err
	}
	return ctrl.Broker.Publish(ctx, jobfleet.TopicJobCancel, string(body), map[string]string{
		jobfleet.PropJobID:   jobID,
		jobfleet.PropBatchID: batchID,
	})
}

// CloseBatch marks the batch Closed so it accepts no new jobs. The
// backing queue is deleted only once it looks empty; the depth check
// is approximate, so a closed batch with in-flight redeliveries keeps
// its queue until a later drain.
func (ctrl *Controller) CloseBatch(ctx context.Context, batchID string) error {
	if batchID == jobfleet.DefaultBatchID {
		return ErrDefaultBatch
	}
	batch, err := ctrl.Registries.GetBatch(ctx, batchID)
	if err == registry.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	} else if err != nil {
		return err
	}
	batch.Status = jobfleet.BatchStatusClosed
	if err := ctrl.Registries.PutBatch(ctx, batch); err != nil {
		return err
	}
	depth, err := ctrl.Broker.ApproximateDepth(ctx, jobfleet.BatchQueue(batchID))
	if err != nil {
		ctrl.Logger.WithError(err).WithField("BatchID", batchID).Warn("could not check queue depth, keeping queue")
		return nil
	}
	if depth == 0 {
		if err := ctrl.Broker.DeleteQueue(ctx, jobfleet.BatchQueue(batchID)); err != nil {
			ctrl.Logger.WithError(err).WithField("BatchID", batchID).Warn("could not delete drained queue")
		}
	}
	return nil
}

// CancelBatch marks the batch Closed, deletes its queue immediately
// (undelivered messages are lost), and publishes a cancellation
// command for every job still running in the batch.
func (ctrl *Controller) CancelBatch(ctx context.Context, batchID string) error {
	if batchID == jobfleet.DefaultBatchID {
		return ErrDefaultBatch
	}
	batch, err := ctrl.Registries.GetBatch(ctx, batchID)
	if err == registry.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	} else if err != nil {
		return err
	}
	batch.Status = jobfleet.BatchStatusClosed
	if err := ctrl.Registries.PutBatch(ctx, batch); err != nil {
		return err
	}
	if err := ctrl.Broker.DeleteQueue(ctx, jobfleet.BatchQueue(batchID)); err != nil && err != broker.ErrQueueNotFound {
		return fmt.Errorf("delete queue for batch %s: %w", batchID, err)
	}
	cancellable, err := ctrl.Broker.TopicExists(ctx, jobfleet.TopicJobCancel)
	if err != nil {
		return err
	}
	jobs, err := ctrl.Registries.ListJobs(ctx, batchID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != jobfleet.JobStatusStarted && job.Status != jobfleet.JobStatusInProgress {
			continue
		}
		if !cancellable {
			ctrl.Logger.WithField("JobID", job.JobID).Warn("cancellation topic does not exist, running job not signalled")
			continue
		}
		if err := ctrl.publishCancel(ctx, job.JobID, batchID); err != nil {
			ctrl.Logger.WithError(err).WithField("JobID", job.JobID).Error("could not publish cancellation")
		}
	}
	ctrl.Logger.WithField("BatchID", batchID).Info("batch cancelled")
	return nil
}
