// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package registry provides the persistent table stores for batch,
// job, worker, and scale-operation records.
package registry

import (
	"context"
	"errors"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict means a conditional scale-operation write
	// lost a race with a concurrent writer. The caller should
	// re-read and reconsider rather than retry blindly.
	ErrVersionConflict = errors.New("scale operation record was updated concurrently")
)

// BatchRegistry stores batch metadata. Batches are never physically
// deleted by the core; CancelBatch/CloseBatch mark them Closed.
type BatchRegistry interface {
	PutBatch(ctx context.Context, batch jobfleet.Batch) error
	GetBatch(ctx context.Context, id string) (jobfleet.Batch, error)
	ListBatches(ctx context.Context) ([]jobfleet.Batch, error)
}

// JobRegistry stores job metadata, partitioned by batch.
type JobRegistry interface {
	PutJob(ctx context.Context, job jobfleet.Job) error
	GetJob(ctx context.Context, batchID, jobID string) (jobfleet.Job, error)
	ListJobs(ctx context.Context, batchID string) ([]jobfleet.Job, error)
}

// JobHostRegistry stores worker records, partitioned by deployment.
type JobHostRegistry interface {
	PutJobHost(ctx context.Context, rec jobfleet.JobHostRecord) error
	GetJobHost(ctx context.Context, deploymentID, id string) (jobfleet.JobHostRecord, error)
	GetJobHostByRole(ctx context.Context, deploymentID, roleInstanceID string) (jobfleet.JobHostRecord, error)
	ListJobHosts(ctx context.Context, deploymentID string) ([]jobfleet.JobHostRecord, error)
	DeleteJobHost(ctx context.Context, deploymentID, id string) error
}

// ScaleOpRegistry stores the singleton in-flight scale-operation
// token per deployment.
type ScaleOpRegistry interface {
	// GetScaleOperation returns the current record; a deployment
	// with no recorded operation yields the zero record.
	GetScaleOperation(ctx context.Context, deploymentID string) (jobfleet.ScaleOperationRecord, error)

	// SetScaleOperation writes requestID conditionally: it fails
	// with ErrVersionConflict unless the stored version still
	// equals fromVersion. On success it returns the new record.
	SetScaleOperation(ctx context.Context, deploymentID, requestID string, fromVersion int64) (jobfleet.ScaleOperationRecord, error)
}

// Registries bundles all four stores over one backend.
type Registries interface {
	BatchRegistry
	JobRegistry
	JobHostRegistry
	ScaleOpRegistry
}
