// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

// Memory is an in-process Registries implementation used by tests and
// single-node deployments.
type Memory struct {
	batches  map[string]jobfleet.Batch
	jobs     map[string]map[string]jobfleet.Job // batchID -> jobID -> job
	hosts    map[string]map[string]jobfleet.JobHostRecord
	scaleOps map[string]jobfleet.ScaleOperationRecord
	mtx      sync.Mutex
}

// NewMemory returns an empty in-process registry set.
func NewMemory() *Memory {
	return &Memory{
		batches:  map[string]jobfleet.Batch{},
		jobs:     map[string]map[string]jobfleet.Job{},
		hosts:    map[string]map[string]jobfleet.JobHostRecord{},
		scaleOps: map[string]jobfleet.ScaleOperationRecord{},
	}
}

func (m *Memory) PutBatch(ctx context.Context, batch jobfleet.Batch) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.batches[batch.ID] = batch
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (jobfleet.Batch, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	batch, ok := m.batches[id]
	if !ok {
		return jobfleet.Batch{}, ErrNotFound
	}
	return batch, nil
}

func (m *Memory) ListBatches(ctx context.Context) ([]jobfleet.Batch, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var r []jobfleet.Batch
	for _, batch := range m.batches {
		r = append(r, batch)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (m *Memory) PutJob(ctx context.Context, job jobfleet.Job) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.jobs[job.BatchID] == nil {
		m.jobs[job.BatchID] = map[string]jobfleet.Job{}
	}
	m.jobs[job.BatchID][job.JobID] = job
	return nil
}

func (m *Memory) GetJob(ctx context.Context, batchID, jobID string) (jobfleet.Job, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	job, ok := m.jobs[batchID][jobID]
	if !ok {
		return jobfleet.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(ctx context.Context, batchID string) ([]jobfleet.Job, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var r []jobfleet.Job
	for _, job := range m.jobs[batchID] {
		r = append(r, job)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].JobID < r[j].JobID })
	return r, nil
}

func (m *Memory) PutJobHost(ctx context.Context, rec jobfleet.JobHostRecord) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.hosts[rec.DeploymentID] == nil {
		m.hosts[rec.DeploymentID] = map[string]jobfleet.JobHostRecord{}
	}
	m.hosts[rec.DeploymentID][rec.ID] = rec
	return nil
}

func (m *Memory) GetJobHost(ctx context.Context, deploymentID, id string) (jobfleet.JobHostRecord, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rec, ok := m.hosts[deploymentID][id]
	if !ok {
		return jobfleet.JobHostRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) GetJobHostByRole(ctx context.Context, deploymentID, roleInstanceID string) (jobfleet.JobHostRecord, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, rec := range m.hosts[deploymentID] {
		if rec.RoleInstanceID == roleInstanceID {
			return rec, nil
		}
	}
	return jobfleet.JobHostRecord{}, ErrNotFound
}

func (m *Memory) ListJobHosts(ctx context.Context, deploymentID string) ([]jobfleet.JobHostRecord, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var r []jobfleet.JobHostRecord
	for _, rec := range m.hosts[deploymentID] {
		r = append(r, rec)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (m *Memory) DeleteJobHost(ctx context.Context, deploymentID, id string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.hosts[deploymentID][id]; !ok {
		return ErrNotFound
	}
	delete(m.hosts[deploymentID], id)
	return nil
}

func (m *Memory) GetScaleOperation(ctx context.Context, deploymentID string) (jobfleet.ScaleOperationRecord, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.scaleOps[deploymentID], nil
}

func (m *Memory) SetScaleOperation(ctx context.Context, deploymentID, requestID string, fromVersion int64) (jobfleet.ScaleOperationRecord, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cur := m.scaleOps[deploymentID]
	if cur.Version != fromVersion {
		return jobfleet.ScaleOperationRecord{}, ErrVersionConflict
	}
	next := jobfleet.ScaleOperationRecord{RequestID: requestID, Version: cur.Version + 1}
	m.scaleOps[deploymentID] = next
	return next, nil
}

var _ Registries = (*Memory)(nil)
