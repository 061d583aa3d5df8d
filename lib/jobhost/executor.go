// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"sync"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

// A ProgressFunc reports job progress as a percentage. The host
// forwards each call as a progress notification and flips the job to
// InProgress on the first call.
type ProgressFunc func(percent int)

// A Result is what an executor produced: a terminal status and the
// job-authored output.
type Result struct {
	Status jobfleet.JobStatus
	Output string
}

// An Executor runs jobs of one type. DoWork may block for the job's
// full duration; Cancel may be called from another goroutine at any
// point during DoWork and must be safe to ignore after DoWork
// returns. Cancellation is cooperative, there is no preemption.
type Executor interface {
	DoWork(ctx context.Context, job jobfleet.Job, rootPath, workingPath string, progress ProgressFunc) (Result, error)
	Cancel()
}

// An ExecutorFactory builds a fresh Executor per job run, so Cancel
// only ever affects the run it was built for.
type ExecutorFactory func() Executor

// An ExecutorRegistry maps job types to executor factories. It is
// populated at startup; there is no dynamic plugin loading.
type ExecutorRegistry struct {
	mtx       sync.Mutex
	factories map[string]ExecutorFactory
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{factories: map[string]ExecutorFactory{}}
}

// Register binds jobType to factory, replacing any previous binding.
func (r *ExecutorRegistry) Register(jobType string, factory ExecutorFactory) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.factories[jobType] = factory
}

// New returns a fresh executor for jobType, or false if none is
// registered.
func (r *ExecutorRegistry) New(jobType string) (Executor, bool) {
	r.mtx.Lock()
	factory, ok := r.factories[jobType]
	r.mtx.Unlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}
