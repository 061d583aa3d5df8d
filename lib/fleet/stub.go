// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// A Stub is a Manager that records requested operations without
// touching any cloud API. It is the default driver for development
// configs, and tests use it to script operation outcomes.
type Stub struct {
	mtx sync.Mutex

	outcome    OperationState
	pollsLeft  map[string]int
	results    map[string]OperationState
	extraPolls int

	added   []int
	removed [][]string
}

// NewStub returns a Stub whose operations succeed on the first status
// poll.
func NewStub() *Stub {
	return &Stub{
		outcome:   OperationSucceeded,
		pollsLeft: map[string]int{},
		results:   map[string]OperationState{},
	}
}

// SetOutcome scripts the final state of subsequently started
// operations.
func (s *Stub) SetOutcome(state OperationState) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.outcome = state
}

// SetPollsBeforeDone makes subsequently started operations report
// InProgress for n status polls before resolving.
func (s *Stub) SetPollsBeforeDone(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.extraPolls = n
}

func (s *Stub) start() string {
	requestID := uuid.NewString()
	s.pollsLeft[requestID] = s.extraPolls
	s.results[requestID] = s.outcome
	return requestID
}

func (s *Stub) AddInstances(ctx context.Context, count int) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.added = append(s.added, count)
	return s.start(), nil
}

func (s *Stub) RemoveInstances(ctx context.Context, roleInstanceIDs []string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ids := append([]string(nil), roleInstanceIDs...)
	s.removed = append(s.removed, ids)
	return s.start(), nil
}

func (s *Stub) OperationStatus(ctx context.Context, requestID string) (OperationState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	result, ok := s.results[requestID]
	if !ok {
		return OperationFailed, nil
	}
	if s.pollsLeft[requestID] > 0 {
		s.pollsLeft[requestID]--
		return OperationInProgress, nil
	}
	return result, nil
}

// Added reports the instance counts of all AddInstances calls.
func (s *Stub) Added() []int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]int(nil), s.added...)
}

// Removed reports the instance ID lists of all RemoveInstances calls.
func (s *Stub) Removed() [][]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([][]string(nil), s.removed...)
}

var _ Manager = (*Stub)(nil)
