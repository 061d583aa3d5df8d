// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

// DefaultBatchID identifies the reserved batch that always exists and
// can never be closed or cancelled. Its queue shares the same
// identity.
const DefaultBatchID = "default-batch"

// DefaultBatchName is the display name for the reserved batch.
const DefaultBatchName = "Default Batch"

// BatchStatus is a batch's lifecycle state.
type BatchStatus string

const (
	BatchStatusOpen   BatchStatus = "Open"
	BatchStatusClosed BatchStatus = "Closed"
)

// A Batch is a named, prioritized job queue. Lower Priority numbers
// are served first. A batch owns a QueueStore queue with the same
// identity as the batch.
type Batch struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Priority orders batches at poll time; lower numbers are
	// drained first.
	Priority int `json:"priority"`

	Status BatchStatus `json:"status"`

	// RequiresDedicatedWorker excludes this batch from the general
	// priority-ordered pool; only workers pinned to it will serve
	// it.
	RequiresDedicatedWorker bool `json:"requires_dedicated_worker"`
}

// DefaultBatch returns the reserved batch in its canonical form.
func DefaultBatch() Batch {
	return Batch{
		ID:       DefaultBatchID,
		Name:     DefaultBatchName,
		Priority: 100,
		Status:   BatchStatusOpen,
	}
}
