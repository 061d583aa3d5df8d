// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

import "time"

// JobHostStatus is a worker's position in the fleet lifecycle as
// recorded in the worker registry.
type JobHostStatus string

const (
	// JobHostStatusPreparing marks a placeholder row for an
	// instance that has been requested from the fleet manager but
	// has not announced itself yet.
	JobHostStatusPreparing JobHostStatus = "Preparing"

	// JobHostStatusReady is announced by a worker when its
	// integrator starts; the autoscaler promptly reassigns it to
	// Run.
	JobHostStatusReady JobHostStatus = "Ready"

	JobHostStatusRun  JobHostStatus = "Run"
	JobHostStatusIdle JobHostStatus = "Idle"

	// JobHostStatusDeleting marks a worker whose physical removal
	// has been requested but not yet confirmed.
	JobHostStatusDeleting JobHostStatus = "Deleting"
)

// A JobHostRecord is a worker registry entry. Every worker instance
// maps to exactly one record per deployment; records are looked up by
// RoleInstanceID within a deployment partition.
type JobHostRecord struct {
	ID             string        `json:"id"`
	RoleInstanceID string        `json:"role_instance_id"`
	DeploymentID   string        `json:"deployment_id"`
	Status         JobHostStatus `json:"status"`

	// DedicatedBatchID pins the worker to a single batch; empty
	// means the worker serves the general priority-ordered pool.
	DedicatedBatchID string `json:"dedicated_batch_id"`

	// LastStatusAt is when Status last changed. Used to find
	// over-idle workers.
	LastStatusAt time.Time `json:"last_status_at"`
}
