// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

// Topic names shared by the controller, workers, and the autoscaler.
const (
	// TopicJobStatus carries job lifecycle notifications consumed
	// by the external notification bridge.
	TopicJobStatus = "jobfleet-job-status"

	// TopicJobCancel carries per-job cancellation commands; each
	// running job holds an ephemeral subscription filtered to its
	// own JobId.
	TopicJobCancel = "jobfleet-job-cancel"

	// TopicWorkerCommands carries autoscaler-to-worker commands;
	// each worker holds a subscription filtered to its own
	// WorkerId.
	TopicWorkerCommands = "jobfleet-worker-commands"

	// TopicWorkerReports carries worker-to-autoscaler status
	// reports, filtered per deployment.
	TopicWorkerReports = "jobfleet-worker-reports"
)

// BatchQueue names the job queue backing a batch.
func BatchQueue(batchID string) string {
	return "jobs-" + batchID
}

// Message property keys used in subscription filters.
const (
	PropJobID        = "JobId"
	PropBatchID      = "BatchId"
	PropTenantName   = "TenantName"
	PropKind         = "Kind"
	PropWorkerID     = "WorkerId"
	PropDeploymentID = "DeploymentId"
)

// WorkerCommandSubscription names a worker's command subscription.
func WorkerCommandSubscription(workerID string) string {
	return "cmd-" + workerID
}

// ReportsSubscription names a deployment's autoscaler report
// subscription.
func ReportsSubscription(deploymentID string) string {
	return "autoscaler-" + deploymentID
}

// CommandKind distinguishes autoscaler-to-worker commands.
type CommandKind string

const (
	// CommandRun tells a worker to leave the idle state and poll
	// for work.
	CommandRun CommandKind = "Run"
)

// A WorkerCommand is sent by the autoscaler to one worker. The
// DedicatedBatchID field is applied unconditionally, so the
// autoscaler can pin a worker to one batch or release the pin with an
// empty value.
type WorkerCommand struct {
	Command          CommandKind `json:"command"`
	DedicatedBatchID string      `json:"dedicated_batch_id"`
}

// A WorkerReport is a worker's self-reported status, sent to the
// autoscaler. Delivery is at-least-once; every transition it drives
// must be idempotent.
type WorkerReport struct {
	WorkerID         string        `json:"worker_id"`
	RoleInstanceID   string        `json:"role_instance_id"`
	DeploymentID     string        `json:"deployment_id"`
	Status           JobHostStatus `json:"status"`
	DedicatedBatchID string        `json:"dedicated_batch_id"`
}

// NotificationKind distinguishes job lifecycle notifications.
type NotificationKind string

const (
	NotificationStarted  NotificationKind = "Started"
	NotificationProgress NotificationKind = "Progress"
	NotificationFinished NotificationKind = "Finished"
)

// A JobNotification reports a job lifecycle event on TopicJobStatus.
type JobNotification struct {
	Kind       NotificationKind `json:"kind"`
	JobID      string           `json:"job_id"`
	BatchID    string           `json:"batch_id"`
	TenantName string           `json:"tenant_name"`
	Status     JobStatus        `json:"status,omitempty"`
	Output     string           `json:"output,omitempty"`
	Progress   int              `json:"progress,omitempty"`
}

// A CancelCommand asks whichever worker is running the job to invoke
// its executor's cancel hook. Cancellation is advisory and
// asynchronous.
type CancelCommand struct {
	JobID   string `json:"job_id"`
	BatchID string `json:"batch_id"`
}
