// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

import "time"

// JobStatus is a job's position in its processing lifecycle. Terminal
// statuses are never re-entered.
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "Submitted"
	JobStatusStarted    JobStatus = "Started"
	JobStatusInProgress JobStatus = "InProgress"
	JobStatusFinished   JobStatus = "Finished"
	JobStatusFailed     JobStatus = "Failed"
	JobStatusCancelled  JobStatus = "Cancelled"

	// Aborted* statuses are assigned by the JobHost, never by the
	// job implementation itself.
	JobStatusAbortedMaxRetryCount          JobStatus = "AbortedMaxRetryCount"
	JobStatusAbortedTenantDeploymentFailed JobStatus = "AbortedTenantDeploymentFailed"
	JobStatusAbortedInternalError          JobStatus = "AbortedInternalError"
)

var terminalJobStatus = map[JobStatus]bool{
	JobStatusFinished:                      true,
	JobStatusFailed:                        true,
	JobStatusCancelled:                     true,
	JobStatusAbortedMaxRetryCount:          true,
	JobStatusAbortedTenantDeploymentFailed: true,
	JobStatusAbortedInternalError:          true,
}

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	return terminalJobStatus[s]
}

// OutputSource tags the origin of a fragment of job output.
type OutputSource string

const (
	OutputSourceJob     OutputSource = "job"
	OutputSourceJobHost OutputSource = "jobhost"
)

// A Job is a unit of work submitted into a batch. JobID is globally
// unique and immutable once assigned; a job belongs to exactly one
// batch at a time.
type Job struct {
	JobID            string       `json:"job_id"`
	JobType          string       `json:"job_type"`
	JobName          string       `json:"job_name"`
	Parameters       string       `json:"parameters"`
	BatchID          string       `json:"batch_id"`
	BatchName        string       `json:"batch_name"`
	TenantName       string       `json:"tenant_name"`
	Status           JobStatus    `json:"status"`
	SubmittedAt      time.Time    `json:"submitted_at"`
	ScheduledBy      string       `json:"scheduled_by"`
	Output           string       `json:"output"`
	OutputSource     OutputSource `json:"output_source"`
	ProcessorPackage string       `json:"processor_package"`
}
