// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
)

// Schema is the DDL for the registry tables. It is idempotent and
// applied by SetupDatabase at service startup.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
    id text PRIMARY KEY,
    name text NOT NULL DEFAULT '',
    priority integer NOT NULL DEFAULT 0,
    status text NOT NULL,
    requires_dedicated_worker boolean NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS jobs (
    batch_id text NOT NULL,
    job_id text NOT NULL,
    job_type text NOT NULL DEFAULT '',
    job_name text NOT NULL DEFAULT '',
    parameters text NOT NULL DEFAULT '',
    batch_name text NOT NULL DEFAULT '',
    tenant_name text NOT NULL DEFAULT '',
    status text NOT NULL,
    submitted_at timestamptz NOT NULL,
    scheduled_by text NOT NULL DEFAULT '',
    output text NOT NULL DEFAULT '',
    output_source text NOT NULL DEFAULT '',
    processor_package text NOT NULL DEFAULT '',
    PRIMARY KEY (batch_id, job_id)
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (batch_id, status);
CREATE TABLE IF NOT EXISTS job_hosts (
    deployment_id text NOT NULL,
    id text NOT NULL,
    role_instance_id text NOT NULL DEFAULT '',
    status text NOT NULL,
    dedicated_batch_id text NOT NULL DEFAULT '',
    last_status_at timestamptz NOT NULL,
    PRIMARY KEY (deployment_id, id)
);
CREATE TABLE IF NOT EXISTS scale_operations (
    deployment_id text PRIMARY KEY,
    request_id text NOT NULL DEFAULT '',
    version bigint NOT NULL DEFAULT 0
);
`

// Postgres is a Registries implementation backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects using the key=value pairs from the cluster
// configuration and applies the schema.
func OpenPostgres(ctx context.Context, connection map[string]string, pool int) (*Postgres, error) {
	dsn := ""
	for k, v := range connection {
		if dsn != "" {
			dsn += " "
		}
		dsn += k + "='" + v + "'"
	}
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if pool > 0 {
		db.SetMaxOpenConns(pool)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Close releases the database pool.
func (pg *Postgres) Close() error {
	return pg.db.Close()
}

type batchRow struct {
	ID                      string `db:"id"`
	Name                    string `db:"name"`
	Priority                int    `db:"priority"`
	Status                  string `db:"status"`
	RequiresDedicatedWorker bool   `db:"requires_dedicated_worker"`
}

func (pg *Postgres) PutBatch(ctx context.Context, batch jobfleet.Batch) error {
	_, err := pg.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, priority, status, requires_dedicated_worker)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name=$2, priority=$3, status=$4, requires_dedicated_worker=$5`,
		batch.ID, batch.Name, batch.Priority, string(batch.Status), batch.RequiresDedicatedWorker)
	return err
}

func (pg *Postgres) GetBatch(ctx context.Context, id string) (jobfleet.Batch, error) {
	var row batchRow
	err := pg.db.GetContext(ctx, &row, `
		SELECT id, name, priority, status, requires_dedicated_worker
		FROM batches WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.Batch{}, ErrNotFound
	} else if err != nil {
		return jobfleet.Batch{}, err
	}
	return row.toBatch(), nil
}

func (pg *Postgres) ListBatches(ctx context.Context) ([]jobfleet.Batch, error) {
	var rows []batchRow
	err := pg.db.SelectContext(ctx, &rows, `
		SELECT id, name, priority, status, requires_dedicated_worker
		FROM batches ORDER BY id`)
	if err != nil {
		return nil, err
	}
	batches := make([]jobfleet.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, row.toBatch())
	}
	return batches, nil
}

func (row batchRow) toBatch() jobfleet.Batch {
	return jobfleet.Batch{
		ID:                      row.ID,
		Name:                    row.Name,
		Priority:                row.Priority,
		Status:                  jobfleet.BatchStatus(row.Status),
		RequiresDedicatedWorker: row.RequiresDedicatedWorker,
	}
}

type jobRow struct {
	BatchID          string    `db:"batch_id"`
	JobID            string    `db:"job_id"`
	JobType          string    `db:"job_type"`
	JobName          string    `db:"job_name"`
	Parameters       string    `db:"parameters"`
	BatchName        string    `db:"batch_name"`
	TenantName       string    `db:"tenant_name"`
	Status           string    `db:"status"`
	SubmittedAt      time.Time `db:"submitted_at"`
	ScheduledBy      string    `db:"scheduled_by"`
	Output           string    `db:"output"`
	OutputSource     string    `db:"output_source"`
	ProcessorPackage string    `db:"processor_package"`
}

func (row jobRow) toJob() jobfleet.Job {
	return jobfleet.Job{
		JobID:            row.JobID,
		JobType:          row.JobType,
		JobName:          row.JobName,
		Parameters:       row.Parameters,
		BatchID:          row.BatchID,
		BatchName:        row.BatchName,
		TenantName:       row.TenantName,
		Status:           jobfleet.JobStatus(row.Status),
		SubmittedAt:      row.SubmittedAt,
		ScheduledBy:      row.ScheduledBy,
		Output:           row.Output,
		OutputSource:     jobfleet.OutputSource(row.OutputSource),
		ProcessorPackage: row.ProcessorPackage,
	}
}

func (pg *Postgres) PutJob(ctx context.Context, job jobfleet.Job) error {
	_, err := pg.db.ExecContext(ctx, `
		INSERT INTO jobs (batch_id, job_id, job_type, job_name, parameters,
			batch_name, tenant_name, status, submitted_at, scheduled_by,
			output, output_source, processor_package)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (batch_id, job_id) DO UPDATE
		SET job_type=$3, job_name=$4, parameters=$5, batch_name=$6,
			tenant_name=$7, status=$8, submitted_at=$9, scheduled_by=$10,
			output=$11, output_source=$12, processor_package=$13`,
		job.BatchID, job.JobID, job.JobType, job.JobName, job.Parameters,
		job.BatchName, job.TenantName, string(job.Status), job.SubmittedAt,
		job.ScheduledBy, job.Output, string(job.OutputSource), job.ProcessorPackage)
	return err
}

func (pg *Postgres) GetJob(ctx context.Context, batchID, jobID string) (jobfleet.Job, error) {
	var row jobRow
	err := pg.db.GetContext(ctx, &row, `
		SELECT batch_id, job_id, job_type, job_name, parameters, batch_name,
			tenant_name, status, submitted_at, scheduled_by, output,
			output_source, processor_package
		FROM jobs WHERE batch_id=$1 AND job_id=$2`, batchID, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.Job{}, ErrNotFound
	} else if err != nil {
		return jobfleet.Job{}, err
	}
	return row.toJob(), nil
}

func (pg *Postgres) ListJobs(ctx context.Context, batchID string) ([]jobfleet.Job, error) {
	var rows []jobRow
	err := pg.db.SelectContext(ctx, &rows, `
		SELECT batch_id, job_id, job_type, job_name, parameters, batch_name,
			tenant_name, status, submitted_at, scheduled_by, output,
			output_source, processor_package
		FROM jobs WHERE batch_id=$1 ORDER BY job_id`, batchID)
	if err != nil {
		return nil, err
	}
	jobs := make([]jobfleet.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toJob())
	}
	return jobs, nil
}

type jobHostRow struct {
	DeploymentID     string    `db:"deployment_id"`
	ID               string    `db:"id"`
	RoleInstanceID   string    `db:"role_instance_id"`
	Status           string    `db:"status"`
	DedicatedBatchID string    `db:"dedicated_batch_id"`
	LastStatusAt     time.Time `db:"last_status_at"`
}

func (row jobHostRow) toRecord() jobfleet.JobHostRecord {
	return jobfleet.JobHostRecord{
		ID:               row.ID,
		RoleInstanceID:   row.RoleInstanceID,
		DeploymentID:     row.DeploymentID,
		Status:           jobfleet.JobHostStatus(row.Status),
		DedicatedBatchID: row.DedicatedBatchID,
		LastStatusAt:     row.LastStatusAt,
	}
}

func (pg *Postgres) PutJobHost(ctx context.Context, rec jobfleet.JobHostRecord) error {
	_, err := pg.db.ExecContext(ctx, `
		INSERT INTO job_hosts (deployment_id, id, role_instance_id, status,
			dedicated_batch_id, last_status_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (deployment_id, id) DO UPDATE
		SET role_instance_id=$3, status=$4, dedicated_batch_id=$5, last_status_at=$6`,
		rec.DeploymentID, rec.ID, rec.RoleInstanceID, string(rec.Status),
		rec.DedicatedBatchID, rec.LastStatusAt)
	return err
}

func (pg *Postgres) GetJobHost(ctx context.Context, deploymentID, id string) (jobfleet.JobHostRecord, error) {
	var row jobHostRow
	err := pg.db.GetContext(ctx, &row, `
		SELECT deployment_id, id, role_instance_id, status, dedicated_batch_id, last_status_at
		FROM job_hosts WHERE deployment_id=$1 AND id=$2`, deploymentID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.JobHostRecord{}, ErrNotFound
	} else if err != nil {
		return jobfleet.JobHostRecord{}, err
	}
	return row.toRecord(), nil
}

func (pg *Postgres) GetJobHostByRole(ctx context.Context, deploymentID, roleInstanceID string) (jobfleet.JobHostRecord, error) {
	var row jobHostRow
	err := pg.db.GetContext(ctx, &row, `
		SELECT deployment_id, id, role_instance_id, status, dedicated_batch_id, last_status_at
		FROM job_hosts WHERE deployment_id=$1 AND role_instance_id=$2
		LIMIT 1`, deploymentID, roleInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.JobHostRecord{}, ErrNotFound
	} else if err != nil {
		return jobfleet.JobHostRecord{}, err
	}
	return row.toRecord(), nil
}

func (pg *Postgres) ListJobHosts(ctx context.Context, deploymentID string) ([]jobfleet.JobHostRecord, error) {
	var rows []jobHostRow
	err := pg.db.SelectContext(ctx, &rows, `
		SELECT deployment_id, id, role_instance_id, status, dedicated_batch_id, last_status_at
		FROM job_hosts WHERE deployment_id=$1 ORDER BY id`, deploymentID)
	if err != nil {
		return nil, err
	}
	recs := make([]jobfleet.JobHostRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.toRecord())
	}
	return recs, nil
}

func (pg *Postgres) DeleteJobHost(ctx context.Context, deploymentID, id string) error {
	res, err := pg.db.ExecContext(ctx, `
		DELETE FROM job_hosts WHERE deployment_id=$1 AND id=$2`, deploymentID, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (pg *Postgres) GetScaleOperation(ctx context.Context, deploymentID string) (jobfleet.ScaleOperationRecord, error) {
	var rec jobfleet.ScaleOperationRecord
	err := pg.db.QueryRowContext(ctx, `
		SELECT request_id, version FROM scale_operations WHERE deployment_id=$1`,
		deploymentID).Scan(&rec.RequestID, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.ScaleOperationRecord{}, nil
	} else if err != nil {
		return jobfleet.ScaleOperationRecord{}, err
	}
	return rec, nil
}

func (pg *Postgres) SetScaleOperation(ctx context.Context, deploymentID, requestID string, fromVersion int64) (jobfleet.ScaleOperationRecord, error) {
	// The conditional update is the single-flight guard: a writer
	// holding a stale version loses here instead of clobbering a
	// concurrent operation.
	var version int64
	err := pg.db.QueryRowContext(ctx, `
		INSERT INTO scale_operations (deployment_id, request_id, version)
		SELECT $1, $2, 1 WHERE $3::bigint = 0
		ON CONFLICT (deployment_id) DO UPDATE
		SET request_id=$2, version=scale_operations.version+1
		WHERE scale_operations.version=$3
		RETURNING version`,
		deploymentID, requestID, fromVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return jobfleet.ScaleOperationRecord{}, ErrVersionConflict
	} else if err != nil {
		return jobfleet.ScaleOperationRecord{}, err
	}
	return jobfleet.ScaleOperationRecord{RequestID: requestID, Version: version}, nil
}

var _ Registries = (*Postgres)(nil)
