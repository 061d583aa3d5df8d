// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

// A TenantDeployment is where a job may read its package and write
// its scratch data.
type TenantDeployment struct {
	RootPath    string
	WorkingPath string
}

// A TenantManager prepares and cleans up per-job tenant directories.
type TenantManager interface {
	DeployTenant(ctx context.Context, job jobfleet.Job) (TenantDeployment, error)
	DeleteJobDirectory(ctx context.Context, job jobfleet.Job) error

	// DeleteTenants removes all tenant state on this host. Called
	// by the periodic sweep, not per job.
	DeleteTenants(ctx context.Context) error
}

// A LocalTenantManager lays tenant directories out under a configured
// root on the worker's own filesystem:
// <root>/<tenant>/<jobID>/{pkg,work}.
type LocalTenantManager struct {
	Root   string
	Logger logrus.FieldLogger
}

func (mgr *LocalTenantManager) jobDir(job jobfleet.Job) string {
	tenant := job.TenantName
	if tenant == "" {
		tenant = "default-tenant"
	}
	return filepath.Join(mgr.Root, tenant, job.JobID)
}

func (mgr *LocalTenantManager) DeployTenant(ctx context.Context, job jobfleet.Job) (TenantDeployment, error) {
	dir := mgr.jobDir(job)
	dep := TenantDeployment{
		RootPath:    filepath.Join(dir, "pkg"),
		WorkingPath: filepath.Join(dir, "work"),
	}
	for _, path := range []string{dep.RootPath, dep.WorkingPath} {
		if err := os.MkdirAll(path, 0750); err != nil {
			return TenantDeployment{}, fmt.Errorf("deploy tenant for job %s: %w", job.JobID, err)
		}
	}
	return dep, nil
}

func (mgr *LocalTenantManager) DeleteJobDirectory(ctx context.Context, job jobfleet.Job) error {
	return os.RemoveAll(mgr.jobDir(job))
}

func (mgr *LocalTenantManager) DeleteTenants(ctx context.Context) error {
	entries, err := os.ReadDir(mgr.Root)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(mgr.Root, ent.Name())); err != nil {
			mgr.Logger.WithError(err).WithField("Tenant", ent.Name()).Warn("could not remove tenant directory")
		}
	}
	return nil
}

var _ TenantManager = (*LocalTenantManager)(nil)
