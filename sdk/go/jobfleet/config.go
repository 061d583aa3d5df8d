// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobfleet

import "fmt"

// Config is the top level of a site configuration file, keyed by
// deployment ID. Worker and scale-operation registry rows are
// partitioned by the same IDs.
type Config struct {
	Deployments map[string]Deployment
}

// GetDeployment returns the named deployment, or the sole configured
// deployment if id is empty.
func (c *Config) GetDeployment(id string) (*Deployment, error) {
	if id == "" {
		if len(c.Deployments) == 1 {
			for id = range c.Deployments {
			}
		} else {
			return nil, fmt.Errorf("config has %d deployments; an ID must be given", len(c.Deployments))
		}
	}
	dep, ok := c.Deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %q is not configured", id)
	}
	dep.DeploymentID = id
	return &dep, nil
}

// Deployment holds the configuration for one jobfleet deployment.
type Deployment struct {
	DeploymentID    string `json:"-"`
	ManagementToken string

	SystemLogs struct {
		LogLevel string
		Format   string
	}

	Listen struct {
		Controller string
		AutoScaler string
	}

	PostgreSQL struct {
		Connection     map[string]string
		ConnectionPool int
	}

	Broker struct {
		// Driver selects the broker implementation: "memory" or
		// "redis".
		Driver string
		Redis  struct {
			Address  string
			Password string
			DB       int
		}
	}

	Fleet struct {
		// Driver selects the fleet manager: "stub" or "ec2".
		Driver   string
		RoleName string
		EC2      EC2FleetConfig
	}

	JobHosts struct {
		// DequeueLeaseTime is the visibility timeout applied
		// when leasing a queue message.
		DequeueLeaseTime Duration

		// MaxDequeueCount is the poison-message ceiling: a
		// message delivered more than this many times is
		// deleted and its job aborted.
		MaxDequeueCount int

		// EmptyPollsBeforeIdle is how many consecutive empty
		// polls flip a worker to Idle.
		EmptyPollsBeforeIdle int

		// IdlePingInterval bounds how often an idle worker
		// re-announces Idle.
		IdlePingInterval Duration

		// PollInterval is the pause between dequeue attempts.
		PollInterval Duration

		// TenantRoot is the local directory under which tenant
		// packages are deployed.
		TenantRoot string
	}

	SingleJobCancellation struct {
		Enabled bool

		// TimeWindow is the auto-expiry applied to per-job
		// cancellation subscriptions so they are cleaned up
		// even if a job hangs forever.
		TimeWindow Duration

		MessageTTL Duration
	}

	AutoScaler struct {
		Enabled bool

		// ScaleInterval is the control-loop tick.
		ScaleInterval Duration

		// CommandPollTimeout bounds each blocking receive on
		// the worker-report subscription.
		CommandPollTimeout Duration

		MaximumJobHosts        int
		MinimumRunningJobHosts int
		MaximumIdleJobHosts    int

		// IdleTime is how long a worker may stay Idle before it
		// is a candidate for physical removal.
		IdleTime Duration

		// JobsPerWorker tunes the default scale policy: one
		// active worker is wanted per JobsPerWorker queued
		// messages.
		JobsPerWorker int
	}
}

// EC2FleetConfig configures the EC2 fleet manager driver.
type EC2FleetConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SubnetID        string
	SecurityGroupID string
	ImageID         string
	InstanceType    string
	KeyPairName     string
	AdminUsername   string
}
