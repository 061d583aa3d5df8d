// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleet abstracts the cloud provider that runs worker
// instances. The autoscaler starts at most one physical operation at
// a time and polls its state on the next control loop tick, so a
// Manager only needs to start operations and answer status queries;
// it never blocks until completion.
package fleet

import (
	"context"
	"fmt"

	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

// OperationState is the coarse status of a fleet operation.
type OperationState string

const (
	OperationInProgress OperationState = "InProgress"
	OperationSucceeded  OperationState = "Succeeded"
	OperationFailed     OperationState = "Failed"
)

// A Manager starts and tracks fleet-level instance operations for one
// deployment's worker role.
type Manager interface {
	// AddInstances starts provisioning count new worker instances
	// and returns an operation request ID.
	AddInstances(ctx context.Context, count int) (string, error)

	// RemoveInstances starts terminating the given role instances
	// and returns an operation request ID.
	RemoveInstances(ctx context.Context, roleInstanceIDs []string) (string, error)

	// OperationStatus reports the state of a previously started
	// operation. An unknown request ID is reported as failed, so a
	// stale guard can always be cleared.
	OperationStatus(ctx context.Context, requestID string) (OperationState, error)
}

// New returns the Manager selected by the deployment's fleet config.
func New(deploymentID string, cfg jobfleet.Deployment, logger logrus.FieldLogger) (Manager, error) {
	switch cfg.Fleet.Driver {
	case "", "stub":
		return NewStub(), nil
	case "ec2":
		return newEC2Manager(deploymentID, cfg.Fleet.RoleName, cfg.Fleet.EC2, logger)
	default:
		return nil, fmt.Errorf("unsupported fleet driver %q", cfg.Fleet.Driver)
	}
}
