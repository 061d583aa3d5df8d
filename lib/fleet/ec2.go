// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/google/uuid"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

const tagDeploymentID = "jobfleet-deployment-id"
const tagRoleName = "jobfleet-role"

type ec2OpKind int

const (
	ec2OpAdd ec2OpKind = iota
	ec2OpRemove
)

type ec2Op struct {
	kind        ec2OpKind
	instanceIDs []*string
}

type ec2Manager struct {
	deploymentID string
	roleName     string
	ec2config    jobfleet.EC2FleetConfig
	logger       logrus.FieldLogger
	client       *ec2.EC2

	mtx sync.Mutex
	ops map[string]ec2Op
}

func newEC2Manager(deploymentID, roleName string, cfg jobfleet.EC2FleetConfig, logger logrus.FieldLogger) (*ec2Manager, error) {
	awsConfig := aws.NewConfig().
		WithCredentials(credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"")).
		WithRegion(cfg.Region)
	return &ec2Manager{
		deploymentID: deploymentID,
		roleName:     roleName,
		ec2config:    cfg,
		logger:       logger,
		client:       ec2.New(session.Must(session.NewSession(awsConfig))),
		ops:          map[string]ec2Op{},
	}, nil
}

func (mgr *ec2Manager) AddInstances(ctx context.Context, count int) (string, error) {
	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(mgr.ec2config.ImageID),
		InstanceType: aws.String(mgr.ec2config.InstanceType),
		MinCount:     aws.Int64(int64(count)),
		MaxCount:     aws.Int64(int64(count)),
		KeyName:      aws.String(mgr.ec2config.KeyPairName),

		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{
			{
				AssociatePublicIpAddress: aws.Bool(false),
				DeleteOnTermination:      aws.Bool(true),
				DeviceIndex:              aws.Int64(0),
				Groups:                   []*string{aws.String(mgr.ec2config.SecurityGroupID)},
				SubnetId:                 aws.String(mgr.ec2config.SubnetID),
			}},
		InstanceInitiatedShutdownBehavior: aws.String("terminate"),
		TagSpecifications: []*ec2.TagSpecification{
			{
				ResourceType: aws.String("instance"),
				Tags: []*ec2.Tag{
					{
						Key:   aws.String(tagDeploymentID),
						Value: aws.String(mgr.deploymentID),
					},
					{
						Key:   aws.String(tagRoleName),
						Value: aws.String(mgr.roleName),
					},
				},
			}},
	}
	rsv, err := mgr.client.RunInstancesWithContext(ctx, &rii)
	if err != nil {
		return "", fmt.Errorf("RunInstances: %w", err)
	}
	var ids []*string
	for _, inst := range rsv.Instances {
		ids = append(ids, inst.InstanceId)
	}
	requestID := uuid.NewString()
	mgr.mtx.Lock()
	mgr.ops[requestID] = ec2Op{kind: ec2OpAdd, instanceIDs: ids}
	mgr.mtx.Unlock()
	mgr.logger.WithFields(logrus.Fields{
		"RequestID": requestID,
		"Count":     count,
	}).Info("started instance provisioning")
	return requestID, nil
}

func (mgr *ec2Manager) RemoveInstances(ctx context.Context, roleInstanceIDs []string) (string, error) {
	var ids []*string
	for _, id := range roleInstanceIDs {
		ids = append(ids, aws.String(id))
	}
	_, err := mgr.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return "", fmt.Errorf("TerminateInstances: %w", err)
	}
	requestID := uuid.NewString()
	mgr.mtx.Lock()
	mgr.ops[requestID] = ec2Op{kind: ec2OpRemove, instanceIDs: ids}
	mgr.mtx.Unlock()
	mgr.logger.WithFields(logrus.Fields{
		"RequestID":   requestID,
		"InstanceIDs": roleInstanceIDs,
	}).Info("started instance termination")
	return requestID, nil
}

func (mgr *ec2Manager) OperationStatus(ctx context.Context, requestID string) (OperationState, error) {
	mgr.mtx.Lock()
	op, ok := mgr.ops[requestID]
	mgr.mtx.Unlock()
	if !ok {
		// Tracking is in-process only. After a restart every
		// guard must be clearable, so an unknown request is
		// reported as failed and the next tick reconciles.
		return OperationFailed, nil
	}
	resp, err := mgr.client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: op.instanceIDs,
	})
	if err != nil {
		return OperationInProgress, fmt.Errorf("DescribeInstances: %w", err)
	}
	states := map[string]string{}
	for _, rsv := range resp.Reservations {
		for _, inst := range rsv.Instances {
			states[aws.StringValue(inst.InstanceId)] = aws.StringValue(inst.State.Name)
		}
	}
	state := OperationSucceeded
	for _, id := range op.instanceIDs {
		switch name := states[aws.StringValue(id)]; op.kind {
		case ec2OpAdd:
			switch name {
			case ec2.InstanceStateNameRunning:
			case ec2.InstanceStateNamePending:
				state = OperationInProgress
			default:
				return mgr.finish(requestID, OperationFailed), nil
			}
		case ec2OpRemove:
			switch name {
			case ec2.InstanceStateNameTerminated, "":
			case ec2.InstanceStateNameShuttingDown:
				state = OperationInProgress
			default:
				return mgr.finish(requestID, OperationFailed), nil
			}
		}
	}
	if state == OperationInProgress {
		return state, nil
	}
	return mgr.finish(requestID, state), nil
}

func (mgr *ec2Manager) finish(requestID string, state OperationState) OperationState {
	mgr.mtx.Lock()
	delete(mgr.ops, requestID)
	mgr.mtx.Unlock()
	return state
}

var _ Manager = (*ec2Manager)(nil)
