// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobhost

import (
	"context"
	"encoding/json"

	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/sirupsen/logrus"
)

// A Notifier publishes job lifecycle notifications. Delivery is
// strictly best-effort: a publish failure is logged and swallowed so
// notification problems can never stall job processing.
type Notifier struct {
	Bus    broker.TopicBus
	Logger logrus.FieldLogger
}

func (n *Notifier) JobStarted(ctx context.Context, job jobfleet.Job) {
	n.publish(ctx, jobfleet.JobNotification{
		Kind:       jobfleet.NotificationStarted,
		JobID:      job.JobID,
		BatchID:    job.BatchID,
		TenantName: job.TenantName,
		Status:     jobfleet.JobStatusStarted,
	})
}

func (n *Notifier) JobProgress(ctx context.Context, job jobfleet.Job, percent int) {
	n.publish(ctx, jobfleet.JobNotification{
		Kind:       jobfleet.NotificationProgress,
		JobID:      job.JobID,
		BatchID:    job.BatchID,
		TenantName: job.TenantName,
		Status:     jobfleet.JobStatusInProgress,
		Progress:   percent,
	})
}

func (n *Notifier) JobFinished(ctx context.Context, job jobfleet.Job) {
	n.publish(ctx, jobfleet.JobNotification{
		Kind:       jobfleet.NotificationFinished,
		JobID:      job.JobID,
		BatchID:    job.BatchID,
		TenantName: job.TenantName,
		Status:     job.Status,
		Output:     job.Output,
	})
}

func (n *Notifier) publish(ctx context.Context, note jobfleet.JobNotification) {
	body, err := json.Marshal(note)
	if err != nil {
		n.Logger.WithError(err).Error("could not encode notification")
		return
	}
	err = n.Bus.Publish(ctx, jobfleet.TopicJobStatus, string(body), map[string]string{
		jobfleet.PropJobID:      note.JobID,
		jobfleet.PropBatchID:    note.BatchID,
		jobfleet.PropTenantName: note.TenantName,
		jobfleet.PropKind:       string(note.Kind),
	})
	if err != nil {
		n.Logger.WithError(err).WithFields(logrus.Fields{
			"JobID": note.JobID,
			"Kind":  note.Kind,
		}).Warn("could not publish notification")
	}
}
