// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package autoscaler implements the fleet-wide control loop: it sizes
// the worker fleet from queue depth, reassigns idle workers before
// provisioning new instances, retires over-idle workers, and keeps at
// most one physical fleet operation in flight.
package autoscaler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/fleet"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// An AutoScaler runs the control loop for one deployment. The
// registry writes in ManageJobHost are guarded by two named mutexes,
// one per report kind; cross-instance exclusion comes from the
// version-conditional scale-operation write, so run one autoscaler
// per deployment.
type AutoScaler struct {
	DeploymentID string
	Cluster      *jobfleet.Deployment
	Broker       broker.Broker
	Registries   registry.Registries
	Fleet        fleet.Manager
	Policy       Policy
	Logger       logrus.FieldLogger

	idleMtx  sync.Mutex
	readyMtx sync.Mutex

	stop    chan struct{}
	stopped chan struct{}

	mWorkers    *prometheus.GaugeVec
	mScaleOps   *prometheus.CounterVec
	mReassigned prometheus.Counter
	mDelta      prometheus.Gauge
	mDepth      prometheus.Gauge
}

// RegisterMetrics must be called before Run if metrics are wanted.
func (as *AutoScaler) RegisterMetrics(reg *prometheus.Registry) {
	as.mWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobfleet",
		Subsystem: "autoscaler",
		Name:      "workers",
		Help:      "Number of worker records by status.",
	}, []string{"status"})
	reg.MustRegister(as.mWorkers)
	as.mScaleOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobfleet",
		Subsystem: "autoscaler",
		Name:      "scale_operations_started_total",
		Help:      "Number of physical fleet operations started, by kind.",
	}, []string{"kind"})
	reg.MustRegister(as.mScaleOps)
	as.mReassigned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobfleet",
		Subsystem: "autoscaler",
		Name:      "idle_workers_reassigned_total",
		Help:      "Number of idle workers put back to work instead of provisioning new instances.",
	})
	reg.MustRegister(as.mReassigned)
	as.mDelta = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobfleet",
		Subsystem: "autoscaler",
		Name:      "last_scale_delta",
		Help:      "Additional worker capacity wanted at the last control-loop tick.",
	})
	reg.MustRegister(as.mDelta)
	as.mDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobfleet",
		Subsystem: "autoscaler",
		Name:      "queue_depth",
		Help:      "Approximate number of queued jobs across all open batches at the last tick.",
	})
	reg.MustRegister(as.mDepth)
}

func (as *AutoScaler) updateWorkerMetrics(workers []jobfleet.JobHostRecord) {
	if as.mWorkers == nil {
		return
	}
	as.mWorkers.Reset()
	for _, w := range workers {
		as.mWorkers.WithLabelValues(string(w.Status)).Inc()
	}
}

func (as *AutoScaler) sendRunCommand(ctx context.Context, workerID, dedicatedBatchID string) error {
	body, err := json.Marshal(jobfleet.WorkerCommand{
		Command:          jobfleet.CommandRun,
		DedicatedBatchID: dedicatedBatchID,
	})
	if err != nil {
		return err
	}
	return as.Broker.Publish(ctx, jobfleet.TopicWorkerCommands, string(body), map[string]string{
		jobfleet.PropWorkerID: workerID,
	})
}

// DoAutoScaling runs one control-loop tick.
func (as *AutoScaler) DoAutoScaling(ctx context.Context) error {
	workers, err := as.Registries.ListJobHosts(ctx, as.DeploymentID)
	if err != nil {
		return err
	}
	as.updateWorkerMetrics(workers)
	activeCount := 0
	for _, w := range workers {
		if w.Status != jobfleet.JobHostStatusIdle {
			activeCount++
		}
	}

	batches, err := as.Registries.ListBatches(ctx)
	if err != nil {
		return err
	}
	var batchQueues []string
	for _, batch := range batches {
		if batch.ID != jobfleet.DefaultBatchID && batch.Status == jobfleet.BatchStatusOpen {
			batchQueues = append(batchQueues, jobfleet.BatchQueue(batch.ID))
		}
	}

	if as.mDepth != nil {
		depth := 0
		for _, queue := range append([]string{jobfleet.BatchQueue(jobfleet.DefaultBatchID)}, batchQueues...) {
			if n, err := as.Broker.ApproximateDepth(ctx, queue); err == nil {
				depth += n
			}
		}
		as.mDepth.Set(float64(depth))
	}

	delta := as.Policy.DoScaleOut(ctx, as.Broker, jobfleet.BatchQueue(jobfleet.DefaultBatchID), batchQueues, activeCount)
	if as.mDelta != nil {
		as.mDelta.Set(float64(delta))
	}
	if delta > 0 {
		delta = as.reassignIdleWorkers(ctx, workers, delta)
	}

	canDo, version, err := as.CanDoRoleOperations(ctx)
	if err != nil {
		return err
	}
	if !canDo {
		as.Logger.Debug("scale operation still in flight, nothing started this tick")
		return nil
	}
	if delta > 0 {
		return as.provision(ctx, workers, delta, version)
	}
	return as.retireOverIdle(ctx, workers, version)
}

// reassignIdleWorkers puts up to delta idle workers back to work and
// returns the remaining capacity need.
func (as *AutoScaler) reassignIdleWorkers(ctx context.Context, workers []jobfleet.JobHostRecord, delta int) int {
	for i := range workers {
		if delta == 0 {
			break
		}
		w := &workers[i]
		if w.Status != jobfleet.JobHostStatusIdle {
			continue
		}
		w.Status = jobfleet.JobHostStatusRun
		w.LastStatusAt = time.Now()
		if err := as.Registries.PutJobHost(ctx, *w); err != nil {
			as.Logger.WithError(err).WithField("WorkerID", w.ID).Error("could not reassign idle worker")
			continue
		}
		if err := as.sendRunCommand(ctx, w.ID, w.DedicatedBatchID); err != nil {
			as.Logger.WithError(err).WithField("WorkerID", w.ID).Error("could not command reassigned worker")
		}
		if as.mReassigned != nil {
			as.mReassigned.Inc()
		}
		as.Logger.WithField("WorkerID", w.ID).Info("reassigned idle worker")
		delta--
	}
	return delta
}

// CanDoRoleOperations reports whether a new physical fleet operation
// may start. It also reconciles the previously recorded operation:
// once the fleet manager reports it finished, registry rows left in
// transitional states are cleaned up and the request ID cleared. The
// returned version is the scale-operation record version to use for
// the next conditional write.
func (as *AutoScaler) CanDoRoleOperations(ctx context.Context) (bool, int64, error) {
	rec, err := as.Registries.GetScaleOperation(ctx, as.DeploymentID)
	if err != nil {
		return false, 0, err
	}
	if rec.RequestID == "" {
		return true, rec.Version, nil
	}
	state, err := as.Fleet.OperationStatus(ctx, rec.RequestID)
	if err != nil {
		return false, 0, err
	}
	logger := as.Logger.WithFields(logrus.Fields{
		"RequestID": rec.RequestID,
		"State":     state,
	})
	switch state {
	case fleet.OperationInProgress:
		return false, rec.Version, nil
	case fleet.OperationSucceeded:
		// Confirmed removals are gone for good.
		if err := as.forEachWorker(ctx, jobfleet.JobHostStatusDeleting, func(w jobfleet.JobHostRecord) error {
			return as.Registries.DeleteJobHost(ctx, as.DeploymentID, w.ID)
		}); err != nil {
			return false, 0, err
		}
		logger.Info("scale operation succeeded")
	case fleet.OperationFailed:
		// Failed additions never came up; failed removals are
		// still alive and may be retried later.
		if err := as.forEachWorker(ctx, jobfleet.JobHostStatusPreparing, func(w jobfleet.JobHostRecord) error {
			return as.Registries.DeleteJobHost(ctx, as.DeploymentID, w.ID)
		}); err != nil {
			return false, 0, err
		}
		if err := as.forEachWorker(ctx, jobfleet.JobHostStatusDeleting, func(w jobfleet.JobHostRecord) error {
			w.Status = jobfleet.JobHostStatusIdle
			w.LastStatusAt = time.Now()
			return as.Registries.PutJobHost(ctx, w)
		}); err != nil {
			return false, 0, err
		}
		logger.Warn("scale operation failed")
	}
	cleared, err := as.Registries.SetScaleOperation(ctx, as.DeploymentID, "", rec.Version)
	if err != nil {
		return false, 0, err
	}
	return true, cleared.Version, nil
}

func (as *AutoScaler) forEachWorker(ctx context.Context, status jobfleet.JobHostStatus, fn func(jobfleet.JobHostRecord) error) error {
	workers, err := as.Registries.ListJobHosts(ctx, as.DeploymentID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if w.Status != status {
			continue
		}
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// provision starts a physical add operation for the remaining delta,
// bounded by the policy's fleet-size ceiling, and creates Preparing
// placeholder rows for the requested instances.
func (as *AutoScaler) provision(ctx context.Context, workers []jobfleet.JobHostRecord, delta int, version int64) error {
	currentCount := len(workers)
	target := currentCount + delta
	if max := as.Policy.MaximumJobHosts(); target > max {
		target = max
	}
	add := target - currentCount
	if add <= 0 {
		as.Logger.WithField("CurrentCount", currentCount).Info("fleet is at its configured maximum")
		return nil
	}
	requestID, err := as.Fleet.AddInstances(ctx, add)
	if err != nil {
		return err
	}
	if _, err := as.Registries.SetScaleOperation(ctx, as.DeploymentID, requestID, version); err != nil {
		return err
	}
	if as.mScaleOps != nil {
		as.mScaleOps.WithLabelValues("add").Inc()
	}
	for i := 0; i < add; i++ {
		err := as.Registries.PutJobHost(ctx, jobfleet.JobHostRecord{
			ID:           uuid.NewString(),
			DeploymentID: as.DeploymentID,
			Status:       jobfleet.JobHostStatusPreparing,
			LastStatusAt: time.Now(),
		})
		if err != nil {
			as.Logger.WithError(err).Error("could not create placeholder worker record")
		}
	}
	as.Logger.WithFields(logrus.Fields{
		"RequestID": requestID,
		"Added":     add,
	}).Info("requested instance provisioning")
	return nil
}

// retireOverIdle starts a physical remove operation for workers that
// have been idle longer than the policy allows, keeping up to
// MaximumIdleJobHosts of them as warm spares. The longest-idle
// workers go first.
func (as *AutoScaler) retireOverIdle(ctx context.Context, workers []jobfleet.JobHostRecord, version int64) error {
	var overIdle []jobfleet.JobHostRecord
	for _, w := range workers {
		if w.Status == jobfleet.JobHostStatusIdle && time.Since(w.LastStatusAt) > as.Policy.IdleTime() {
			overIdle = append(overIdle, w)
		}
	}
	excess := len(overIdle) - as.Policy.MaximumIdleJobHosts()
	if excess <= 0 {
		return nil
	}
	sort.Slice(overIdle, func(i, j int) bool {
		return overIdle[i].LastStatusAt.Before(overIdle[j].LastStatusAt)
	})
	victims := overIdle[:excess]
	var roleIDs []string
	for _, w := range victims {
		roleIDs = append(roleIDs, w.RoleInstanceID)
	}
	requestID, err := as.Fleet.RemoveInstances(ctx, roleIDs)
	if err != nil {
		return err
	}
	if _, err := as.Registries.SetScaleOperation(ctx, as.DeploymentID, requestID, version); err != nil {
		return err
	}
	if as.mScaleOps != nil {
		as.mScaleOps.WithLabelValues("remove").Inc()
	}
	for _, w := range victims {
		w.Status = jobfleet.JobHostStatusDeleting
		w.LastStatusAt = time.Now()
		if err := as.Registries.PutJobHost(ctx, w); err != nil {
			as.Logger.WithError(err).WithField("WorkerID", w.ID).Error("could not mark worker Deleting")
		}
	}
	as.Logger.WithFields(logrus.Fields{
		"RequestID": requestID,
		"Removed":   len(victims),
	}).Info("requested instance removal")
	return nil
}

// ManageJobHost handles one inbound worker self-report. Reports are
// delivered at least once and possibly out of order; every transition
// here is safe to repeat.
func (as *AutoScaler) ManageJobHost(ctx context.Context, report jobfleet.WorkerReport) error {
	logger := as.Logger.WithFields(logrus.Fields{
		"WorkerID": report.WorkerID,
		"Status":   report.Status,
	})
	switch report.Status {
	case jobfleet.JobHostStatusIdle:
		as.idleMtx.Lock()
		defer as.idleMtx.Unlock()
		workers, err := as.Registries.ListJobHosts(ctx, as.DeploymentID)
		if err != nil {
			return err
		}
		runCount := 0
		for _, w := range workers {
			if w.Status == jobfleet.JobHostStatusRun {
				runCount++
			}
		}
		status := jobfleet.JobHostStatusIdle
		if runCount <= as.Policy.MinimumRunningJobHosts() {
			// Idle floor: the fleet never drops below the
			// configured minimum of active workers.
			status = jobfleet.JobHostStatusRun
			if err := as.sendRunCommand(ctx, report.WorkerID, report.DedicatedBatchID); err != nil {
				return err
			}
			logger.Info("idle report overridden to keep the running floor")
		}
		return as.Registries.PutJobHost(ctx, jobfleet.JobHostRecord{
			ID:               report.WorkerID,
			RoleInstanceID:   report.RoleInstanceID,
			DeploymentID:     as.DeploymentID,
			Status:           status,
			DedicatedBatchID: report.DedicatedBatchID,
			LastStatusAt:     time.Now(),
		})
	case jobfleet.JobHostStatusReady:
		as.readyMtx.Lock()
		defer as.readyMtx.Unlock()
		workers, err := as.Registries.ListJobHosts(ctx, as.DeploymentID)
		if err != nil {
			return err
		}
		// Consume one Preparing placeholder: this physically
		// provisioned instance is now tied to its advertised
		// identity. Failing that, a re-announcing worker's old
		// row is replaced.
		replace := ""
		for _, w := range workers {
			if w.Status == jobfleet.JobHostStatusPreparing {
				replace = w.ID
				break
			}
			if w.RoleInstanceID != "" && w.RoleInstanceID == report.RoleInstanceID && replace == "" {
				replace = w.ID
			}
		}
		if replace != "" {
			if err := as.Registries.DeleteJobHost(ctx, as.DeploymentID, replace); err != nil {
				return err
			}
		}
		err = as.Registries.PutJobHost(ctx, jobfleet.JobHostRecord{
			ID:               report.WorkerID,
			RoleInstanceID:   report.RoleInstanceID,
			DeploymentID:     as.DeploymentID,
			Status:           jobfleet.JobHostStatusRun,
			DedicatedBatchID: report.DedicatedBatchID,
			LastStatusAt:     time.Now(),
		})
		if err != nil {
			return err
		}
		logger.Info("worker announced, commanded to run")
		return as.sendRunCommand(ctx, report.WorkerID, report.DedicatedBatchID)
	default:
		// Workers only self-report Ready and Idle; anything else
		// is recorded as-is.
		return as.Registries.PutJobHost(ctx, jobfleet.JobHostRecord{
			ID:               report.WorkerID,
			RoleInstanceID:   report.RoleInstanceID,
			DeploymentID:     as.DeploymentID,
			Status:           report.Status,
			DedicatedBatchID: report.DedicatedBatchID,
			LastStatusAt:     time.Now(),
		})
	}
}

// Run drives the control loop and the report receive loop until ctx
// is cancelled. A single tick's failure is logged, never fatal.
func (as *AutoScaler) Run(ctx context.Context) error {
	as.stop = make(chan struct{})
	as.stopped = make(chan struct{})
	go as.runReportLoop(ctx)
	defer func() {
		close(as.stop)
		<-as.stopped
	}()

	interval := as.Cluster.AutoScaler.ScaleInterval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := as.DoAutoScaling(ctx); err != nil {
				as.Logger.WithError(err).Error("scaling tick failed")
			}
		}
	}
}

// runReportLoop consumes worker self-reports. Like the worker-side
// command loop, it treats subscription loss as a cue to resubscribe,
// not to give up.
func (as *AutoScaler) runReportLoop(ctx context.Context) {
	defer close(as.stopped)
	timeout := as.Cluster.AutoScaler.CommandPollTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subName := jobfleet.ReportsSubscription(as.DeploymentID)
	subscribed := false
	for {
		select {
		case <-as.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !subscribed {
			ok, err := as.Broker.SubscriptionExists(ctx, jobfleet.TopicWorkerReports, subName)
			if err == nil && !ok {
				err = as.Broker.CreateSubscription(ctx, jobfleet.TopicWorkerReports, subName, broker.SubscriptionOptions{
					Filter: broker.Filter{{Property: jobfleet.PropDeploymentID, Value: as.DeploymentID}},
				})
			}
			if err != nil {
				as.Logger.WithError(err).Warn("could not establish report subscription, retrying")
				select {
				case <-as.stop:
					return
				case <-time.After(timeout):
				}
				continue
			}
			subscribed = true
		}
		msg, err := as.Broker.Receive(ctx, jobfleet.TopicWorkerReports, subName, timeout)
		if err == broker.ErrSubscriptionNotFound || err == broker.ErrTopicNotFound {
			subscribed = false
			continue
		} else if err != nil {
			as.Logger.WithError(err).Warn("report receive failed")
			continue
		}
		if msg == nil {
			continue
		}
		var report jobfleet.WorkerReport
		if err := json.Unmarshal([]byte(msg.Body), &report); err != nil {
			as.Logger.WithError(err).Warn("dropping malformed worker report")
			continue
		}
		if err := as.ManageJobHost(ctx, report); err != nil {
			// The worker re-announces on its next ping, so a
			// lost report heals itself.
			as.Logger.WithError(err).WithField("WorkerID", report.WorkerID).Error("could not process worker report")
		}
	}
}
