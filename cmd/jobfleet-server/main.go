// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command jobfleet-server runs one jobfleet service: the controller
// API, a jobhost worker, or the autoscaler.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mszcool/jobfleet/lib/autoscaler"
	"github.com/mszcool/jobfleet/lib/broker"
	"github.com/mszcool/jobfleet/lib/config"
	"github.com/mszcool/jobfleet/lib/controller"
	"github.com/mszcool/jobfleet/lib/fleet"
	"github.com/mszcool/jobfleet/lib/jobhost"
	"github.com/mszcool/jobfleet/lib/registry"
	"github.com/mszcool/jobfleet/sdk/go/ctxlog"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run(os.Args[0], os.Args[1:], os.Stderr))
}

func run(prog string, args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", "/etc/jobfleet/config.yml", "site configuration `file`")
	deploymentID := flags.String("deployment-id", "", "deployment to serve (needed only when the config has several)")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] {controller|jobhost|autoscaler}\n", prog)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return 2
	}
	service := flags.Arg(0)

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cluster, err := cfg.GetDeployment(*deploymentID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger := ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel).WithFields(logrus.Fields{
		"DeploymentID": cluster.DeploymentID,
		"PID":          os.Getpid(),
	})

	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bkr, err := newBroker(cluster)
	if err != nil {
		logger.WithError(err).Error("broker setup failed")
		return 1
	}
	regs, err := newRegistries(ctx, cluster)
	if err != nil {
		logger.WithError(err).Error("registry setup failed")
		return 1
	}

	ctrl := &controller.Controller{
		Cluster:    cluster,
		Broker:     bkr,
		Registries: regs,
		Logger:     logger,
	}
	if err := ctrl.Initialize(ctx); err != nil {
		logger.WithError(err).Error("initialization failed")
		return 1
	}

	metricsReg := prometheus.NewRegistry()
	switch service {
	case "controller":
		return serveHTTP(ctx, logger, cluster.Listen.Controller, controller.NewRouter(ctrl, metricsReg))
	case "jobhost":
		return runJobHost(ctx, logger, cluster, bkr, regs, metricsReg)
	case "autoscaler":
		return runAutoScaler(ctx, logger, cluster, bkr, regs, metricsReg)
	default:
		flags.Usage()
		return 2
	}
}

func newBroker(cluster *jobfleet.Deployment) (broker.Broker, error) {
	switch cluster.Broker.Driver {
	case "", "memory":
		return broker.NewMemory(), nil
	case "redis":
		return broker.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cluster.Broker.Redis.Address,
			Password: cluster.Broker.Redis.Password,
			DB:       cluster.Broker.Redis.DB,
		})), nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cluster.Broker.Driver)
	}
}

func newRegistries(ctx context.Context, cluster *jobfleet.Deployment) (registry.Registries, error) {
	if len(cluster.PostgreSQL.Connection) == 0 {
		return registry.NewMemory(), nil
	}
	return registry.OpenPostgres(ctx, cluster.PostgreSQL.Connection, cluster.PostgreSQL.ConnectionPool)
}

func runJobHost(ctx context.Context, logger logrus.FieldLogger, cluster *jobfleet.Deployment, bkr broker.Broker, regs registry.Registries, metricsReg *prometheus.Registry) int {
	hostname, _ := os.Hostname()
	workerID := hostname + "-" + uuid.NewString()
	logger = logger.WithField("WorkerID", workerID)

	executors := jobhost.NewExecutorRegistry()
	executors.Register("noop", func() jobhost.Executor { return noopExecutor{} })

	host := &jobhost.JobHost{
		WorkerID:   workerID,
		Cluster:    cluster,
		Broker:     bkr,
		Registries: regs,
		Executors:  executors,
		Tenants:    &jobhost.LocalTenantManager{Root: cluster.JobHosts.TenantRoot, Logger: logger},
		Notifier:   &jobhost.Notifier{Bus: bkr, Logger: logger},
		Integrator: &jobhost.Integrator{
			WorkerID:       workerID,
			RoleInstanceID: hostname,
			DeploymentID:   cluster.DeploymentID,
			Cluster:        cluster,
			Bus:            bkr,
			Logger:         logger,
		},
		Logger: logger,
	}
	host.RegisterMetrics(metricsReg)
	logger.Info("jobhost starting")
	if err := host.Run(ctx); err != nil {
		logger.WithError(err).Error("jobhost exited with error")
		return 1
	}
	return 0
}

func runAutoScaler(ctx context.Context, logger logrus.FieldLogger, cluster *jobfleet.Deployment, bkr broker.Broker, regs registry.Registries, metricsReg *prometheus.Registry) int {
	if !cluster.AutoScaler.Enabled {
		logger.Error("the autoscaler is disabled in this deployment's configuration")
		return 1
	}
	fleetMgr, err := fleet.New(cluster.DeploymentID, *cluster, logger)
	if err != nil {
		logger.WithError(err).Error("fleet manager setup failed")
		return 1
	}
	as := &autoscaler.AutoScaler{
		DeploymentID: cluster.DeploymentID,
		Cluster:      cluster,
		Broker:       bkr,
		Registries:   regs,
		Fleet:        fleetMgr,
		Policy:       &autoscaler.QueueDepthPolicy{Cluster: cluster, Logger: logger},
		Logger:       logger,
	}
	as.RegisterMetrics(metricsReg)

	errch := make(chan error, 1)
	go func() {
		errch <- as.Run(ctx)
	}()
	code := serveHTTP(ctx, logger, cluster.Listen.AutoScaler, autoscaler.NewRouter(as, metricsReg))
	if err := <-errch; err != nil {
		logger.WithError(err).Error("autoscaler exited with error")
		return 1
	}
	return code
}

func serveHTTP(ctx context.Context, logger logrus.FieldLogger, addr string, handler http.Handler) int {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	logger.WithField("Listen", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("server failed")
		return 1
	}
	logger.Info("shutting down")
	return 0
}

// noopExecutor accepts any job and reports success. It keeps a
// freshly provisioned deployment testable end to end before real
// executors are registered.
type noopExecutor struct{}

func (noopExecutor) DoWork(ctx context.Context, job jobfleet.Job, rootPath, workingPath string, progress jobhost.ProgressFunc) (jobhost.Result, error) {
	progress(100)
	return jobhost.Result{Status: jobfleet.JobStatusFinished, Output: "no work performed"}, nil
}

func (noopExecutor) Cancel() {}
