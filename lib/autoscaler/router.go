// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns the autoscaler's management API. All endpoints
// except health require the deployment's management token.
func NewRouter(as *AutoScaler, reg *prometheus.Registry) http.Handler {
	rtr := &router{as: as}
	mux := httprouter.New()
	mux.GET("/_health/ping", rtr.ping)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.GET("/workers", rtr.auth(rtr.listWorkers))
	mux.GET("/batches", rtr.auth(rtr.listBatches))
	mux.GET("/scale-operation", rtr.auth(rtr.scaleOperation))
	mux.POST("/workers/:id/run", rtr.auth(rtr.forceRun))
	mux.POST("/workers/:id/idle", rtr.auth(rtr.forceIdle))
	return mux
}

type router struct {
	as *AutoScaler
}

func (rtr *router) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		token := rtr.as.Cluster.ManagementToken
		if token != "" && req.Header.Get("Authorization") != "Bearer "+token {
			rtr.sendError(w, http.StatusUnauthorized, errors.New("management token required"))
			return
		}
		next(w, req, params)
	}
}

func (rtr *router) ping(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	rtr.sendJSON(w, http.StatusOK, map[string]string{"health": "OK"})
}

func (rtr *router) listWorkers(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	workers, err := rtr.as.Registries.ListJobHosts(req.Context(), rtr.as.DeploymentID)
	if err != nil {
		rtr.sendError(w, http.StatusInternalServerError, err)
		return
	}
	rtr.sendJSON(w, http.StatusOK, workers)
}

func (rtr *router) listBatches(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	batches, err := rtr.as.Registries.ListBatches(req.Context())
	if err != nil {
		rtr.sendError(w, http.StatusInternalServerError, err)
		return
	}
	rtr.sendJSON(w, http.StatusOK, batches)
}

func (rtr *router) scaleOperation(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	rec, err := rtr.as.Registries.GetScaleOperation(req.Context(), rtr.as.DeploymentID)
	if err != nil {
		rtr.sendError(w, http.StatusInternalServerError, err)
		return
	}
	rtr.sendJSON(w, http.StatusOK, rec)
}

// forceRun lets an operator push a Run command at a specific worker,
// e.g. one stuck idle after a missed command.
func (rtr *router) forceRun(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	workerID := params.ByName("id")
	rec, err := rtr.as.Registries.GetJobHost(req.Context(), rtr.as.DeploymentID, workerID)
	if err != nil {
		rtr.sendError(w, http.StatusNotFound, err)
		return
	}
	if err := rtr.as.sendRunCommand(req.Context(), workerID, rec.DedicatedBatchID); err != nil {
		rtr.sendError(w, http.StatusInternalServerError, err)
		return
	}
	rtr.sendJSON(w, http.StatusAccepted, map[string]string{"status": "run command sent"})
}

// forceIdle marks a worker record Idle so the next control-loop tick
// can consider it for retirement. The worker itself is untouched; it
// will re-announce if it is still processing.
func (rtr *router) forceIdle(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	workerID := params.ByName("id")
	rec, err := rtr.as.Registries.GetJobHost(req.Context(), rtr.as.DeploymentID, workerID)
	if err != nil {
		rtr.sendError(w, http.StatusNotFound, err)
		return
	}
	rec.Status = jobfleet.JobHostStatusIdle
	rec.LastStatusAt = time.Now()
	if err := rtr.as.Registries.PutJobHost(req.Context(), rec); err != nil {
		rtr.sendError(w, http.StatusInternalServerError, err)
		return
	}
	rtr.sendJSON(w, http.StatusOK, rec)
}

func (rtr *router) sendError(w http.ResponseWriter, code int, err error) {
	rtr.sendJSON(w, code, map[string]interface{}{"errors": []string{err.Error()}})
}

func (rtr *router) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
