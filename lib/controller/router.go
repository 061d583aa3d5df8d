// Copyright (C) The Jobfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/mszcool/jobfleet/sdk/go/jobfleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns the controller's HTTP API. Mutating endpoints
// require the deployment's management token as a bearer token.
func NewRouter(ctrl *Controller, reg *prometheus.Registry) http.Handler {
	rtr := &router{ctrl: ctrl}
	mux := httprouter.New()
	mux.GET("/_health/ping", rtr.ping)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.GET("/batches", rtr.auth(rtr.listBatches))
	mux.POST("/batches", rtr.auth(rtr.createBatch))
	mux.GET("/batches/:id/jobs", rtr.auth(rtr.listJobs))
	mux.POST("/batches/:id/close", rtr.auth(rtr.closeBatch))
	mux.POST("/batches/:id/cancel", rtr.auth(rtr.cancelBatch))
	mux.POST("/batches/:id/jobs", rtr.auth(rtr.submitJobs))
	mux.POST("/batches/:id/jobs/:jobid/cancel", rtr.auth(rtr.cancelJob))
	return mux
}

type router struct {
	ctrl *Controller
}

func (rtr *router) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		token := rtr.ctrl.Cluster.ManagementToken
		if token != "" && req.Header.Get("Authorization") != "Bearer "+token {
			sendError(w, http.StatusUnauthorized, errors.New("management token required"))
			return
		}
		next(w, req, params)
	}
}

func (rtr *router) ping(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	sendJSON(w, http.StatusOK, map[string]string{"health": "OK"})
}

func (rtr *router) listBatches(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	batches, err := rtr.ctrl.Registries.ListBatches(req.Context())
	if err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, batches)
}

func (rtr *router) createBatch(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var batch jobfleet.Batch
	if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	created, err := rtr.ctrl.CreateBatch(req.Context(), batch)
	if err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, created)
}

func (rtr *router) listJobs(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	jobs, err := rtr.ctrl.Registries.ListJobs(req.Context(), params.ByName("id"))
	if err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, jobs)
}

func (rtr *router) submitJobs(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	var jobs []jobfleet.Job
	if err := json.NewDecoder(req.Body).Decode(&jobs); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	ids, err := rtr.ctrl.SubmitJobs(req.Context(), jobs, params.ByName("id"))
	if err != nil {
		// A prefix may have been accepted; report both.
		sendJSON(w, errStatus(err), map[string]interface{}{
			"job_ids": ids,
			"errors":  []string{err.Error()},
		})
		return
	}
	sendJSON(w, http.StatusCreated, map[string]interface{}{"job_ids": ids})
}

func (rtr *router) closeBatch(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := rtr.ctrl.CloseBatch(req.Context(), params.ByName("id")); err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (rtr *router) cancelBatch(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := rtr.ctrl.CancelBatch(req.Context(), params.ByName("id")); err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (rtr *router) cancelJob(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
	if err := rtr.ctrl.CancelJob(req.Context(), params.ByName("jobid"), params.ByName("id")); err != nil {
		sendControllerError(w, err)
		return
	}
	sendJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBatchClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrDefaultBatch):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func sendControllerError(w http.ResponseWriter, err error) {
	sendError(w, errStatus(err), err)
}

func sendError(w http.ResponseWriter, code int, err error) {
	sendJSON(w, code, map[string]interface{}{"errors": []string{err.Error()}})
}

func sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
