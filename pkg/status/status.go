// Copyright (c) OpenMMLab. All rights reserved.

// Package status serves memtraced's JSON HTTP status surface: a liveness
// probe and a stats endpoint reporting whether the tracker singleton is
// currently active.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"memtrace/pkg/tracker"
	"memtrace/pkg/version"
)

// Handler serves the status routes for a single named component
// ("memtraced").
type Handler struct {
	component string
}

func NewHandler(component string) *Handler {
	return &Handler{component: component}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	tr := tracker.GetTracker()
	resp := StatsResponse{
		Version: version.Get(h.component),
		Active:  tr != nil && tr.Active(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Active {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
