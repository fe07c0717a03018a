package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veildns/veild/pkg/bridge"
	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/tunnel"
)

// api is the local control surface the UI layer consumes in place of a
// native binding. It only routes to the bridge; tunnel state lives in
// the controller.
type api struct {
	bridge *bridge.Bridge
	ctrl   *tunnel.Controller
}

const eventPollTimeout = 30 * time.Second

func newAPI(b *bridge.Bridge, ctrl *tunnel.Controller) http.Handler {
	a := &api{bridge: b, ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.getStatus)
		r.Get("/stats", a.getStats)
		r.Get("/events", a.getEvents)
		r.Post("/configure", a.postConfigure)
		r.Post("/connect", a.postConnect)
		r.Post("/disconnect", a.postDisconnect)
		r.Post("/dns", a.postDNS)
		r.Post("/permission", a.postPermission)
	})
	return r
}

type statusResponse struct {
	Status    core.Status `json:"status"`
	Supported bool        `json:"supported"`
	Permitted bool        `json:"permitted"`
	LastError string      `json:"lastError,omitempty"`
}

func (a *api) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:    a.bridge.Status(),
		Supported: a.bridge.IsSupported(),
		Permitted: a.bridge.HasPermission(),
	}
	if err := a.ctrl.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *api) getStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.bridge.Stats())
}

// getEvents long-polls the next status transition, answering with the
// current status on timeout so clients can poll in a plain loop.
func (a *api) getEvents(w http.ResponseWriter, r *http.Request) {
	ch := make(chan core.Status, 1)
	cancel := a.bridge.SubscribeStatus(func(s core.Status) {
		select {
		case ch <- s:
		default:
		}
	})
	defer cancel()

	select {
	case s := <-ch:
		respondJSON(w, http.StatusOK, map[string]core.Status{"status": s})
	case <-time.After(eventPollTimeout):
		respondJSON(w, http.StatusOK, map[string]core.Status{"status": a.bridge.Status()})
	case <-r.Context().Done():
	}
}

func (a *api) postConfigure(w http.ResponseWriter, r *http.Request) {
	var cfg core.TunnelConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.bridge.Configure(cfg); err != nil {
		respondError(w, errStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) postConnect(w http.ResponseWriter, _ *http.Request) {
	if err := a.bridge.Connect(); err != nil {
		respondError(w, errStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]core.Status{"status": a.bridge.Status()})
}

func (a *api) postDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := a.bridge.Disconnect(); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]core.Status{"status": a.bridge.Status()})
}

func (a *api) postDNS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Servers []string `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.bridge.SetDNSServers(req.Servers); err != nil {
		respondError(w, errStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *api) postPermission(w http.ResponseWriter, r *http.Request) {
	granted, err := a.bridge.RequestPermission(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotConfigured):
		return http.StatusConflict
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
