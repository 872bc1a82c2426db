package server

// HTTP API
// --------
// POST /api/session/create   mint a session (rate limited)
// POST /api/session/:id/stop end a session, returns the recording name
// GET  /api/recording/:file  download one recording (basename only)
// GET  /api/recordings       list the recording catalog, newest first
// GET  /healthz              liveness probe
// GET  /metrics              Prometheus collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/hooks"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
)

type createResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ListenURL string `json:"listenUrl"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds
}

type stopResponse struct {
	OK        bool   `json:"ok"`
	Recording string `json:"recording"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type recordingsResponse struct {
	Recordings []media.Recording `json:"recordings"`
}

// routes builds the router shared by the API, the metrics endpoint and the
// WebSocket gate on the root path.
func (s *Server) routes() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", s.handleRoot)
	router.POST("/api/session/create", s.handleCreate)
	router.POST("/api/session/:id/stop", s.handleStop)
	router.GET("/api/recording/:file", s.handleRecording)
	router.GET("/api/recordings", s.handleRecordings)
	router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	if s.public != nil {
		router.NotFound = s.public
	}
	return router
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.createLimiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	sess, err := s.registry.Create()
	if err != nil {
		s.log.Error("session create failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metricSessionsActive.Inc()
	metricSessionsTotal.Inc()
	s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventSessionCreate).
		WithSession(sess.ID()).
		WithData("expires_at", sess.ExpireAt().UnixMilli()))

	writeJSON(w, http.StatusOK, createResponse{
		SessionID: sess.ID(),
		Token:     sess.Token(),
		ListenURL: fmt.Sprintf("/listener.html?sid=%s&t=%s", sess.ID(), sess.Token()),
		ExpiresAt: sess.ExpireAt().UnixMilli(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess := s.registry.Get(ps.ByName("id"))
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	recording := filepath.Base(sess.RecordingPath())
	sess.Teardown(control.ReasonStoppedByBroadcaster)

	writeJSON(w, http.StatusOK, stopResponse{OK: true, Recording: recording})
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("file")
	_, _, archived, ok := media.ParseRecordingName(name)
	if !ok || name != filepath.Base(name) {
		writeJSONError(w, http.StatusNotFound, "recording not found")
		return
	}

	if archived {
		w.Header().Set("Content-Type", "application/gzip")
	} else {
		w.Header().Set("Content-Type", "audio/webm")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	http.ServeFile(w, r, filepath.Join(s.cfg.RecordingsDir, name))
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	recs := s.catalog.List()
	if recs == nil {
		recs = []media.Recording{}
	}
	writeJSON(w, http.StatusOK, recordingsResponse{Recordings: recs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
