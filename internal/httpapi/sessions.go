package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/export"
	"vitaltrace/internal/storage"
	"vitaltrace/internal/telemetry"
	"vitaltrace/internal/utils"
)

// SessionCloser ends a session on explicit operator request, draining the
// live pipeline when the session is the active one.
type SessionCloser interface {
	CloseSession(id string) error
}

type sessionsController struct {
	repo   storage.Repository
	closer SessionCloser
}

func newSessionsController(repo storage.Repository, closer SessionCloser) *sessionsController {
	return &sessionsController{repo: repo, closer: closer}
}

func (c *sessionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", c.handleSessions)
	mux.HandleFunc("POST /api/sessions/{id}/end", c.handleEndSession)
	mux.HandleFunc("GET /api/sessions/{id}", c.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/vitals", c.handleVitals)
	mux.HandleFunc("GET /api/sessions/{id}/motion", c.handleMotion)
	mux.HandleFunc("GET /api/sessions/{id}/export.csv", c.handleExportCSV)
	mux.HandleFunc("GET /api/sessions/{id}/export.motion.csv", c.handleExportMotionCSV)
	mux.HandleFunc("GET /api/sessions/{id}/export.json", c.handleExportJSON)
}

func (c *sessionsController) handleSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []telemetry.Session
		err      error
	)
	if r.URL.Query().Get("active") == "true" {
		sessions, err = c.repo.GetActiveSessions()
	} else {
		sessions, err = c.repo.GetAllSessions()
	}
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	utils.WriteJSON(w, http.StatusOK, sessions)
}

func (c *sessionsController) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	utils.WriteJSON(w, http.StatusOK, s)
}

func (c *sessionsController) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	if err := c.closer.CloseSession(s.ID); err != nil {
		slog.Error("end session failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": s.ID})
}

func (c *sessionsController) handleVitals(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	vitals, err := c.repo.GetSessionVitals(s.ID)
	if err != nil {
		slog.Error("get session vitals failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load vitals")
		return
	}
	utils.WriteJSON(w, http.StatusOK, vitals)
}

func (c *sessionsController) handleMotion(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	everyNth, err := intQuery(q.Get("every_nth_second"), 0)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var samples []ble.MotionSample
	if everyNth > 0 {
		samples, err = c.repo.GetMotionSamplesDownsampled(s.ID, everyNth)
	} else {
		var limit, offset int
		if limit, err = intQuery(q.Get("limit"), 0); err == nil {
			offset, err = intQuery(q.Get("offset"), 0)
		}
		if err != nil {
			utils.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples, err = c.repo.GetMotionSamples(s.ID, limit, offset)
	}
	if err != nil {
		slog.Error("get motion samples failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load motion samples")
		return
	}
	utils.WriteJSON(w, http.StatusOK, samples)
}

func (c *sessionsController) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	vitals, err := c.repo.GetSessionVitals(s.ID)
	if err != nil {
		slog.Error("export: get vitals failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load vitals")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session_"+s.ID+".csv"))
	if err := export.WriteVitalsCSV(w, *s, vitals); err != nil {
		slog.Error("export: write csv failed", "session_id", s.ID, "error", err)
	}
}

func (c *sessionsController) handleExportMotionCSV(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	samples, err := c.repo.GetMotionSamples(s.ID, 0, 0)
	if err != nil {
		slog.Error("export: get motion failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load motion samples")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session_"+s.ID+"_motion.csv"))
	if err := export.WriteMotionCSV(w, samples); err != nil {
		slog.Error("export: write motion csv failed", "session_id", s.ID, "error", err)
	}
}

func (c *sessionsController) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	s, ok := c.lookupSession(w, r)
	if !ok {
		return
	}
	vitals, err := c.repo.GetSessionVitals(s.ID)
	if err != nil {
		slog.Error("export: get vitals failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load vitals")
		return
	}
	motion, err := c.repo.GetMotionSamples(s.ID, 0, 0)
	if err != nil {
		slog.Error("export: get motion failed", "session_id", s.ID, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load motion samples")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := export.WriteSessionJSON(w, export.SessionExport{Session: *s, Vitals: vitals, Motion: motion}); err != nil {
		slog.Error("export: write json failed", "session_id", s.ID, "error", err)
	}
}

func (c *sessionsController) lookupSession(w http.ResponseWriter, r *http.Request) (*telemetry.Session, bool) {
	id := r.PathValue("id")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing session id")
		return nil, false
	}
	s, err := c.repo.GetSession(id)
	if err != nil {
		slog.Error("get session failed", "session_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	if s == nil {
		utils.WriteError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return s, true
}

func intQuery(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid query value %q", raw)
	}
	return v, nil
}
