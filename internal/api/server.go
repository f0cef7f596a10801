// Package api serves the calibration session over HTTP as JSON.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/calibrix/internal/db"
	"github.com/banshee-data/calibrix/internal/httputil"
	"github.com/banshee-data/calibrix/internal/measure"
	"github.com/banshee-data/calibrix/internal/monitoring"
	"github.com/banshee-data/calibrix/internal/serialmux"
	"github.com/banshee-data/calibrix/internal/session"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Component("api")

type Server struct {
	sess      *session.Session
	m         serialmux.SerialMuxInterface
	listPorts func() ([]string, error)
}

// NewServer serves sess. m receives operator commands and may be nil.
func NewServer(sess *session.Session, m serialmux.SerialMuxInterface) *Server {
	return &Server{
		sess:      sess,
		m:         m,
		listPorts: serialmux.ListPorts,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/groups", s.handleGroups)
	mux.HandleFunc("/groups/select", s.handleSelectGroup)
	mux.HandleFunc("/groups/clear", s.handleClearGroups)
	mux.HandleFunc("/accuracy", s.handleAccuracy)
	mux.HandleFunc("/commit", s.handleCommit)
	mux.HandleFunc("/auto/start", s.handleAutoStart)
	mux.HandleFunc("/auto/stop", s.handleAutoStop)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/restore", s.handleRestoreRun)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/serial/devices", s.handleSerialDevices)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, StatusToAPI(s.sess.Status()))
}

func (s *Server) currentSettings() SettingsAPI {
	return settingsToAPI(s.sess.Settings(), s.sess.AutoSave(), s.sess.Status().Filter)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.currentSettings())
	case http.MethodPost:
		req := s.currentSettings()
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		step, err := req.stepSettings()
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.sess.ApplySettings(step); err != nil {
			writeSessionError(w, err)
			return
		}
		if err := s.sess.SetAutoSave(req.AutoSave); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.sess.SetFilter(req.Filter); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.currentSettings())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, GroupsToAPI(s.sess.Groups()))
}

type selectRequest struct {
	GroupID  int  `json:"group_id"`
	Selected bool `json:"selected"`
}

func (s *Server) handleSelectGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req selectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.sess.SelectGroup(req.GroupID, req.Selected); err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, req)
}

func (s *Server) handleClearGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.sess.Clear(); err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "cleared"})
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, AccuracyToAPI(s.sess.Accuracy()))
}

// CommitAPI reports one committed measurement.
type CommitAPI struct {
	Value   float64 `json:"value"`
	Samples int     `json:"samples"`
	Change  string  `json:"change"`
}

func changeName(c measure.Change) string {
	switch c {
	case measure.ChangeBase:
		return "base"
	case measure.ChangeStructure:
		return "structure"
	default:
		return "none"
	}
}

// handleCommit blocks for the commit window and answers with the result.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	res, err := s.sess.Commit(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, CommitAPI{Value: res.Value, Samples: res.Samples, Change: changeName(res.Change)})
}

func (s *Server) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	p, err := s.sess.StartAuto()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, planToAPI(p))
}

func (s *Server) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.sess.StopAuto()
	httputil.WriteJSONOK(w, StatusToAPI(s.sess.Status()))
}

type persistRequest struct {
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

type runIDResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.sess.Runs(r.Context())
		if err != nil {
			writeSessionError(w, err)
			return
		}
		httputil.WriteJSONOK(w, runs)
	case http.MethodPost:
		var req persistRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		id, err := s.sess.Persist(r.Context(), req.Name, req.Notes)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, runIDResponse{RunID: id})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleRestoreRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req runIDResponse
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.RunID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}
	run, err := s.sess.Restore(r.Context(), req.RunID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, run)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.m == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no sensor attached")
		return
	}
	var req commandRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		httputil.BadRequest(w, "command must be a single non-empty line")
		return
	}
	if err := s.m.SendCommand(cmd); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}

// writeSessionError maps session and store errors onto status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrCommitInProgress),
		errors.Is(err, session.ErrAutoRunning),
		errors.Is(err, measure.ErrNoPlan):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, session.ErrNoSamples):
		httputil.WriteJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrNoRepository):
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, db.ErrRunNotFound), errors.Is(err, measure.ErrUnknownGroup):
		httputil.NotFound(w, err.Error())
	default:
		logf("request failed: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}
