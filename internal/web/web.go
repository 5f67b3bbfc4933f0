package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"alarmd/internal/calendar"
	"alarmd/internal/config"
	"alarmd/internal/engine"
	"alarmd/internal/event"
	"alarmd/internal/ics"
	appLog "alarmd/internal/log"
	"alarmd/internal/metrics"
	"alarmd/internal/recur"
)

// DefaultReplyTimeout bounds how long a request waits for the engine to
// process its queue entry.
const DefaultReplyTimeout = 10 * time.Second

// Engine is the part of the scheduler the API drives.
type Engine interface {
	Enqueue(entry *engine.Entry) bool
	ScheduledAlarmList() []engine.ScheduledAlarm
}

// EventSource lists the active events for export.
type EventSource interface {
	Events() []event.Event
}

// Server provides the HTTP control API.
type Server struct {
	cfg     *config.Config
	eng     Engine
	events  EventSource
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// ReplyTimeout overrides DefaultReplyTimeout. An entry that is still
	// queued when it expires is reported as 202 Accepted.
	ReplyTimeout time.Duration
	now          func() time.Time
}

// NewServer constructs a new Server. m may be nil.
func NewServer(cfg *config.Config, eng Engine, events EventSource, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:          cfg,
		eng:          eng,
		events:       events,
		metrics:      m,
		mux:          http.NewServeMux(),
		ReplyTimeout: DefaultReplyTimeout,
		now:          time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="alarmd", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/alarms", s.handleList)
	s.mux.HandleFunc("POST /api/alarms", s.handleCreate)
	s.mux.HandleFunc("POST /api/alarms/{id}/{op}", s.handleOp)
	s.mux.HandleFunc("GET /api/export.ics", s.handleExport)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// listResponse is the JSON response shape for GET /api/alarms.
type listResponse struct {
	Alarms []engine.ScheduledAlarm `json:"alarms"`
}

// handleList returns the scheduled alarms. With ?sync=1 the listing is
// taken through the queue, so it waits for every resource to load and
// for earlier requests to finish.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sync") == "" {
		writeJSON(w, http.StatusOK, listResponse{Alarms: s.eng.ScheduledAlarmList()})
		return
	}
	res, done := s.submit(r.Context(), &engine.Entry{Kind: engine.KindList})
	if !done {
		writeError(w, http.StatusAccepted, "listing still queued")
		return
	}
	if res.Code != engine.ResultOK {
		writeResult(w, res)
		return
	}
	alarms := res.Alarms
	if alarms == nil {
		alarms = []engine.ScheduledAlarm{}
	}
	writeJSON(w, http.StatusOK, listResponse{Alarms: alarms})
}

// handleCreate adds a new alarm from an AlarmRequest body.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req AlarmRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	loc := s.location()
	ev, err := req.Event(loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, done := s.submit(r.Context(), &engine.Entry{Kind: engine.KindNew, ResourceName: req.Resource, Event: &ev})
	if !done {
		writeError(w, http.StatusAccepted, "alarm queued")
		return
	}
	if res.Code == engine.ResultOK {
		writeJSON(w, http.StatusCreated, resultResponse{ID: res.EventID, Result: res.Code.String()})
		return
	}
	writeResult(w, res)
}

// deferRequest is the body of POST /api/alarms/{id}/defer.
type deferRequest struct {
	To               string `json:"to"`
	Reminder         bool   `json:"reminder,omitempty"`
	AdjustRecurrence bool   `json:"adjust_recurrence,omitempty"`
}

// handleOp queues trigger, handle, cancel or defer for one alarm.
//
// POST /api/alarms/{id}/{op}?resource=name&uid=1
//   - resource: resource name (default: the first active resource)
//   - uid:      look the id up across every resource
func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	entry := &engine.Entry{
		EventID:        id,
		ResourceName:   q.Get("resource"),
		FindByUniqueID: q.Get("uid") != "",
	}

	switch op := r.PathValue("op"); op {
	case "trigger":
		entry.Kind = engine.KindTrigger
	case "handle":
		entry.Kind = engine.KindHandle
	case "cancel":
		entry.Kind = engine.KindCancel
	case "defer":
		var req deferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		to, err := recur.ParseDateTime(req.To, s.location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid defer time: "+err.Error())
			return
		}
		entry.Kind = engine.KindDefer
		entry.DeferTo = to
		entry.DeferReminder = req.Reminder
		entry.AdjustRecurrence = req.AdjustRecurrence
	default:
		writeError(w, http.StatusNotFound, "unknown operation "+op)
		return
	}

	appLog.Debug("api request", "op", entry.Kind, "id", id, "resource", entry.ResourceName)
	res, done := s.submit(r.Context(), entry)
	if !done {
		writeError(w, http.StatusAccepted, entry.Kind.String()+" queued")
		return
	}
	writeResult(w, res)
}

// handleExport returns the active alarms as an iCalendar document.
func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	body := ics.Export(s.events.Events(), s.now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="alarms.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// submit enqueues entry and waits for its reply. done is false if the
// request context ended or the reply timeout expired first; the entry
// stays queued.
func (s *Server) submit(ctx context.Context, entry *engine.Entry) (engine.Result, bool) {
	ch := make(chan engine.Result, 1)
	entry.Reply = func(res engine.Result) { ch <- res }
	// A rejected entry has already replied.
	s.eng.Enqueue(entry)

	timeout := s.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, true
	case <-timer.C:
		return engine.Result{}, false
	case <-ctx.Done():
		return engine.Result{}, false
	}
}

func (s *Server) location() *time.Location {
	if s.cfg == nil {
		return time.Local
	}
	loc, err := s.cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", s.cfg.Timezone)
		return time.Local
	}
	return loc
}

// resultResponse is the JSON response shape for queued operations.
type resultResponse struct {
	ID     string `json:"id,omitempty"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, res engine.Result) {
	resp := resultResponse{ID: res.EventID, Result: res.Code.String()}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, statusFor(res), resp)
}

// statusFor maps an engine result to an HTTP status.
func statusFor(res engine.Result) int {
	switch res.Code {
	case engine.ResultOK:
		return http.StatusOK
	case engine.ResultNotFound:
		return http.StatusNotFound
	case engine.ResultBlocked:
		return http.StatusConflict
	}
	switch {
	case errors.Is(res.Err, event.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(res.Err, event.ErrDeferralLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(res.Err, engine.ErrResourceNotReady), errors.Is(res.Err, calendar.ErrNotPopulated):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
