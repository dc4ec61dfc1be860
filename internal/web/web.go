package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calmat/internal/cache"
	"calmat/internal/config"
	"calmat/internal/ics"
	appLog "calmat/internal/log"
	"calmat/internal/metrics"
	"calmat/internal/model"
)

// Server exposes materialized events, per-source status and metrics.
type Server struct {
	cfg     *config.Config
	svc     *cache.Service
	metrics *metrics.Metrics
	mux     *http.ServeMux
	now     func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *cache.Service, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: m,
		mux:     http.NewServeMux(),
		now:     time.Now,
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
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
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
			w.Header().Set("WWW-Authenticate", `Basic realm="calmat", charset="UTF-8"`)
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

// Serve runs an HTTP server on cfg.Listen until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
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
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Source     string     `json:"source"`
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
	TimeZone   string     `json:"timezone,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// eventDTO is a JSON-friendly view of model.Event.
type eventDTO struct {
	UID          string           `json:"uid"`
	Summary      *string          `json:"summary"`
	Description  *string          `json:"description,omitempty"`
	Location     *string          `json:"location,omitempty"`
	Start        model.DateTime   `json:"start"`
	End          model.DateTime   `json:"end"`
	AllDay       bool             `json:"all_day"`
	Floating     bool             `json:"floating"`
	Recurring    bool             `json:"recurring"`
	Transparent  bool             `json:"transparent"`
	Private      bool             `json:"private"`
	Status       *string          `json:"status,omitempty"`
	URL          *string          `json:"url,omitempty"`
	Categories   []string         `json:"categories,omitempty"`
	Attendees    []model.Attendee `json:"attendees,omitempty"`
	Organizer    *model.Attendee  `json:"organizer,omitempty"`
	Created      model.DateTime   `json:"created"`
	LastModified model.DateTime   `json:"last_modified"`
	Sequence     *int             `json:"sequence,omitempty"`
	RecurrenceID model.DateTime   `json:"recurrence_id"`
	Alarms       []model.Alarm    `json:"alarms,omitempty"`
}

func toDTO(ev model.Event) eventDTO {
	return eventDTO{
		UID:          ev.UID,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Start:        ev.Start,
		End:          ev.End,
		AllDay:       ev.AllDay,
		Floating:     ev.Floating,
		Recurring:    ev.Recurring,
		Transparent:  ev.Transparent,
		Private:      ev.Private,
		Status:       ev.Status,
		URL:          ev.URL,
		Categories:   ev.Categories,
		Attendees:    ev.Attendees,
		Organizer:    ev.Organizer,
		Created:      ev.Created,
		LastModified: ev.LastModified,
		Sequence:     ev.Sequence,
		RecurrenceID: ev.RecurrenceID,
		Alarms:       ev.Alarms,
	}
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Events    int       `json:"events"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleEvents returns the occurrences of one source.
//
// GET /api/events?source=ID&days=7&backfill=1&strict=1&sort=1&tz=Europe/Berlin
//
// Without any window or policy parameter the result of the last scheduled
// refresh is served. Otherwise a request is queued under a key derived
// from the parameters and awaited.
// forget drops an on-demand key, waiting in the background when its job
// is still in flight.
func (s *Server) forget(key string) {
	if s.svc.Forget(key) {
		return
	}
	go func() {
		if _, err := s.svc.Wait(context.Background(), key); err == nil {
			s.svc.Forget(key)
		}
	}()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	src, ok := s.lookupSource(w, q.Get("source"))
	if !ok {
		return
	}

	now := s.now()
	opts := s.cfg.Options(now)
	custom := false
	days, backfill := s.cfg.DefaultSpanDays, s.cfg.BackfillDays
	if v := q.Get("days"); v != "" {
		custom = true
		if days = parseIntDefault(v, s.cfg.DefaultSpanDays); days <= 0 {
			days = s.cfg.DefaultSpanDays
		}
	}
	if v := q.Get("backfill"); v != "" {
		custom = true
		if backfill = parseIntDefault(v, s.cfg.BackfillDays); backfill < 0 {
			backfill = 0
		}
	}
	opts.Start = now.UTC().AddDate(0, 0, -backfill)
	opts.End = now.UTC().AddDate(0, 0, days)
	if v := q.Get("strict"); v != "" {
		custom = true
		opts.Strict = parseBool(v)
	}
	if v := q.Get("sort"); v != "" {
		custom = true
		opts.Sort = parseBool(v)
	}
	if v := q.Get("tz"); v != "" {
		custom = true
		loc, err := time.LoadLocation(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown timezone %q", v))
			return
		}
		opts.TargetZone = loc
	}

	key := src.ID
	if custom {
		key = requestKey(src.ID, opts)
	}

	appLog.Info("api events request",
		"source", src.ID,
		"key", key,
		"range_start", opts.Start.Format(time.RFC3339),
		"range_end", opts.End.Format(time.RFC3339),
	)

	if _, seen := s.svc.Snapshot(key); custom || !seen {
		s.svc.Request(ctx, key, cache.Request{Source: src.Source(), Options: opts})
	}
	if custom {
		defer s.forget(key)
	}
	snap, err := s.svc.Wait(ctx, key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if snap.Err != nil && snap.Events == nil {
		status := http.StatusBadGateway
		if errors.Is(snap.Err, ics.ErrInvalidInput) || errors.Is(snap.Err, ics.ErrInvalidWindow) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, snap.Err.Error())
		return
	}

	events := make([]eventDTO, 0, len(snap.Events))
	for _, ev := range snap.Events {
		events = append(events, toDTO(ev))
	}
	resp := eventsResponse{
		Source:     src.ID,
		Events:     events,
		RangeStart: opts.Start,
		RangeEnd:   opts.End,
		UpdatedAt:  snap.UpdatedAt,
	}
	if opts.TargetZone != nil {
		resp.TimeZone = opts.TargetZone.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports the state of the scheduled refresh of a source.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	src, ok := s.lookupSource(w, r.URL.Query().Get("source"))
	if !ok {
		return
	}
	snap, _ := s.svc.Snapshot(src.ID)
	resp := statusResponse{
		Source:    src.ID,
		Status:    snap.Status.String(),
		Events:    len(snap.Events),
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookupSource resolves the source query parameter. An empty id selects
// the only configured source when there is exactly one.
func (s *Server) lookupSource(w http.ResponseWriter, id string) (config.SourceConfig, bool) {
	if id == "" && len(s.cfg.Sources) == 1 {
		return s.cfg.Sources[0], true
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return config.SourceConfig{}, false
	}
	src, ok := s.cfg.Source(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", id))
		return config.SourceConfig{}, false
	}
	return src, true
}

// requestKey names an on-demand request. The window is truncated to the
// minute so repeated queries share a key.
func requestKey(id string, opts ics.Options) string {
	zone := ""
	if opts.TargetZone != nil {
		zone = opts.TargetZone.String()
	}
	return strings.Join([]string{
		id,
		opts.Start.Truncate(time.Minute).Format(time.RFC3339),
		opts.End.Truncate(time.Minute).Format(time.RFC3339),
		strconv.FormatBool(opts.Strict),
		strconv.FormatBool(opts.Sort),
		zone,
	}, "|")
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
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
