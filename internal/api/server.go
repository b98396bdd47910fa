package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"offline-submission-queue/internal/config"
	"offline-submission-queue/internal/connectivity"
	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/queue"
	"offline-submission-queue/internal/ratelimit"
	"offline-submission-queue/internal/telemetry"
	"offline-submission-queue/internal/worker"
)

// Limiter rations enqueue requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the local UI shell.
type Server struct {
	cfg       config.Config
	queue     *queue.Queue
	processor *worker.Processor
	observer  connectivity.Observer
	limiter   Limiter
	logger    *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, q *queue.Queue, p *worker.Processor, obs connectivity.Observer, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		queue:     q,
		processor: p,
		observer:  obs,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/operations", s.handleList)
	r.Get("/operations/{id}", s.handleGet)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.checkOrigin)
		r.Post("/operations", s.handleEnqueue)
		r.Delete("/operations/{id}", s.handleRemove)
		r.Post("/operations/{id}/requeue", s.handleRequeue)
		r.Post("/sync", s.handleSync)
	})
	return r
}

// checkOrigin refuses browser requests from origins not listed in config.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !s.originAllowed(origin) {
			s.logger.Warn("request from foreign origin refused", "origin", origin, "path", r.URL.Path)
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	return false
}

// originHosts turns the allowed origins into websocket origin patterns.
func (s *Server) originHosts() []string {
	var hosts []string
	for _, o := range s.cfg.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts
}

type enqueueRequest struct {
	Kind        models.Kind         `json:"kind"`
	Method      models.Method       `json:"method"`
	Target      string              `json:"target"`
	Payload     json.RawMessage     `json:"payload"`
	Attachments []models.Attachment `json:"attachments"`
}

type enqueueResponse struct {
	ID    string       `json:"id"`
	State models.State `json:"state"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !req.Kind.Valid() {
		http.Error(w, fmt.Sprintf("unknown kind %q", req.Kind), http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		req.Method = models.MethodCreate
	}
	payload, err := models.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for i := range req.Attachments {
		if req.Attachments[i].URL != "" {
			http.Error(w, fmt.Sprintf("attachment %d: url is set by the agent", i), http.StatusBadRequest)
			return
		}
		path, err := s.resolveAttachment(req.Attachments[i].LocalRef)
		if err != nil {
			http.Error(w, fmt.Sprintf("attachment %d: %v", i, err), http.StatusBadRequest)
			return
		}
		req.Attachments[i].LocalRef = path
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.Key(tenant))
		if err != nil {
			s.logger.Warn("rate limiter unavailable, accepting submission", "tenant", tenant, "error", err)
			allowed = true
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.queue.Enqueue(r.Context(), req.Method, req.Target, payload, req.Attachments...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, State: models.StatePending})
}

// resolveAttachment maps ref, absolute or relative to the attachment root, to a
// real path inside the root.
func (s *Server) resolveAttachment(ref string) (string, error) {
	if s.cfg.AttachmentRoot == "" {
		return "", errors.New("attachments are disabled")
	}
	if ref == "" {
		return "", errors.New("local_ref is required")
	}
	root, err := filepath.Abs(s.cfg.AttachmentRoot)
	if err != nil {
		return "", fmt.Errorf("attachment root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.New("file not found")
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("file is outside the attachment root")
	}
	return resolved, nil
}

type listResponse struct {
	Items  []models.QueuedOperation `json:"items"`
	Counts queue.Counts             `json:"counts"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := models.State(r.URL.Query().Get("state"))
	items := make([]models.QueuedOperation, 0)
	for _, op := range s.queue.List() {
		if state == "" || op.State == state {
			items = append(items, op)
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Counts: s.queue.Counts()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, ok := s.queue.Get(id)
	if !ok {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Requeue(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.processor != nil {
		s.processor.RequestSync()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// handleSync starts a pass. With ?wait=true the pass runs inside the request and
// its result is returned; otherwise the background loop is nudged.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		http.Error(w, "sync unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		s.processor.RequestSync()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
		return
	}
	res, started := s.processor.TriggerSync(r.Context())
	if !started {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Counts      queue.Counts `json:"counts"`
	Outstanding int          `json:"outstanding"`
	Reachable   bool         `json:"reachable"`
	Syncing     bool         `json:"syncing"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	counts := s.queue.Counts()
	resp := statusResponse{Counts: counts, Outstanding: counts.Outstanding()}
	if s.observer != nil {
		resp.Reachable = s.observer.Reachable()
	}
	if s.processor != nil {
		resp.Syncing = s.processor.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

type countsEvent struct {
	Type        string       `json:"type"`
	Counts      queue.Counts `json:"counts"`
	Outstanding int          `json:"outstanding"`
}

// handleEvents streams queue counts over a websocket: the current counts first,
// then one message per change. Slow readers only see the latest counts.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originHosts(),
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx := conn.CloseRead(r.Context())
	latest := newLatest()
	unsubscribe := s.queue.Subscribe(latest.put)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-latest.ready:
			counts := latest.take()
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, countsEvent{Type: "counts", Counts: counts, Outstanding: counts.Outstanding()})
			cancel()
			if err != nil {
				s.logger.Debug("events stream closed", "error", err)
				return
			}
		}
	}
}

// latest holds the most recent counts for one stream.
type latest struct {
	mu     sync.Mutex
	counts queue.Counts
	ready  chan struct{}
}

func newLatest() *latest {
	return &latest{ready: make(chan struct{}, 1)}
}

func (l *latest) put(c queue.Counts) {
	l.mu.Lock()
	l.counts = c
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest) take() queue.Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

// writeError maps classified errors to status codes. A persistence failure is
// reported as 503 so the UI never shows a lost write as queued.
func writeError(w http.ResponseWriter, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case apperrors.ErrNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperrors.ErrPersistence:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not queued", "error": err.Error()})
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
