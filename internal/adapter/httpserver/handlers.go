package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iconicxs/relicxs-workers/internal/adapter/observability"
	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
	"github.com/iconicxs/relicxs-workers/internal/queue"
)

const (
	maxEnqueueBody  = 1 << 20
	maxDLQPageLimit = 200
	maxRequeueCount = 1000
)

// ReadyChecker reports whether a dependency is reachable; wired per
// deployment by the app package.
type ReadyChecker func(ctx domain.Context) error

// Server owns the control-plane routes.
type Server struct {
	Cfg    config.Config
	Queue  *queue.Queue
	Ready  map[string]ReadyChecker
	Health func(ctx domain.Context) map[string]any
}

// Router assembles the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.Cfg.CORSAllowOrigins},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.Cfg.BearerTokens(), !s.Cfg.RequireTokens()))
		r.Post("/enqueue", s.handleEnqueue)
		r.Get("/queues/overview", s.handleQueuesOverview)
		r.Get("/queues/dlq", s.handleDLQPage)
		r.Post("/queues/dlq/requeue", s.handleDLQRequeue)
		r.Delete("/queues/dlq", s.handleDLQDiscard)
		r.Post("/admin/pm2", s.handlePM2)
		r.Get("/admin/pm2/list", s.handlePM2List)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if s.Health != nil {
		for k, v := range s.Health(r.Context()) {
			snapshot[k] = v
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{}
	healthy := true
	for name, check := range s.Ready {
		if err := check(r.Context()); err != nil {
			out[name] = err.Error()
			healthy = false
		} else {
			out[name] = "ok"
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// handleEnqueue validates a job payload, routes it and left-pushes it.
// job_type defaults to machinist; the deprecated processing_type=batch is
// normalized to jobgroup before routing.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnqueueBody))
	if err != nil {
		writeError(w, r, domain.NewValidationError("BAD_BODY", "", "request body unreadable"), nil)
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, r, domain.NewSerializationError("request body is not valid JSON", err), nil)
		return
	}
	if _, ok := raw["job_type"]; !ok {
		raw["job_type"] = string(domain.WorkerMachinist)
	}
	if pt, ok := raw["processing_type"].(string); ok {
		raw["processing_type"] = domain.NormalizeProcessingType(pt)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		writeError(w, r, domain.NewSerializationError("payload re-encode", err), nil)
		return
	}
	job, err := domain.DecodeJob(normalized)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, r, err, nil)
		return
	}
	key, err := queue.ResolveQueue(job)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.Queue.Push(r.Context(), key, job); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"queue":    key,
		"worker":   string(job.Worker()),
		"priority": string(job.Priority()),
	})
}

func (s *Server) handleQueuesOverview(w http.ResponseWriter, r *http.Request) {
	out := map[string]int64{}
	for _, key := range append(append([]string{}, queue.AllQueueKeys...), queue.AllDLQKeys...) {
		n, err := s.Queue.Len(r.Context(), key)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out[key] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDLQPage(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if !queue.IsKnownQueue(key) {
		writeError(w, r, domain.NewValidationError("UNKNOWN_QUEUE", "key", "key is not a known queue or DLQ"), nil)
		return
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	if limit > maxDLQPageLimit {
		limit = maxDLQPageLimit
	}
	entries, err := s.Queue.Range(r.Context(), key, offset, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	items := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if json.Valid([]byte(e)) {
			items = append(items, json.RawMessage(e))
		} else {
			quoted, _ := json.Marshal(e)
			items = append(items, quoted)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "offset": offset, "limit": limit, "entries": items})
}

type dlqMoveRequest struct {
	SrcKey string `json:"srcKey"`
	DstKey string `json:"dstKey"`
	Count  int    `json:"count"`
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	var req dlqMoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnqueueBody)).Decode(&req); err != nil {
		writeError(w, r, domain.NewSerializationError("request body decode", err), nil)
		return
	}
	if !queue.IsKnownQueue(req.SrcKey) || !queue.IsKnownQueue(req.DstKey) {
		writeError(w, r, domain.NewValidationError("UNKNOWN_QUEUE", "srcKey", "srcKey and dstKey must be known queues"), nil)
		return
	}
	if req.Count <= 0 || req.Count > maxRequeueCount {
		writeError(w, r, domain.NewValidationError("BAD_COUNT", "count", "count must be between 1 and 1000"), nil)
		return
	}
	moved, err := s.Queue.MoveTail(r.Context(), req.SrcKey, req.DstKey, req.Count)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": moved})
}

func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	var req dlqMoveRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnqueueBody)).Decode(&req); err != nil {
		writeError(w, r, domain.NewSerializationError("request body decode", err), nil)
		return
	}
	if !queue.IsKnownQueue(req.SrcKey) {
		writeError(w, r, domain.NewValidationError("UNKNOWN_QUEUE", "srcKey", "srcKey must be a known queue"), nil)
		return
	}
	if req.Count <= 0 || req.Count > maxRequeueCount {
		writeError(w, r, domain.NewValidationError("BAD_COUNT", "count", "count must be between 1 and 1000"), nil)
		return
	}
	discarded, err := s.Queue.DiscardTail(r.Context(), req.SrcKey, req.Count)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": discarded})
}

// Process-manager integration is handled by the supervising deployment;
// the endpoints exist so operator tooling has a stable surface.
func (s *Server) handlePM2(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]string{"status": "not_implemented"})
}

func (s *Server) handlePM2List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": []any{}})
}

func parseIntDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
