package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/orjahren/cerebrum-sub002/internal/config"
	"github.com/orjahren/cerebrum-sub002/internal/models"
	"github.com/orjahren/cerebrum-sub002/internal/ratelimit"
	"github.com/orjahren/cerebrum-sub002/internal/taskqueue"
	"github.com/orjahren/cerebrum-sub002/internal/telemetry"
)

// TaskService is the queue surface the API depends on.
type TaskService interface {
	Search(ctx context.Context, p taskqueue.SearchParams) ([]models.Task, error)
	Iterate(ctx context.Context, p taskqueue.SearchParams, fn func(models.Task) error) error
	Get(ctx context.Context, queue, key string) (*models.Task, error)
	Pop(ctx context.Context, queue, key string) (models.Task, error)
	PopNext(ctx context.Context, p taskqueue.PopNextParams) (models.Task, error)
	Push(ctx context.Context, change models.TaskChange, ignoreNbfAfter bool) (*models.Task, error)
	QueueCounts(ctx context.Context, p taskqueue.SearchParams) ([]models.QueueCount, error)
}

// Server wires HTTP handlers for producers and operators.
type Server struct {
	cfg     config.Config
	tasks   TaskService
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, tasks TaskService, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		tasks:   tasks,
		limiter: limiter,
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

	r.Post("/tasks", s.handlePush)
	r.Get("/tasks", s.handleSearch)
	r.Get("/tasks/{queue}/{key}", s.handleGet)
	r.Delete("/tasks/{queue}/{key}", s.handlePop)
	r.Post("/queues/{queue}/pop", s.handlePopNext)
	r.Get("/queues", s.handleCounts)
	return r
}

type pushRequest struct {
	Queue          string         `json:"queue"`
	Key            string         `json:"key"`
	IssuedAt       *time.Time     `json:"iat,omitempty"`
	NotBefore      *time.Time     `json:"nbf,omitempty"`
	DelaySeconds   int            `json:"delay_seconds,omitempty"`
	Attempts       *int           `json:"attempts,omitempty"`
	Reason         *string        `json:"reason,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IgnoreNbfAfter bool           `json:"ignore_nbf_after,omitempty"`
}

type pushResponse struct {
	Status string       `json:"status"`
	Task   *models.Task `json:"task,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req pushRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Queue == "" || req.Key == "" {
		http.Error(w, "queue and key are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		source := sourceFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), source)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	change := models.TaskChange{Queue: req.Queue, Key: req.Key}
	if req.IssuedAt != nil {
		change.IssuedAt = models.Some(*req.IssuedAt)
	}
	if req.NotBefore != nil {
		change.NotBefore = models.Some(*req.NotBefore)
	}
	if req.DelaySeconds > 0 {
		change.NotBefore = models.Some(time.Now().Add(time.Duration(req.DelaySeconds) * time.Second))
	}
	if req.Attempts != nil {
		change.Attempts = models.Some(*req.Attempts)
	}
	if req.Reason != nil {
		change.Reason = models.Some(*req.Reason)
	}
	if req.Payload != nil {
		change.Payload = models.Some(req.Payload)
	}

	task, err := s.tasks.Push(r.Context(), change, req.IgnoreNbfAfter)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if task == nil {
		telemetry.PushNoops.Inc()
		writeJSON(w, http.StatusOK, pushResponse{Status: "unchanged"})
		return
	}
	telemetry.PushWrites.Inc()
	writeJSON(w, http.StatusAccepted, pushResponse{Status: "queued", Task: task})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params, limit, err := searchParamsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tasks := []models.Task{}
	iterErr := s.tasks.Iterate(r.Context(), params, func(t models.Task) error {
		tasks = append(tasks, t)
		if limit > 0 && len(tasks) >= limit {
			return errStopIteration
		}
		return nil
	})
	if iterErr != nil && !errors.Is(iterErr, errStopIteration) {
		http.Error(w, iterErr.Error(), statusFor(iterErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	key := chi.URLParam(r, "key")
	task, err := s.tasks.Get(r.Context(), queue, key)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	key := chi.URLParam(r, "key")
	task, err := s.tasks.Pop(r.Context(), queue, key)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePopNext(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	p := taskqueue.PopNextParams{Queues: []string{queue}}
	if v := r.URL.Query().Get("max_attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "max_attempts must be an integer", http.StatusBadRequest)
			return
		}
		p.MaxAttempts = &n
	}

	task, err := s.tasks.PopNext(r.Context(), p)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	params, _, err := searchParamsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	counts, err := s.tasks.QueueCounts(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": counts})
}

var errStopIteration = errors.New("stop iteration")

func searchParamsFromQuery(r *http.Request) (taskqueue.SearchParams, int, error) {
	q := r.URL.Query()
	var p taskqueue.SearchParams
	p.Queues = q["queue"]
	p.Keys = q["key"]

	for name, dst := range map[string]**time.Time{
		"iat_before": &p.IatBefore,
		"iat_after":  &p.IatAfter,
		"nbf_before": &p.NbfBefore,
		"nbf_after":  &p.NbfAfter,
	} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return p, 0, errors.New(name + " must be RFC 3339")
			}
			*dst = &t
		}
	}
	for name, dst := range map[string]**int{
		"min_attempts": &p.MinAttempts,
		"max_attempts": &p.MaxAttempts,
	} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return p, 0, errors.New(name + " must be an integer")
			}
			*dst = &n
		}
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, 0, errors.New("limit must be an integer")
		}
		limit = n
	}
	return p, limit, nil
}

func sourceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Source-System"); v != "" {
		return v
	}
	return "default"
}

func statusFor(err error) int {
	var rangeErr *taskqueue.InvalidRangeError
	switch {
	case errors.As(err, &rangeErr):
		return http.StatusBadRequest
	case errors.Is(err, taskqueue.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
