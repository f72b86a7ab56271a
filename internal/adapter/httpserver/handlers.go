package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-job-broker/internal/adapter/queue/dispatch"
	"github.com/fairyhunter13/llm-job-broker/internal/config"
	"github.com/fairyhunter13/llm-job-broker/internal/domain"
	"github.com/fairyhunter13/llm-job-broker/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Auth       *Authenticator
	Submit     usecase.SubmitService
	Status     usecase.StatusService
	Webhooks   usecase.WebhookService
	Worker     dispatch.Runner
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, auth *Authenticator, submit usecase.SubmitService, status usecase.StatusService, webhooks usecase.WebhookService, worker dispatch.Runner, dbCheck func(context.Context) error, redisCheck func(context.Context) error, kafkaCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Auth: auth, Submit: submit, Status: status, Webhooks: webhooks, Worker: worker, DBCheck: dbCheck, RedisCheck: redisCheck, KafkaCheck: kafkaCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func rateLimitBlock(rl domain.RateLimitResult) map[string]any {
	return map[string]any{"used": rl.Used, "quota": rl.Quota, "remaining": rl.Remaining()}
}

// SubmitHandler accepts one job for dispatch and answers 202 with the queued
// envelope. Quota exhaustion answers 429 with the current counter state.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotAcceptable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		var req struct {
			Prompt       string               `json:"prompt"`
			SystemPrompt string               `json:"system_prompt"`
			Messages     []domain.ChatMessage `json:"messages"`
			Input        map[string]any       `json:"input"`
			Model        string               `json:"model" validate:"omitempty,max=200"`
			APIMethod    string               `json:"api_method" validate:"omitempty,oneof=chat responses"`
			ProviderSlug string               `json:"provider_slug" validate:"omitempty,max=100"`
			FeatureSlug  string               `json:"feature_slug" validate:"omitempty,max=100"`
			Background   bool                 `json:"background"`
			Context      map[string]any       `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no identity", domain.ErrUnauthenticated), nil)
			return
		}

		resp, err := s.Submit.Submit(r.Context(), ident, usecase.SubmitRequest{
			Prompt:       req.Prompt,
			SystemPrompt: req.SystemPrompt,
			Messages:     req.Messages,
			Input:        req.Input,
			Model:        req.Model,
			APIMethod:    req.APIMethod,
			ProviderSlug: req.ProviderSlug,
			Feature:      req.FeatureSlug,
			Background:   req.Background,
			Context:      req.Context,
		})
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				// The counter state rode along with the rejection.
				writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "monthly quota exhausted",
					Details: rateLimitBlock(resp.RateLimit),
				}})
				return
			}
			writeError(w, r, fmt.Errorf("submit: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":     resp.JobID,
			"status":     string(resp.Status),
			"rate_limit": rateLimitBlock(resp.RateLimit),
		})
	}
}

// jobEnvelope is the tenant-facing view of a job row.
func jobEnvelope(j domain.Job) map[string]any {
	m := map[string]any{
		"job_id":      j.ID,
		"status":      string(j.Status),
		"provider":    j.ProviderSlug,
		"retry_count": j.RetryCount,
		"created_at":  j.CreatedAt,
	}
	if j.Feature != "" {
		m["feature"] = j.Feature
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt
	}
	if j.Result != nil {
		m["result"] = j.Result
	}
	if j.ErrorMessage != "" {
		m["error"] = j.ErrorMessage
	}
	return m
}

// StatusHandler returns the job envelope for the authenticated tenant.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotAcceptable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no identity", domain.ErrUnauthenticated), nil)
			return
		}
		job, err := s.Status.Get(r.Context(), ident.TenantID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobEnvelope(job))
	}
}

// CancelHandler marks a non-terminal job cancelled. Work already at a
// provider is not interrupted; its result is discarded by the guards.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusNotAcceptable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
			return
		}
		id := chi.URLParam(r, "id")
		if vr := ValidateJobID(id); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		ident, ok := IdentityFrom(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: no identity", domain.ErrUnauthenticated), nil)
			return
		}
		job, err := s.Status.Cancel(r.Context(), ident.TenantID, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobEnvelope(job))
	}
}

// WorkerHandler drains one queue batch on demand. The queue secret is
// enforced by the router.
func (s *Server) WorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Worker.RunOnce(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// WebhookHandler terminates provider callbacks and DLQ replays. Once a
// delivery is readable it is always acknowledged with 200 OK; anything else
// would invite provider-side retry storms.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: body read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		if r.URL.Query().Get("source") == "dlq" {
			if err := checkQueueSecret(r, s.Cfg.QueueSecret); err != nil {
				writeError(w, r, err, nil)
				return
			}
			var req struct {
				DLQID          int64           `json:"dlq_id"`
				ProviderSlug   string          `json:"provider_slug"`
				WebhookPayload json.RawMessage `json:"webhook_payload"`
			}
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
			s.Webhooks.HandleReplay(r.Context(), req.DLQID, req.ProviderSlug, req.WebhookPayload)
			writeOK(w)
			return
		}

		s.Webhooks.Handle(r.Context(), r.URL.Query().Get("provider"), r.Header, body)
		writeOK(w)
	}
}

// ReadyzHandler probes the broker's backing services.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		probe("db", s.DBCheck)
		probe("redis", s.RedisCheck)
		probe("kafka", s.KafkaCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
