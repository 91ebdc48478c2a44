package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"guildgate/internal/config"
	"guildgate/internal/jobs"
	"guildgate/internal/models"
	"guildgate/internal/ratelimit"
	"guildgate/internal/rpc"
	"guildgate/internal/telemetry"
	"guildgate/internal/wake"
	"guildgate/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Deps are the components the HTTP surface fronts. Limiter and Publisher may
// be nil; the corresponding behavior is skipped.
type Deps struct {
	Store     jobs.Store
	Snapshots jobs.SnapshotStore
	Events    webhook.EventStore
	Enqueuer  *jobs.Enqueuer
	Claimer   *jobs.Claimer
	Completer *jobs.Completer
	Ingestor  *webhook.Ingestor
	Limiter   *ratelimit.TokenBucket
	Publisher *wake.Publisher
}

// Server wires HTTP handlers for the coordination API.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{family}/failed", s.handleListFailed)
	r.Get("/jobs/{family}/{id}", s.handleGetJob)
	r.Get("/snapshots/seat-audit", s.handleListSnapshots)

	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Post("/webhooks/{provider}/events/{eventID}/replay", s.handleReplay)
	r.Get("/webhooks/{provider}/events", s.handleListEvents)

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.requireBearer(s.cfg.InternalToken))
		r.Post("/jobs/claim", s.handleClaim)
		r.Post("/jobs/complete", s.handleComplete)
	})
	return r
}

type enqueueRequest struct {
	Family       string       `json:"family"`
	Scope        models.Scope `json:"scope"`
	Source       string       `json:"source"`
	RunAfter     *time.Time   `json:"run_after"`
	DelaySeconds int          `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	family := models.Family(req.Family)
	if !family.Valid() {
		http.Error(w, "unknown family", http.StatusBadRequest)
		return
	}
	if err := req.Scope.Validate(family); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	runAfter := req.RunAfter
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		runAfter = &at
	}

	res, err := s.deps.Enqueuer.Enqueue(r.Context(), jobs.EnqueueRequest{
		Family:   family,
		Scope:    req.Scope,
		Source:   req.Source,
		RunAfter: runAfter,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if res.Deduped {
		telemetry.DedupCounter.WithLabelValues(string(family)).Inc()
	} else {
		telemetry.EnqueueCounter.WithLabelValues(string(family)).Inc()
	}
	s.publishWake(r)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	family := models.Family(chi.URLParam(r, "family"))
	if !family.Valid() {
		http.Error(w, "unknown family", http.StatusBadRequest)
		return
	}
	job, found, err := s.deps.Store.GetJob(r.Context(), family, chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	family := models.Family(chi.URLParam(r, "family"))
	if !family.Valid() {
		http.Error(w, "unknown family", http.StatusBadRequest)
		return
	}
	failed, err := s.deps.Store.ListFailed(r.Context(), family, queryLimit(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": failed})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.deps.Snapshots.ListSeatSnapshots(r.Context(), r.URL.Query().Get("tenant"), queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Freshness is derived at read time, not stored.
	now := time.Now().UTC()
	for i := range snaps {
		snaps[i].Freshness = models.FreshnessOf(now, snaps[i].CheckedAt, s.cfg.SnapshotStaleAfter, s.cfg.SnapshotExpireAfter)
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	secret, ok := s.cfg.WebhookSecrets[provider]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !webhook.VerifySignature([]byte(secret), body, r.Header.Get("X-Webhook-Signature")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if s.deps.Limiter != nil {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), provider)
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

	telemetry.WebhookReceived.WithLabelValues(provider).Inc()
	res, err := s.deps.Ingestor.Ingest(r.Context(), provider, body, r.Header.Get("X-Delivery-ID"))
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Recorded as failed; a 500 invites the provider to redeliver.
		telemetry.WebhookFailed.WithLabelValues(provider).Inc()
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	if res.Deduped {
		telemetry.WebhookDeduped.WithLabelValues(provider).Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReplayToken == "" || bearerToken(r) != s.cfg.ReplayToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	provider := chi.URLParam(r, "provider")
	res, err := s.deps.Ingestor.Replay(r.Context(), provider, chi.URLParam(r, "eventID"))
	if err != nil {
		if errors.Is(err, webhook.ErrEventNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		telemetry.WebhookFailed.WithLabelValues(provider).Inc()
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.ListEvents(r.Context(), chi.URLParam(r, "provider"), r.URL.Query().Get("status"), queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req rpc.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	claimed, err := s.deps.Claimer.Claim(r.Context(), req.Family, req.Limit, req.WorkerID)
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	telemetry.ClaimCounter.WithLabelValues(string(req.Family)).Add(float64(len(claimed)))
	if len(claimed) > 0 {
		// Claiming moves jobs out of pending; push fresh counts so other
		// workers stop waking for jobs that are already leased.
		s.publishWake(r)
	}
	writeJSON(w, http.StatusOK, rpc.ClaimResponse{Jobs: claimed})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req rpc.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	out, err := s.deps.Completer.Complete(r.Context(), req.Family, req.JobID, req.ClaimToken, req.Result)
	if err != nil {
		http.Error(w, err.Error(), errStatus(err))
		return
	}
	if out.OK {
		telemetry.CompleteCounter.WithLabelValues(string(req.Family), out.Status).Inc()
	} else {
		telemetry.IgnoredCounter.WithLabelValues(out.Reason).Inc()
	}
	// Retries and recheck enqueues change next_due; let workers reschedule.
	s.publishWake(r)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) requireBearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && bearerToken(r) != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) publishWake(r *http.Request) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(r.Context()); err != nil {
		log.Printf("publish wake state: %v", err)
	}
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// errStatus maps caller input errors to 400 and everything else, store
// failures included, to 500.
func errStatus(err error) int {
	if errors.Is(err, jobs.ErrInvalidRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
