package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mergebot/internal/ingress"
	"mergebot/internal/metrics"
	"mergebot/internal/queue"
)

const maxPayloadBytes = 5 << 20

// Normalizer turns a validated webhook into queued work.
type Normalizer interface {
	Handle(ctx context.Context, event string, payload []byte) (int, error)
}

// DeadLetterStore is the admin surface over the queue store.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, k queue.RepoKey) ([]queue.DeadLetter, error)
	ReplayDeadLetters(ctx context.Context, k queue.RepoKey) (int, error)
	Ping(ctx context.Context) error
}

// Pinger reports whether the upstream API is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Port          int
	WebhookSecret string
	AdminToken    string
}

type Server struct {
	normalizer Normalizer
	store      DeadLetterStore
	api        Pinger
	m          *metrics.Metrics
	secret     []byte
	adminToken string
	httpServer *http.Server

	readyCache struct {
		mu        sync.Mutex
		ready     bool
		expiresAt time.Time
	}
}

func New(n Normalizer, store DeadLetterStore, api Pinger, m *metrics.Metrics, cfg Config) *Server {
	r := mux.NewRouter()

	s := &Server{
		normalizer: n,
		store:      store,
		api:        api,
		m:          m,
		secret:     []byte(cfg.WebhookSecret),
		adminToken: cfg.AdminToken,
	}

	registerBaseRoutes(r, s)
	registerAdminRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/webhook", s.handleWebhook).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", s.handleReady).Methods("GET")
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuthMiddleware)
	admin.HandleFunc("/dlq/{installation}/{owner}/{repo}", s.handleListDLQ).Methods("GET")
	admin.HandleFunc("/dlq/{installation}/{owner}/{repo}/replay", s.handleReplayDLQ).Methods("POST")
}

func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// verifySignature checks the X-Hub-Signature-256 header against the shared
// secret. Comparison is constant time.
func (s *Server) verifySignature(body []byte, header string) bool {
	if header == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		event = "unknown"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil || len(body) > maxPayloadBytes {
		s.count(event, "", http.StatusBadRequest)
		http.Error(w, `{"error":"payload too large or unreadable"}`, http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.m.WebhookInvalidSignatures.Inc()
		s.count(event, "", http.StatusUnauthorized)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		s.m.WebhookParseFailures.WithLabelValues(event).Inc()
		s.count(event, "", http.StatusBadRequest)
		http.Error(w, `{"error":"malformed JSON payload"}`, http.StatusBadRequest)
		return
	}
	action := peekAction(body)

	if event == "ping" {
		s.count(event, action, http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	enqueued, err := s.normalizer.Handle(r.Context(), event, body)
	if err != nil {
		// Parse failures are the sender's problem and count against the
		// parse metric; enqueue and lookup failures are ours and do not.
		// The platform redelivers either way.
		var pe *ingress.ParseError
		if errors.As(err, &pe) {
			s.m.WebhookParseFailures.WithLabelValues(event).Inc()
		}
		log.Printf("[server] webhook %s (%s): %v", event, r.Header.Get("X-GitHub-Delivery"), err)
		s.count(event, action, http.StatusAccepted)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	s.count(event, action, http.StatusAccepted)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "enqueued": enqueued})
}

func (s *Server) count(event, action string, code int) {
	s.m.WebhookRequests.WithLabelValues(event, action, strconv.Itoa(code)).Inc()
}

// peekAction pulls only the action field so the metric label is populated
// without a full decode.
func peekAction(body []byte) string {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Action
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes Redis and the upstream API, caching the verdict
// briefly so aggressive orchestrator probes do not hammer either.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.readyCache.mu.Lock()
	if now.Before(s.readyCache.expiresAt) {
		ready := s.readyCache.ready
		s.readyCache.mu.Unlock()
		s.writeReady(w, ready)
		return
	}
	s.readyCache.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ready := true
	if err := s.store.Ping(ctx); err != nil {
		log.Printf("[server] readiness: redis: %v", err)
		ready = false
	}
	if ready && s.api != nil {
		if err := s.api.Ping(ctx); err != nil {
			log.Printf("[server] readiness: github: %v", err)
			ready = false
		}
	}

	s.readyCache.mu.Lock()
	s.readyCache.ready = ready
	s.readyCache.expiresAt = time.Now().Add(10 * time.Second)
	s.readyCache.mu.Unlock()

	s.writeReady(w, ready)
}

func (s *Server) writeReady(w http.ResponseWriter, ready bool) {
	if ready {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, `{"error":"admin API disabled"}`, http.StatusNotFound)
			return
		}
		auth := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if !hmac.Equal([]byte(auth), []byte(s.adminToken)) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func repoKeyFromVars(r *http.Request) (queue.RepoKey, error) {
	vars := mux.Vars(r)
	inst, err := strconv.ParseInt(vars["installation"], 10, 64)
	if err != nil {
		return queue.RepoKey{}, fmt.Errorf("bad installation id %q", vars["installation"])
	}
	return queue.RepoKey{InstallationID: inst, Owner: vars["owner"], Repo: vars["repo"]}, nil
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	k, err := repoKeyFromVars(r)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	items, err := s.store.DeadLetters(r.Context(), k)
	if err != nil {
		http.Error(w, `{"error":"store unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repo": k.String(), "count": len(items), "items": items})
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	k, err := repoKeyFromVars(r)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	replayed, err := s.store.ReplayDeadLetters(r.Context(), k)
	if err != nil {
		http.Error(w, `{"error":"store unavailable"}`, http.StatusInternalServerError)
		return
	}
	log.Printf("[server] replayed %d dead letters for %s", replayed, k)
	writeJSON(w, http.StatusOK, map[string]any{"repo": k.String(), "replayed": replayed})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
