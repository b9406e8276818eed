// Package server exposes the limiters over HTTP and streams decisions over
// WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/history"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// maxBurst caps the number of decisions one burst request may make.
const maxBurst = 100

// Config wires a Server. Limiters is required; everything else is optional.
type Config struct {
	Addr     string
	Limiters limiter.Set
	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder *recorder.Recorder  // captures every decide request when set
	Gatherer prometheus.Gatherer // serves /metrics when set
}

// Server is the Turnstile HTTP API.
type Server struct {
	httpServer *http.Server
	limiters   limiter.Set
	clock      clock.Clock
	logger     *slog.Logger
	recorder   *recorder.Recorder
	hub        *Hub
	mux        *http.ServeMux
}

// New creates a Server for cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	s := &Server{
		limiters: cfg.Limiters,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logger,
		recorder: cfg.Recorder,
		hub:      NewHub(logger),
		mux:      http.NewServeMux(),
	}
	s.routes(cfg.Gatherer)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           LoggingMiddleware(s.mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/algorithms", s.handleAlgorithms)
	s.mux.HandleFunc("POST /api/{algorithm}/decide", s.handleDecide)
	s.mux.HandleFunc("POST /api/{algorithm}/burst", s.handleBurst)
	s.mux.HandleFunc("GET /api/{algorithm}/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/{algorithm}/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/{algorithm}/history", s.handleHistory)
	s.mux.HandleFunc("GET /api/{algorithm}/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/{algorithm}/config", s.handlePutConfig)
	s.mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.StartOnListener(ln)
}

// StartOnListener serves on ln. It returns nil after a graceful Shutdown.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("turnstile server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and
// disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	algos := make([]limiter.Algorithm, 0, len(s.limiters))
	for _, a := range limiter.Algorithms() {
		if _, ok := s.limiters[a]; ok {
			algos = append(algos, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "turnstile",
		"status":     "running",
		"time":       s.clock.Now().Format(time.RFC3339),
		"algorithms": algos,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	out := make([]limiter.Status, 0, len(s.limiters))
	for _, a := range limiter.Algorithms() {
		if lim, ok := s.limiters[a]; ok {
			out = append(out, lim.Status(r.Context()))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves the {algorithm} path value, writing 404 when unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (limiter.Instance, bool) {
	algo, err := limiter.ParseAlgorithm(r.PathValue("algorithm"))
	if err == nil {
		if lim, ok := s.limiters[algo]; ok {
			return lim, true
		}
		err = fmt.Errorf("algorithm %q is not enabled", algo)
	}
	writeError(w, http.StatusNotFound, err)
	return nil, false
}

type decideRequest struct {
	ClientID string `json:"client_id"`
	Cost     *int   `json:"cost"`
	Count    int    `json:"count"` // burst only
}

// decodeBody reads an optional JSON body. The client ID falls back to the
// X-Client-ID header and the cost to 1.
func decodeBody(r *http.Request) (decideRequest, error) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: malformed request body: %v", limiter.ErrInvalidParameter, err)
	}
	if req.ClientID == "" {
		req.ClientID = r.Header.Get("X-Client-ID")
	}
	if req.Cost == nil {
		one := 1
		req.Cost = &one
	}
	return req, nil
}

type decisionResponse struct {
	limiter.Decision
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	ErrorMessage      string  `json:"error,omitempty"`
}

func newDecisionResponse(d limiter.Decision) decisionResponse {
	return decisionResponse{
		Decision:          d,
		RetryAfterSeconds: d.RetryAfter.Seconds(),
		ErrorMessage:      d.Error(),
	}
}

func (s *Server) decide(ctx context.Context, lim limiter.Instance, clientID string, cost int) (limiter.Decision, error) {
	if s.recorder != nil {
		rec := recorder.TrafficRecord{
			Timestamp: s.clock.Now(),
			ClientID:  clientID,
			Algorithm: string(lim.Algorithm()),
			Cost:      cost,
		}
		if err := s.recorder.Record(rec); err != nil {
			s.logger.Warn("recording traffic failed", "error", err)
		}
	}

	d, err := lim.Decide(ctx, clientID, cost)
	if err != nil {
		return d, err
	}
	s.hub.Broadcast(NewDecisionEvent(d))
	return d, nil
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d, err := s.decide(r.Context(), lim, req.ClientID, *req.Cost)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Degraded {
		w.Header().Set("X-RateLimit-Degraded", "true")
	}
	status := http.StatusOK
	if !d.Allowed {
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, newDecisionResponse(d))
}

type burstResponse struct {
	Allowed   int                `json:"allowed"`
	Denied    int                `json:"denied"`
	Decisions []decisionResponse `json:"decisions"`
}

// handleBurst makes count back-to-back decisions for one client.
func (s *Server) handleBurst(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Count < 1 || req.Count > maxBurst {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: count must be between 1 and %d, got %d", limiter.ErrInvalidParameter, maxBurst, req.Count))
		return
	}

	resp := burstResponse{Decisions: make([]decisionResponse, 0, req.Count)}
	for i := 0; i < req.Count; i++ {
		d, err := s.decide(r.Context(), lim, req.ClientID, *req.Cost)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if d.Allowed {
			resp.Allowed++
		} else {
			resp.Denied++
		}
		resp.Decisions = append(resp.Decisions, newDecisionResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, lim.Status(r.Context()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := lim.Reset(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}

	n := history.DisplayEntries
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > history.MaxEntries {
			writeError(w, http.StatusBadRequest,
				fmt.Errorf("%w: limit must be between 1 and %d", limiter.ErrInvalidParameter, history.MaxEntries))
			return
		}
		n = parsed
	}

	records, err := lim.History().Range(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// configBody is the HTTP form of limiter.Config. Window sizes use Go
// duration strings; omitted fields keep their current values.
type configBody struct {
	MaxRequests *int     `json:"max_requests,omitempty"`
	WindowSize  *string  `json:"window_size,omitempty"`
	Capacity    *int     `json:"capacity,omitempty"`
	RefillRate  *float64 `json:"refill_rate,omitempty"`
	LeakRate    *float64 `json:"leak_rate,omitempty"`
}

func configView(algo limiter.Algorithm, cfg limiter.Config) configBody {
	var b configBody
	switch algo {
	case limiter.AlgorithmFixedWindow, limiter.AlgorithmSlidingWindow:
		ws := cfg.WindowSize.String()
		b.MaxRequests, b.WindowSize = &cfg.MaxRequests, &ws
	case limiter.AlgorithmTokenBucket:
		b.Capacity, b.RefillRate = &cfg.Capacity, &cfg.RefillRate
	case limiter.AlgorithmLeakyBucket:
		b.Capacity, b.LeakRate = &cfg.Capacity, &cfg.LeakRate
	}
	return b
}

func (b configBody) apply(cfg limiter.Config) (limiter.Config, error) {
	if b.MaxRequests != nil {
		cfg.MaxRequests = *b.MaxRequests
	}
	if b.WindowSize != nil {
		d, err := time.ParseDuration(*b.WindowSize)
		if err != nil {
			return cfg, fmt.Errorf("%w: window_size: %v", limiter.ErrInvalidParameter, err)
		}
		cfg.WindowSize = d
	}
	if b.Capacity != nil {
		cfg.Capacity = *b.Capacity
	}
	if b.RefillRate != nil {
		cfg.RefillRate = *b.RefillRate
	}
	if b.LeakRate != nil {
		cfg.LeakRate = *b.LeakRate
	}
	return cfg, nil
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, configView(lim.Algorithm(), lim.Config()))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	lim, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed request body: %v", limiter.ErrInvalidParameter, err))
		return
	}
	cfg, err := body.apply(lim.Config())
	if err == nil {
		err = lim.SetConfig(cfg)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, configView(lim.Algorithm(), lim.Config()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, limiter.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, limiter.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
