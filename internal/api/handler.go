// Package api is the HTTP boundary of the ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sheikh-saqib/replicated-ledger/internal/idempotency"
	"github.com/sheikh-saqib/replicated-ledger/internal/ledger"
	"github.com/sheikh-saqib/replicated-ledger/internal/models"
	"github.com/sheikh-saqib/replicated-ledger/internal/writer"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	// headerLeader carries the leader's HTTP address when it is known through
	// WithLeaderAddresses, else its raft transport address.
	headerLeader = "X-Ledger-Leader"
)

// Ledger is the facade surface the handlers need.
type Ledger interface {
	CreateAccount(ctx context.Context, userID, accountType string) (ledger.CreateAccountResult, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.TransferOutcome, error)
	BatchTransfer(ctx context.Context, transfers []ledger.TransferRequest, batchKey string) (ledger.BatchResult, error)
	GetBalance(userID, accountType string) (models.Account, error)
	GetUserBalances(userID string) ([]models.Account, error)
}

type Handler struct {
	ledger Ledger

	idempotencyStats func() idempotency.Stats
	writerMetrics    func() writer.Metrics
	raftStatus       func() any
	leaderAddrs      map[string]string
	metrics          http.Handler
	requestTimeout   time.Duration
	logger           zerolog.Logger
}

type Option func(*Handler)

func WithIdempotencyStats(fn func() idempotency.Stats) Option {
	return func(h *Handler) { h.idempotencyStats = fn }
}

func WithWriterMetrics(fn func() writer.Metrics) Option {
	return func(h *Handler) { h.writerMetrics = fn }
}

// WithRaftStatus enables GET /raft/status.
func WithRaftStatus(fn func() any) Option {
	return func(h *Handler) { h.raftStatus = fn }
}

// WithLeaderAddresses maps raft transport addresses to HTTP addresses for
// the not-leader redirect hint.
func WithLeaderAddresses(book map[string]string) Option {
	return func(h *Handler) { h.leaderAddrs = book }
}

// WithMetricsHandler mounts a Prometheus handler on /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.requestTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) { h.logger = logger.With().Str("component", "api").Logger() }
}

func New(l Ledger, opts ...Option) *Handler {
	h := &Handler{ledger: l, requestTimeout: 30 * time.Second, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with every route mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.requestTimeout))

	r.Get("/health", h.health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", h.createAccount)
		r.Get("/accounts/{userID}/balances", h.userBalances)
		r.Get("/accounts/{userID}/balances/{accountType}", h.balance)

		r.Post("/transfers", h.transfer)
		r.Post("/transfers/batch", h.batchTransfer)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/writer/metrics", h.writerMetricsHandler)
			r.Get("/idempotency/stats", h.idempotencyStatsHandler)
		})
		if h.raftStatus != nil {
			r.Get("/raft/status", h.raftStatusHandler)
		}
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "UP"}, h.logger)
}

type createAccountRequest struct {
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload", h.logger)
		return
	}

	res, err := h.ledger.CreateAccount(r.Context(), req.UserID, req.AccountType)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res, h.logger)
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload", h.logger)
		return
	}
	if key := r.Header.Get(headerIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}

	out, err := h.ledger.Transfer(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, out.StatusCode, out, h.logger)
}

type batchTransferRequest struct {
	Transfers []ledger.TransferRequest `json:"transfers"`
}

func (h *Handler) batchTransfer(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		h.fail(w, models.ErrIdempotencyKeyRequired)
		return
	}

	var req batchTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload", h.logger)
		return
	}

	res, err := h.ledger.BatchTransfer(r.Context(), req.Transfers, key)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, res, h.logger)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	account, err := h.ledger.GetBalance(chi.URLParam(r, "userID"), chi.URLParam(r, "accountType"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account, h.logger)
}

func (h *Handler) userBalances(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.GetUserBalances(chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accounts, h.logger)
}

type writerMetricsResponse struct {
	EventsProcessed int64   `json:"events_processed"`
	BatchesFlushed  int64   `json:"batches_flushed"`
	AvgBatchSize    float64 `json:"avg_batch_size"`
	EventsDropped   int64   `json:"events_dropped"`
	MirrorFailures  int64   `json:"mirror_failures"`
	Pending         int     `json:"pending"`
	Summary         string  `json:"summary"`
}

func (h *Handler) writerMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if h.writerMetrics == nil {
		respondError(w, http.StatusNotFound, "writer metrics not available", h.logger)
		return
	}
	m := h.writerMetrics()
	respondJSON(w, http.StatusOK, writerMetricsResponse{
		EventsProcessed: m.EventsProcessed,
		BatchesFlushed:  m.BatchesFlushed,
		AvgBatchSize:    m.AvgBatchSize(),
		EventsDropped:   m.EventsDropped,
		MirrorFailures:  m.MirrorFailures,
		Pending:         m.Pending,
		Summary:         m.String(),
	}, h.logger)
}

func (h *Handler) idempotencyStatsHandler(w http.ResponseWriter, r *http.Request) {
	if h.idempotencyStats == nil {
		respondError(w, http.StatusNotFound, "idempotency stats not available", h.logger)
		return
	}
	respondJSON(w, http.StatusOK, h.idempotencyStats(), h.logger)
}

func (h *Handler) raftStatusHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.raftStatus(), h.logger)
}

// fail maps a ledger error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := models.HTTPStatus(err)

	var nle models.NotLeaderError
	if errors.As(err, &nle) && nle.Leader != "" {
		leader := nle.Leader
		if addr, ok := h.leaderAddrs[leader]; ok {
			leader = addr
		}
		w.Header().Set(headerLeader, leader)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, err.Error(), h.logger)
}

func respondJSON(w http.ResponseWriter, status int, payload any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string, logger zerolog.Logger) {
	respondJSON(w, status, map[string]string{"error": message}, logger)
}
