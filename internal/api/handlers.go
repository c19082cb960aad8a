package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/domain"
	"github.com/tradevision/platform/internal/tasks"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradevision_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradevision_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Reader is the read-only store surface the HTTP layer needs.
type Reader interface {
	GetWalletByUser(ctx context.Context, userID int64) (*domain.Wallet, error)
	GetTrade(ctx context.Context, userID int64, tradeID uuid.UUID) (*domain.Trade, error)
	ListTradesByUser(ctx context.Context, userID int64, limit int) ([]domain.Trade, error)
	ListInvestmentsByUser(ctx context.Context, userID int64) ([]domain.Investment, error)
}

// TradeEnqueuer submits a trade initiation to the task queue.
type TradeEnqueuer interface {
	EnqueueInitiateTrade(ctx context.Context, p tasks.InitiateTradePayload) (string, error)
}

type Handler struct {
	reader   Reader
	enqueuer TradeEnqueuer
	runs     tasks.RunStore
	secret   []byte
	tokenTTL time.Duration
	window   domain.TradingWindow
	now      func() time.Time

	// Optional liveness dependencies for /health.
	db  *pgxpool.Pool
	rdb *redis.Client
}

func NewHandler(reader Reader, enqueuer TradeEnqueuer, runs tasks.RunStore, secret []byte, tokenTTL time.Duration, window domain.TradingWindow) *Handler {
	return &Handler{
		reader:   reader,
		enqueuer: enqueuer,
		runs:     runs,
		secret:   secret,
		tokenTTL: tokenTTL,
		window:   window,
		now:      time.Now,
	}
}

// WithHealthChecks wires the database pool and redis client into /health.
func (h *Handler) WithHealthChecks(db *pgxpool.Pool, rdb *redis.Client) *Handler {
	h.db = db
	h.rdb = rdb
	return h
}

// WithClock overrides the handler clock. Tests only.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Routes builds the router. /health and /metrics are unauthenticated;
// everything under /api/v1 requires a bearer token.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(AuthMiddleware(h.secret))
	apiV1.HandleFunc("/trades", h.InitiateTradeHandler).Methods("POST")
	apiV1.HandleFunc("/trades", h.ListTradesHandler).Methods("GET")
	apiV1.HandleFunc("/trades/status", h.TradeStatusHandler).Methods("GET")
	apiV1.HandleFunc("/trades/{id}", h.GetTradeHandler).Methods("GET")
	apiV1.HandleFunc("/wallet", h.GetWalletHandler).Methods("GET")
	apiV1.HandleFunc("/investments", h.ListInvestmentsHandler).Methods("GET")
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"status": "ok"}
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["database"] = "down"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "up"
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = "down"
			code = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "up"
		}
	}
	if code != http.StatusOK {
		checks["status"] = "degraded"
	}
	respondWithJSON(w, code, checks)
}

type initiateTradeRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type initiateTradeResponse struct {
	TaskID    string `json:"task_id"`
	PollToken string `json:"poll_token"`
	StatusURL string `json:"status_url"`
	Status    string `json:"status"`
}

// InitiateTradeHandler accepts a trade request, enqueues the asynchronous
// initiation task and returns 202 with a signed poll token. The wallet is
// not touched here; the debit happens inside the worker's transaction.
func (h *Handler) InitiateTradeHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/trades"))
	defer timer.ObserveDuration()

	userID, ok := UserID(r.Context())
	if !ok {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "401").Inc()
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req initiateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if !req.Amount.IsPositive() {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}
	if req.Currency == "" {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Currency is required")
		return
	}
	if !h.window.Allows(h.now()) {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "422").Inc()
		respondWithError(w, http.StatusUnprocessableEntity, "Trading is closed outside market hours")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = deriveIdempotencyKey(userID, req.Amount, req.Currency, h.now())
	}

	taskID, err := h.enqueuer.EnqueueInitiateTrade(r.Context(), tasks.InitiateTradePayload{
		UserID:         userID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not queue trade")
		return
	}

	pollToken, err := NewPollToken(h.secret, taskID, userID, h.tokenTTL, h.now())
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/trades", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not issue poll token")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/trades", "202").Inc()
	respondWithJSON(w, http.StatusAccepted, initiateTradeResponse{
		TaskID:    taskID,
		PollToken: pollToken,
		StatusURL: fmt.Sprintf("/api/v1/trades/status?token=%s", pollToken),
		Status:    "PENDING",
	})
}

// deriveIdempotencyKey buckets identical requests from the same user within
// the same UTC hour, so rapid double-submits without an explicit key
// collapse into one trade.
func deriveIdempotencyKey(userID int64, amount decimal.Decimal, currency string, now time.Time) string {
	bucket := now.UTC().Format("2006-01-02T15")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", userID, amount.String(), currency, bucket)))
	return hex.EncodeToString(sum[:])
}

type tradeStatusResponse struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TradeStatusHandler reports the state of an initiation task. A succeeded
// result is handed out exactly once; polling again after retrieval returns
// 404. The poll token binds the task to the user who enqueued it.
func (h *Handler) TradeStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserID(r.Context())
	if !ok {
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "401").Inc()
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Missing token parameter")
		return
	}
	taskID, tokenUser, err := ParsePollToken(h.secret, tokenString)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "401").Inc()
		respondWithError(w, http.StatusUnauthorized, "Invalid or expired poll token")
		return
	}
	if tokenUser != userID {
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "403").Inc()
		respondWithError(w, http.StatusForbidden, "Poll token belongs to another user")
		return
	}

	run, err := h.runs.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/trades/status", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Task not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not load task status")
		return
	}
	if run.Consumed {
		httpRequestsTotal.WithLabelValues("GET", "/trades/status", "404").Inc()
		respondWithError(w, http.StatusNotFound, "Result already retrieved")
		return
	}

	resp := tradeStatusResponse{TaskID: run.ID}
	switch run.State {
	case tasks.StateCreated:
		resp.Status = "PENDING"
	case tasks.StateRunning:
		resp.Status = "RUNNING"
	case tasks.StateFailed:
		resp.Status = "FAILED"
		resp.ErrorKind = run.ErrorKind
		resp.Error = run.ErrorMsg
	case tasks.StateSucceeded:
		consumed, err := h.runs.Consume(r.Context(), run.ID)
		if err != nil {
			httpRequestsTotal.WithLabelValues("GET", "/trades/status", "500").Inc()
			respondWithError(w, http.StatusInternalServerError, "Could not load task status")
			return
		}
		if !consumed {
			// Lost the race with another poller.
			httpRequestsTotal.WithLabelValues("GET", "/trades/status", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Result already retrieved")
			return
		}
		resp.Status = "SUCCEEDED"
		if run.ResultJSON != nil {
			resp.Result = json.RawMessage(*run.ResultJSON)
		}
	default:
		resp.Status = "PENDING"
	}

	httpRequestsTotal.WithLabelValues("GET", "/trades/status", "200").Inc()
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	wallet, err := h.reader.GetWalletByUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/wallet", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/wallet", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not load wallet")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/wallet", "200").Inc()
	respondWithJSON(w, http.StatusOK, wallet)
}

func (h *Handler) GetTradeHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	tradeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/trades/{id}", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed trade ID")
		return
	}

	trade, err := h.reader.GetTrade(r.Context(), userID, tradeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/trades/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Trade not found")
			return
		}
		httpRequestsTotal.WithLabelValues("GET", "/trades/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not load trade")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/trades/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, trade)
}

func (h *Handler) ListTradesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	trades, err := h.reader.ListTradesByUser(r.Context(), userID, 50)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/trades", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not load trades")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	httpRequestsTotal.WithLabelValues("GET", "/trades", "200").Inc()
	respondWithJSON(w, http.StatusOK, trades)
}

func (h *Handler) ListInvestmentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	investments, err := h.reader.ListInvestmentsByUser(r.Context(), userID)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/investments", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Could not load investments")
		return
	}
	if investments == nil {
		investments = []domain.Investment{}
	}
	httpRequestsTotal.WithLabelValues("GET", "/investments", "200").Inc()
	respondWithJSON(w, http.StatusOK, investments)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
