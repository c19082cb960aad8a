package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/domain"
)

// TradingService owns all wallet-mutating trade operations. Every mutation
// happens inside one pgx transaction with the wallet row locked FOR UPDATE,
// so concurrent debits against the same wallet serialize at the database.
type TradingService struct {
	db     *pgxpool.Pool
	band   domain.ProfitBand
	window domain.TradingWindow
	now    func() time.Time
}

func NewTradingService(db *pgxpool.Pool, band domain.ProfitBand, window domain.TradingWindow) *TradingService {
	return &TradingService{db: db, band: band, window: window, now: time.Now}
}

// WithClock overrides the service clock. Tests only.
func (s *TradingService) WithClock(now func() time.Time) *TradingService {
	s.now = now
	return s
}

type InitiateTradeRequest struct {
	UserID         int64           `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Hash canonicalizes the request for idempotency-key reuse detection.
func (r InitiateTradeRequest) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", r.UserID, r.Amount.String(), r.Currency)))
	return hex.EncodeToString(sum[:])
}

type InitiateTradeResult struct {
	TradeID      uuid.UUID       `json:"trade_id"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`
	ProfitAmount decimal.Decimal `json:"profit_amount"`
	EndTime      time.Time       `json:"end_time"`
}

// InitiateTrade atomically validates the wallet balance, debits it, locks
// the stake and creates a pending trade. The wallet debit and the trade row
// commit or roll back together.
//
// Failure contract: ValidationError for bad input or currency mismatch,
// ErrInsufficientFunds when the locked balance check fails,
// ErrDuplicateRequest when the idempotency key was already used, and a
// TransientError wrapper for infrastructure failures worth retrying.
func (s *TradingService) InitiateTrade(ctx context.Context, req InitiateTradeRequest) (*InitiateTradeResult, error) {
	if req.IdempotencyKey == "" {
		return nil, domain.Validationf("idempotency key is required")
	}
	if !req.Amount.IsPositive() {
		return nil, domain.Validationf("amount must be positive")
	}
	if req.Currency == "" {
		return nil, domain.Validationf("currency is required")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, classify(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency check.
	var storedHash string
	var storedTradeID *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT request_hash, trade_id FROM idempotency_keys WHERE key = $1`,
		req.IdempotencyKey,
	).Scan(&storedHash, &storedTradeID)
	if err == nil {
		if storedHash != req.Hash() {
			return nil, domain.Validationf("idempotency key reuse with mismatched payload")
		}
		if storedTradeID != nil {
			return nil, fmt.Errorf("trade %s already initiated: %w", storedTradeID, domain.ErrDuplicateRequest)
		}
		return nil, fmt.Errorf("request in progress: %w", domain.ErrDuplicateRequest)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify(fmt.Errorf("idempotency query failed: %w", err))
	}

	// 2. Idempotency reservation.
	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')`,
		req.IdempotencyKey, req.Hash(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("concurrent request with same key: %w", domain.ErrDuplicateRequest)
		}
		return nil, classify(fmt.Errorf("key reservation failed: %w", err))
	}

	// 3. Lock the wallet row; this serializes concurrent debits.
	var walletID int64
	var balance, currency string
	err = tx.QueryRow(ctx,
		`SELECT id, balance, currency FROM wallets WHERE user_id = $1 FOR UPDATE`,
		req.UserID,
	).Scan(&walletID, &balance, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, classify(fmt.Errorf("wallet lock failed: %w", err))
	}

	// 4. Business checks against the post-lock balance.
	if currency != req.Currency {
		return nil, domain.Validationf("currency %s does not match wallet currency %s", req.Currency, currency)
	}
	available, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("bad balance value: %w", err)
	}
	if available.LessThan(req.Amount) {
		return nil, domain.ErrInsufficientFunds
	}

	// 5. Debit the wallet and lock the stake.
	_, err = tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $1, locked_balance = locked_balance + $1, updated_at = $2 WHERE id = $3`,
		req.Amount.String(), s.now(), walletID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("wallet debit failed: %w", err))
	}

	// 6. Create the pending trade.
	rate := s.band.RandomRate()
	start := s.now()
	trade := domain.Trade{
		ID:           uuid.New(),
		UserID:       req.UserID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ProfitRate:   rate,
		ProfitAmount: domain.ProfitAmount(req.Amount, rate),
		Status:       domain.TradePending,
		StartTime:    start,
		EndTime:      start.Add(domain.TradeDuration),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, amount, currency, profit_rate, profit_amount, status, start_time, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		trade.ID, trade.UserID, trade.Amount.String(), trade.Currency, trade.ProfitRate.String(),
		trade.ProfitAmount.String(), string(trade.Status), trade.StartTime, trade.EndTime,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("trade insert failed: %w", err))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, currency, status, description)
		 VALUES ($1, $2, $3, $4, $5, 'completed', $6)`,
		uuid.New(), req.UserID, string(domain.TxInvestment), req.Amount.String(), req.Currency,
		fmt.Sprintf("Stake locked for trade %s", trade.ID),
	)
	if err != nil {
		return nil, classify(fmt.Errorf("ledger entry failed: %w", err))
	}

	// 7. Finalize idempotency row and commit.
	result := &InitiateTradeResult{
		TradeID:      trade.ID,
		ProfitRate:   trade.ProfitRate,
		ProfitAmount: trade.ProfitAmount,
		EndTime:      trade.EndTime,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE idempotency_keys SET status = 'completed', trade_id = $1, result_json = $2 WHERE key = $3`,
		trade.ID, resultJSON, req.IdempotencyKey,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("idempotency update failed: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("tx commit failed: %w", err))
	}
	return result, nil
}

// classify wraps infrastructure failures as TransientError so the retry
// predicate can distinguish them from business failures. Serialization
// failures, deadlocks, lock timeouts and connection-class errors retry;
// everything else is terminal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03":
			return domain.Transient(err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return domain.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(err)
	}
	return err
}
