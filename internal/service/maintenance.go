package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/domain"
)

const (
	stuckPendingAfter = time.Hour
	stuckRunningAfter = 25 * time.Hour
)

// MaintenanceService implements the periodic scans that move trades and
// investments through their state machines. Every transition is guarded by
// a status predicate in the UPDATE itself, so re-running a scan in quick
// succession cannot double-apply effects.
type MaintenanceService struct {
	db     *pgxpool.Pool
	window domain.TradingWindow
	now    func() time.Time
}

func NewMaintenanceService(db *pgxpool.Pool, window domain.TradingWindow) *MaintenanceService {
	return &MaintenanceService{db: db, window: window, now: time.Now}
}

// WithClock overrides the service clock. Tests only.
func (s *MaintenanceService) WithClock(now func() time.Time) *MaintenanceService {
	s.now = now
	return s
}

// MaintenanceReport summarizes one periodic run; it is stored as the task
// result payload.
type MaintenanceReport struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Activated    int    `json:"activated,omitempty"`
	Processed    int    `json:"processed,omitempty"`
	Failed       int    `json:"failed,omitempty"`
	Cleaned      int    `json:"cleaned,omitempty"`
	Initiated    int    `json:"initiated,omitempty"`
	Updated      int    `json:"updated,omitempty"`
	TotalProfits string `json:"total_profits,omitempty"`
}

func skipped(reason string) *MaintenanceReport {
	return &MaintenanceReport{Status: "skipped", Reason: reason}
}

// ProcessDueTrades activates pending trades whose start time has passed and
// settles running trades whose cycle has ended: profit is credited, the
// stake of wallet-funded trades is released, and a profit entry plus ledger
// row are written. Runs every minute on trading days.
func (s *MaintenanceService) ProcessDueTrades(ctx context.Context) (*MaintenanceReport, error) {
	now := s.now()
	if !s.window.TradingDay(now) {
		return skipped("weekend"), nil
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE trades SET status = 'running' WHERE status = 'pending' AND start_time <= $1`, now)
	if err != nil {
		return nil, classify(fmt.Errorf("trade activation failed: %w", err))
	}
	report := &MaintenanceReport{Status: "completed", Activated: int(tag.RowsAffected())}

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, investment_id, amount, currency, profit_rate, profit_amount
		 FROM trades WHERE status = 'running' AND end_time <= $1`, now)
	if err != nil {
		return nil, classify(fmt.Errorf("due trade scan failed: %w", err))
	}
	due, err := scanDueTrades(rows)
	if err != nil {
		return nil, classify(err)
	}

	totalProfits := decimal.Zero
	for _, t := range due {
		if err := s.completeTrade(ctx, t, now); err != nil {
			report.Failed++
			log.Printf("failed to settle trade %s: %v", t.id, err)
			continue
		}
		report.Processed++
		totalProfits = totalProfits.Add(t.profitAmount)
	}
	report.TotalProfits = totalProfits.String()
	if report.Processed > 0 || report.Failed > 0 {
		log.Printf("trade settlement: %d settled, %d failed, %s profit distributed",
			report.Processed, report.Failed, report.TotalProfits)
	}
	return report, nil
}

type dueTrade struct {
	id           uuid.UUID
	userID       int64
	investmentID *uuid.UUID
	amount       decimal.Decimal
	currency     string
	profitRate   decimal.Decimal
	profitAmount decimal.Decimal
}

func scanDueTrades(rows pgx.Rows) ([]dueTrade, error) {
	defer rows.Close()
	var due []dueTrade
	for rows.Next() {
		var (
			t                    dueTrade
			amount, rate, profit string
		)
		if err := rows.Scan(&t.id, &t.userID, &t.investmentID, &amount, &t.currency, &rate, &profit); err != nil {
			return nil, err
		}
		var err error
		if t.amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.profitRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if t.profitAmount, err = decimal.NewFromString(profit); err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}

func (s *MaintenanceService) completeTrade(ctx context.Context, t dueTrade, now time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	// Status guard: if another run already settled this trade, do nothing.
	tag, err := tx.Exec(ctx,
		`UPDATE trades SET status = 'completed', completed_at = $1 WHERE id = $2 AND status = 'running'`,
		now, t.id)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	var walletID int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM wallets WHERE user_id = $1 FOR UPDATE`, t.userID,
	).Scan(&walletID); err != nil {
		return classify(fmt.Errorf("wallet lock failed: %w", err))
	}

	if t.investmentID == nil {
		// Wallet-funded trade: release the locked stake alongside the profit.
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET profit_balance = profit_balance + $1,
			        locked_balance = locked_balance - $2, balance = balance + $2, updated_at = $3
			 WHERE id = $4`,
			t.profitAmount.String(), t.amount.String(), now, walletID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE wallets SET profit_balance = profit_balance + $1, updated_at = $2 WHERE id = $3`,
			t.profitAmount.String(), now, walletID)
	}
	if err != nil {
		return classify(fmt.Errorf("profit credit failed: %w", err))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO profit_history (id, user_id, investment_id, trade_id, amount, profit_rate, earned_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), t.userID, t.investmentID, t.id, t.profitAmount.String(), t.profitRate.String(), now)
	if err != nil {
		return classify(fmt.Errorf("profit entry failed: %w", err))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, currency, status, description)
		 VALUES ($1, $2, $3, $4, $5, 'completed', $6)`,
		uuid.New(), t.userID, string(domain.TxProfit), t.profitAmount.String(), t.currency,
		fmt.Sprintf("Daily profit from trade %s", t.id))
	if err != nil {
		return classify(fmt.Errorf("ledger entry failed: %w", err))
	}

	if t.investmentID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE investments SET total_profits = total_profits + $1, updated_at = $2 WHERE id = $3`,
			t.profitAmount.String(), now, *t.investmentID)
		if err != nil {
			return classify(fmt.Errorf("investment profit update failed: %w", err))
		}
	}

	return classify(tx.Commit(ctx))
}

// CheckInvestmentMaturity settles investments past their maturity date:
// the investment completes, the locked stake is released and the principal
// (without the welcome bonus) returns to the spendable balance.
func (s *MaintenanceService) CheckInvestmentMaturity(ctx context.Context) (*MaintenanceReport, error) {
	now := s.now()
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, principal, welcome_bonus FROM investments
		 WHERE status = 'active' AND maturity_date <= $1 AND NOT principal_withdrawable`, now)
	if err != nil {
		return nil, classify(fmt.Errorf("maturity scan failed: %w", err))
	}
	type matured struct {
		id               uuid.UUID
		userID           int64
		principal, bonus decimal.Decimal
	}
	var batch []matured
	for rows.Next() {
		var (
			id               uuid.UUID
			userID           int64
			principal, bonus string
		)
		if err := rows.Scan(&id, &userID, &principal, &bonus); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		p, err := decimal.NewFromString(principal)
		if err != nil {
			rows.Close()
			return nil, err
		}
		b, err := decimal.NewFromString(bonus)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, matured{id: id, userID: userID, principal: p, bonus: b})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	report := &MaintenanceReport{Status: "completed"}
	for _, m := range batch {
		err := func() error {
			tx, err := s.db.Begin(ctx)
			if err != nil {
				return classify(err)
			}
			defer tx.Rollback(ctx)

			tag, err := tx.Exec(ctx,
				`UPDATE investments SET status = 'completed', principal_withdrawable = TRUE, updated_at = $1
				 WHERE id = $2 AND status = 'active' AND NOT principal_withdrawable`, now, m.id)
			if err != nil {
				return classify(err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}

			var walletID int64
			var currency string
			if err := tx.QueryRow(ctx,
				`SELECT id, currency FROM wallets WHERE user_id = $1 FOR UPDATE`, m.userID,
			).Scan(&walletID, &currency); err != nil {
				return classify(fmt.Errorf("wallet lock failed: %w", err))
			}

			total := m.principal.Add(m.bonus)
			_, err = tx.Exec(ctx,
				`UPDATE wallets SET locked_balance = locked_balance - $1, balance = balance + $2, updated_at = $3
				 WHERE id = $4`,
				total.String(), m.principal.String(), now, walletID)
			if err != nil {
				return classify(fmt.Errorf("principal unlock failed: %w", err))
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO transactions (id, user_id, type, amount, currency, status, description)
				 VALUES ($1, $2, $3, $4, $5, 'completed', $6)`,
				uuid.New(), m.userID, string(domain.TxInvestment), m.principal.String(), currency,
				fmt.Sprintf("Principal unlocked from matured investment %s", m.id))
			if err != nil {
				return classify(fmt.Errorf("ledger entry failed: %w", err))
			}
			return classify(tx.Commit(ctx))
		}()
		if err != nil {
			report.Failed++
			log.Printf("failed to settle matured investment %s: %v", m.id, err)
			continue
		}
		report.Processed++
	}
	if report.Processed > 0 {
		log.Printf("investment maturity: %d settled, %d failed", report.Processed, report.Failed)
	}
	return report, nil
}

// ReconcileWallets recomputes locked and profit balances from their source
// tables and corrects drift. Runs twice daily as a consistency backstop.
func (s *MaintenanceService) ReconcileWallets(ctx context.Context) (*MaintenanceReport, error) {
	rows, err := s.db.Query(ctx, `SELECT id, user_id, locked_balance, profit_balance FROM wallets`)
	if err != nil {
		return nil, classify(err)
	}
	type walletRow struct {
		id, userID     int64
		locked, profit decimal.Decimal
	}
	var wallets []walletRow
	for rows.Next() {
		var (
			w              walletRow
			locked, profit string
		)
		if err := rows.Scan(&w.id, &w.userID, &locked, &profit); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		if w.locked, err = decimal.NewFromString(locked); err != nil {
			rows.Close()
			return nil, err
		}
		if w.profit, err = decimal.NewFromString(profit); err != nil {
			rows.Close()
			return nil, err
		}
		wallets = append(wallets, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	report := &MaintenanceReport{Status: "completed"}
	for _, w := range wallets {
		var wantLockedStr, wantProfitStr string
		err := s.db.QueryRow(ctx, `
			SELECT
			  (SELECT COALESCE(SUM(principal + welcome_bonus), 0) FROM investments WHERE user_id = $1 AND status = 'active')
			+ (SELECT COALESCE(SUM(amount), 0) FROM trades WHERE user_id = $1 AND investment_id IS NULL AND status IN ('pending', 'running')),
			  (SELECT COALESCE(SUM(amount), 0) FROM profit_history WHERE user_id = $1 AND NOT is_withdrawn)`,
			w.userID,
		).Scan(&wantLockedStr, &wantProfitStr)
		if err != nil {
			report.Failed++
			log.Printf("reconcile: balance recompute failed for user %d: %v", w.userID, err)
			continue
		}
		wantLocked, err := decimal.NewFromString(wantLockedStr)
		if err != nil {
			return nil, err
		}
		wantProfit, err := decimal.NewFromString(wantProfitStr)
		if err != nil {
			return nil, err
		}
		if w.locked.Equal(wantLocked) && w.profit.Equal(wantProfit) {
			continue
		}
		log.Printf("reconcile: wallet %d drift: locked %s -> %s, profit %s -> %s",
			w.id, w.locked, wantLocked, w.profit, wantProfit)
		_, err = s.db.Exec(ctx,
			`UPDATE wallets SET locked_balance = $1, profit_balance = $2, updated_at = $3 WHERE id = $4`,
			wantLocked.String(), wantProfit.String(), s.now(), w.id)
		if err != nil {
			report.Failed++
			log.Printf("reconcile: correction failed for wallet %d: %v", w.id, err)
			continue
		}
		report.Updated++
	}
	return report, nil
}

// CleanupStuckTrades fails trades wedged in pending for over an hour or in
// running past their cycle plus an hour of grace, refunding the locked
// stake of wallet-funded trades.
func (s *MaintenanceService) CleanupStuckTrades(ctx context.Context) (*MaintenanceReport, error) {
	now := s.now()
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, investment_id, amount, currency FROM trades
		 WHERE (status = 'pending' AND created_at < $1)
		    OR (status = 'running' AND start_time < $2)`,
		now.Add(-stuckPendingAfter), now.Add(-stuckRunningAfter))
	if err != nil {
		return nil, classify(err)
	}
	type stuckTrade struct {
		id           uuid.UUID
		userID       int64
		investmentID *uuid.UUID
		amount       decimal.Decimal
		currency     string
	}
	var stuck []stuckTrade
	for rows.Next() {
		var (
			t      stuckTrade
			amount string
		)
		if err := rows.Scan(&t.id, &t.userID, &t.investmentID, &amount, &t.currency); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		if t.amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return nil, err
		}
		stuck = append(stuck, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	report := &MaintenanceReport{Status: "completed"}
	for _, t := range stuck {
		err := func() error {
			tx, err := s.db.Begin(ctx)
			if err != nil {
				return classify(err)
			}
			defer tx.Rollback(ctx)

			tag, err := tx.Exec(ctx,
				`UPDATE trades SET status = 'failed' WHERE id = $1 AND status IN ('pending', 'running')`, t.id)
			if err != nil {
				return classify(err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}

			if t.investmentID == nil {
				_, err = tx.Exec(ctx,
					`UPDATE wallets SET locked_balance = locked_balance - $1, balance = balance + $1, updated_at = $2
					 WHERE user_id = $3`,
					t.amount.String(), now, t.userID)
				if err != nil {
					return classify(fmt.Errorf("stake refund failed: %w", err))
				}
				_, err = tx.Exec(ctx,
					`INSERT INTO transactions (id, user_id, type, amount, currency, status, description)
					 VALUES ($1, $2, $3, $4, $5, 'completed', $6)`,
					uuid.New(), t.userID, string(domain.TxRefund), t.amount.String(), t.currency,
					fmt.Sprintf("Stake refunded from stuck trade %s", t.id))
				if err != nil {
					return classify(fmt.Errorf("refund ledger entry failed: %w", err))
				}
			}
			return classify(tx.Commit(ctx))
		}()
		if err != nil {
			report.Failed++
			log.Printf("failed to clean up stuck trade %s: %v", t.id, err)
			continue
		}
		report.Cleaned++
		log.Printf("marked stuck trade %s as failed", t.id)
	}
	return report, nil
}

// AutoInitiateTrades opens a running trade for every active investment that
// has no open trade and none created today. Auto trades ride the
// investment's locked principal, so the wallet balance is untouched.
func (s *MaintenanceService) AutoInitiateTrades(ctx context.Context) (*MaintenanceReport, error) {
	now := s.now()
	if !s.window.TradingDay(now) {
		return skipped("weekend"), nil
	}
	if !s.window.Allows(now) {
		return skipped("outside_trading_hours"), nil
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rows, err := s.db.Query(ctx, `
		SELECT i.id, i.user_id, i.principal, i.welcome_bonus, p.profit_min, p.profit_max, w.currency
		FROM investments i
		JOIN trading_packages p ON p.id = i.package_id
		JOIN wallets w ON w.user_id = i.user_id
		WHERE i.status = 'active'
		  AND NOT EXISTS (SELECT 1 FROM trades t WHERE t.investment_id = i.id AND t.status IN ('pending', 'running'))
		  AND NOT EXISTS (SELECT 1 FROM trades t WHERE t.investment_id = i.id AND t.created_at >= $1)`,
		startOfDay)
	if err != nil {
		return nil, classify(err)
	}
	type eligible struct {
		id               uuid.UUID
		userID           int64
		principal, bonus decimal.Decimal
		band             domain.ProfitBand
		currency         string
	}
	var batch []eligible
	for rows.Next() {
		var (
			e                            eligible
			principal, bonus, pMin, pMax string
		)
		if err := rows.Scan(&e.id, &e.userID, &principal, &bonus, &pMin, &pMax, &e.currency); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		if e.principal, err = decimal.NewFromString(principal); err != nil {
			rows.Close()
			return nil, err
		}
		if e.bonus, err = decimal.NewFromString(bonus); err != nil {
			rows.Close()
			return nil, err
		}
		min, err := decimal.NewFromString(pMin)
		if err != nil {
			rows.Close()
			return nil, err
		}
		max, err := decimal.NewFromString(pMax)
		if err != nil {
			rows.Close()
			return nil, err
		}
		e.band = domain.ProfitBand{Min: min, Max: max}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	report := &MaintenanceReport{Status: "completed"}
	for _, e := range batch {
		amount := e.principal.Add(e.bonus)
		rate := e.band.RandomRate()
		_, err := s.db.Exec(ctx,
			`INSERT INTO trades (id, user_id, investment_id, amount, currency, profit_rate, profit_amount, status, start_time, end_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 'running', $8, $9)`,
			uuid.New(), e.userID, e.id, amount.String(), e.currency, rate.String(),
			domain.ProfitAmount(amount, rate).String(), now, now.Add(domain.TradeDuration))
		if err != nil {
			report.Failed++
			log.Printf("auto-initiation failed for investment %s: %v", e.id, err)
			continue
		}
		report.Initiated++
	}
	if report.Initiated > 0 {
		log.Printf("auto-initiated %d trades (%d failed)", report.Initiated, report.Failed)
	}
	return report, nil
}

// UpdatePlatformStatistics refreshes the aggregate counters shown on the
// public site.
func (s *MaintenanceService) UpdatePlatformStatistics(ctx context.Context) (*MaintenanceReport, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO site_statistics (id, total_users, total_invested, total_profits_paid, updated_at)
		VALUES (
			1,
			(SELECT COUNT(*) FROM wallets),
			(SELECT COALESCE(SUM(principal), 0) FROM investments WHERE status IN ('active', 'completed')),
			(SELECT COALESCE(SUM(amount), 0) FROM profit_history),
			$1
		)
		ON CONFLICT (id) DO UPDATE SET
			total_users = EXCLUDED.total_users,
			total_invested = EXCLUDED.total_invested,
			total_profits_paid = EXCLUDED.total_profits_paid,
			updated_at = EXCLUDED.updated_at`,
		s.now())
	if err != nil {
		return nil, classify(err)
	}
	return &MaintenanceReport{Status: "completed", Updated: 1}, nil
}
