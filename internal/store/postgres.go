package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/domain"
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{Db: pool}
}

func (s *Store) Close() {
	s.Db.Close()
}

// GetWalletByUser retrieves the user's wallet.
func (s *Store) GetWalletByUser(ctx context.Context, userID int64) (*domain.Wallet, error) {
	var (
		w                       domain.Wallet
		balance, profit, locked string
	)
	err := s.Db.QueryRow(ctx,
		`SELECT id, user_id, balance, profit_balance, locked_balance, currency, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.ID, &w.UserID, &balance, &profit, &locked, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, err
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, err
	}
	if w.ProfitBalance, err = decimal.NewFromString(profit); err != nil {
		return nil, err
	}
	if w.LockedBalance, err = decimal.NewFromString(locked); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet creates a wallet with the given opening balance. Used by the
// seeder and by tests; production wallets are provisioned at signup.
func (s *Store) CreateWallet(ctx context.Context, userID int64, balance decimal.Decimal, currency string) (int64, error) {
	var id int64
	err := s.Db.QueryRow(ctx,
		`INSERT INTO wallets (user_id, balance, currency) VALUES ($1, $2, $3) RETURNING id`,
		userID, balance.String(), currency,
	).Scan(&id)
	return id, err
}

// GetTrade retrieves a trade owned by the given user.
func (s *Store) GetTrade(ctx context.Context, userID int64, tradeID uuid.UUID) (*domain.Trade, error) {
	rows, err := s.Db.Query(ctx, tradeSelect+` WHERE id = $1 AND user_id = $2`, tradeID, userID)
	if err != nil {
		return nil, err
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, domain.ErrNotFound
	}
	return &trades[0], nil
}

// ListTradesByUser returns the user's most recent trades.
func (s *Store) ListTradesByUser(ctx context.Context, userID int64, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Db.Query(ctx,
		tradeSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

const tradeSelect = `SELECT id, user_id, investment_id, amount, currency, profit_rate, profit_amount,
	status, start_time, end_time, completed_at, created_at FROM trades`

func scanTrades(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		var (
			t                    domain.Trade
			amount, rate, profit string
			status               string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.InvestmentID, &amount, &t.Currency, &rate, &profit,
			&status, &t.StartTime, &t.EndTime, &t.CompletedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.ProfitRate, err = decimal.NewFromString(rate); err != nil {
			return nil, err
		}
		if t.ProfitAmount, err = decimal.NewFromString(profit); err != nil {
			return nil, err
		}
		t.Status = domain.TradeStatus(status)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListInvestmentsByUser returns the user's investments, newest first.
func (s *Store) ListInvestmentsByUser(ctx context.Context, userID int64) ([]domain.Investment, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, user_id, package_id, principal, welcome_bonus, total_profits, status,
		        start_date, maturity_date, principal_withdrawable
		 FROM investments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var investments []domain.Investment
	for rows.Next() {
		var (
			inv                      domain.Investment
			principal, bonus, profit string
			status                   string
		)
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.PackageID, &principal, &bonus, &profit,
			&status, &inv.StartDate, &inv.MaturityDate, &inv.PrincipalWithdrawable); err != nil {
			return nil, err
		}
		if inv.Principal, err = decimal.NewFromString(principal); err != nil {
			return nil, err
		}
		if inv.WelcomeBonus, err = decimal.NewFromString(bonus); err != nil {
			return nil, err
		}
		if inv.TotalProfits, err = decimal.NewFromString(profit); err != nil {
			return nil, err
		}
		inv.Status = domain.InvestmentStatus(status)
		investments = append(investments, inv)
	}
	return investments, rows.Err()
}

// CreateInvestment opens an investment with its welcome bonus and maturity
// date derived from the package.
func (s *Store) CreateInvestment(ctx context.Context, userID int64, pkg domain.TradingPackage, principal decimal.Decimal, now time.Time) (*domain.Investment, error) {
	inv := domain.Investment{
		ID:           uuid.New(),
		UserID:       userID,
		PackageID:    pkg.ID,
		Principal:    principal,
		WelcomeBonus: domain.WelcomeBonusAmount(principal, pkg.WelcomeBonus),
		TotalProfits: decimal.Zero,
		Status:       domain.InvestmentActive,
		StartDate:    now,
		MaturityDate: now.AddDate(0, 0, pkg.DurationDays),
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO investments (id, user_id, package_id, principal, welcome_bonus, status, start_date, maturity_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inv.ID, inv.UserID, inv.PackageID, inv.Principal.String(), inv.WelcomeBonus.String(),
		string(inv.Status), inv.StartDate, inv.MaturityDate)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetPackageByName looks up an active trading package.
func (s *Store) GetPackageByName(ctx context.Context, name string) (*domain.TradingPackage, error) {
	var (
		p                           domain.TradingPackage
		minStake, pMin, pMax, bonus string
	)
	err := s.Db.QueryRow(ctx,
		`SELECT id, name, display_name, min_stake, profit_min, profit_max, welcome_bonus, duration_days, is_active
		 FROM trading_packages WHERE name = $1 AND is_active`, name,
	).Scan(&p.ID, &p.Name, &p.DisplayName, &minStake, &pMin, &pMax, &bonus, &p.DurationDays, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if p.MinStake, err = decimal.NewFromString(minStake); err != nil {
		return nil, err
	}
	if p.ProfitMin, err = decimal.NewFromString(pMin); err != nil {
		return nil, err
	}
	if p.ProfitMax, err = decimal.NewFromString(pMax); err != nil {
		return nil, err
	}
	if p.WelcomeBonus, err = decimal.NewFromString(bonus); err != nil {
		return nil, err
	}
	return &p, nil
}
