package domain

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeDuration is how long a trade runs before it is eligible for completion.
const TradeDuration = 24 * time.Hour

type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeRunning   TradeStatus = "running"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
)

type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "active"
	InvestmentCompleted InvestmentStatus = "completed"
	InvestmentCancelled InvestmentStatus = "cancelled"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxInvestment TransactionType = "investment"
	TxProfit     TransactionType = "profit"
	TxBonus      TransactionType = "bonus"
	TxRefund     TransactionType = "refund"
)

// Wallet is the per-user balance ledger. Balance is freely spendable,
// LockedBalance backs open trades and active investments, ProfitBalance
// accumulates distributed profits until withdrawal.
type Wallet struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	ProfitBalance decimal.Decimal `json:"profit_balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	Currency      string          `json:"currency"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (w Wallet) TotalBalance() decimal.Decimal {
	return w.Balance.Add(w.ProfitBalance)
}

// TradingPackage configures an investment tier and its daily profit band.
type TradingPackage struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	DisplayName  string          `json:"display_name"`
	MinStake     decimal.Decimal `json:"min_stake"`
	ProfitMin    decimal.Decimal `json:"profit_min"`
	ProfitMax    decimal.Decimal `json:"profit_max"`
	WelcomeBonus decimal.Decimal `json:"welcome_bonus"`
	DurationDays int             `json:"duration_days"`
	IsActive     bool            `json:"is_active"`
}

func (p TradingPackage) Band() ProfitBand {
	return ProfitBand{Min: p.ProfitMin, Max: p.ProfitMax}
}

// Investment is a user's stake in a trading package. Principal plus welcome
// bonus stay locked until the maturity date passes.
type Investment struct {
	ID                    uuid.UUID        `json:"id"`
	UserID                int64            `json:"user_id"`
	PackageID             uuid.UUID        `json:"package_id"`
	Principal             decimal.Decimal  `json:"principal"`
	WelcomeBonus          decimal.Decimal  `json:"welcome_bonus"`
	TotalProfits          decimal.Decimal  `json:"total_profits"`
	Status                InvestmentStatus `json:"status"`
	StartDate             time.Time        `json:"start_date"`
	MaturityDate          time.Time        `json:"maturity_date"`
	PrincipalWithdrawable bool             `json:"principal_withdrawable"`
}

// TotalInvestment is the locked stake: principal plus welcome bonus.
func (i Investment) TotalInvestment() decimal.Decimal {
	return i.Principal.Add(i.WelcomeBonus)
}

func (i Investment) IsMature(now time.Time) bool {
	return !now.Before(i.MaturityDate)
}

// Trade is a single trading session. A trade with a nil InvestmentID is
// funded directly from the wallet balance (manual initiation); an
// investment-linked trade rides the investment's locked principal.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	UserID       int64           `json:"user_id"`
	InvestmentID *uuid.UUID      `json:"investment_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`
	ProfitAmount decimal.Decimal `json:"profit_amount"`
	Status       TradeStatus     `json:"status"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (t Trade) WalletFunded() bool {
	return t.InvestmentID == nil
}

// Transaction is a single-leg financial ledger row.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      int64           `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProfitEntry records one profit distribution for a completed trade.
type ProfitEntry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       int64           `json:"user_id"`
	InvestmentID *uuid.UUID      `json:"investment_id,omitempty"`
	TradeID      uuid.UUID       `json:"trade_id"`
	Amount       decimal.Decimal `json:"amount"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`
	EarnedAt     time.Time       `json:"earned_at"`
	IsWithdrawn  bool            `json:"is_withdrawn"`
}

// ProfitAmount computes the profit for a trade: amount * rate / 100,
// rounded to cents.
func ProfitAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
}

// WelcomeBonusAmount computes the bonus credited when opening an investment.
func WelcomeBonusAmount(principal, bonusPct decimal.Decimal) decimal.Decimal {
	return principal.Mul(bonusPct).Div(decimal.NewFromInt(100)).Round(2)
}

// ProfitBand is the daily profit-rate range a trade's rate is drawn from.
type ProfitBand struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// RandomRate draws a rate uniformly from the band, rounded to two decimals.
// A degenerate band (Max <= Min) yields Min.
func (b ProfitBand) RandomRate() decimal.Decimal {
	min, _ := b.Min.Float64()
	max, _ := b.Max.Float64()
	if max <= min {
		return b.Min.Round(2)
	}
	return decimal.NewFromFloat(min + rand.Float64()*(max-min)).Round(2)
}
