package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/tradevision/platform/internal/domain"
)

// Task kinds form a closed dispatch table: each kind has exactly one typed
// payload and one registered handler.
const (
	TypeInitiateTrade   = "trade:initiate"
	TypeProcessDue      = "trade:process_due"
	TypeAutoInitiate    = "trade:auto_initiate"
	TypeCleanupTrades   = "trade:cleanup"
	TypeCheckMaturity   = "investment:check_maturity"
	TypeReconcileWallet = "wallet:reconcile"
	TypeUpdateStats     = "stats:update"
)

const (
	QueueCritical    = "critical"
	QueueDefault     = "default"
	QueueMaintenance = "maintenance"
)

// QueueWeights gives settlement and user-initiated trades priority over
// maintenance work.
func QueueWeights() map[string]int {
	return map[string]int{
		QueueCritical:    6,
		QueueDefault:     3,
		QueueMaintenance: 1,
	}
}

// InitiateTradePayload is the wire contract for trade:initiate.
type InitiateTradePayload struct {
	UserID         int64           `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewInitiateTradeTask builds the asynq task for a manual trade initiation.
func NewInitiateTradeTask(p InitiateTradePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeInitiateTrade, payload), nil
}

// RetryPolicy makes the retry contract explicit: how many attempts a task
// gets, the fixed delay between them, and which errors qualify.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries only transient failures, up to three attempts
// total with a fixed 30-second backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       30 * time.Second,
		Retryable:   domain.IsTransient,
	}
}

// Options converts the policy to enqueue-time asynq options. asynq counts
// retries after the first attempt, hence MaxAttempts-1.
func (p RetryPolicy) Options() []asynq.Option {
	return []asynq.Option{asynq.MaxRetry(p.MaxAttempts - 1)}
}

// RetryDelay is the server-side delay function: fixed backoff, no jitter.
func (p RetryPolicy) RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	return p.Delay
}

// BeatEntry is one row of the static schedule table mapping a task kind to
// its cron trigger.
type BeatEntry struct {
	Spec    string
	Kind    string
	Queue   string
	Timeout time.Duration
}

// BeatSchedule is read once at worker startup. Cadences follow the
// production schedule: settlement every minute, auto-initiation hourly,
// maturity and cleanup daily, reconciliation twice a day, statistics every
// six hours.
func BeatSchedule() []BeatEntry {
	return []BeatEntry{
		{Spec: "* * * * *", Kind: TypeProcessDue, Queue: QueueCritical, Timeout: 45 * time.Second},
		{Spec: "0 * * * *", Kind: TypeAutoInitiate, Queue: QueueDefault, Timeout: 30 * time.Minute},
		{Spec: "5 0 * * *", Kind: TypeCheckMaturity, Queue: QueueDefault, Timeout: time.Hour},
		{Spec: "0 */12 * * *", Kind: TypeReconcileWallet, Queue: QueueDefault, Timeout: 30 * time.Minute},
		{Spec: "0 2 * * *", Kind: TypeCleanupTrades, Queue: QueueMaintenance, Timeout: 30 * time.Minute},
		{Spec: "0 */6 * * *", Kind: TypeUpdateStats, Queue: QueueMaintenance, Timeout: 10 * time.Minute},
	}
}
