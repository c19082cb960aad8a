package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradevision/platform/internal/domain"
)

func TestBeatScheduleSpecsParse(t *testing.T) {
	for _, entry := range BeatSchedule() {
		_, err := cron.ParseStandard(entry.Spec)
		assert.NoError(t, err, "spec %q for %s", entry.Spec, entry.Kind)
		assert.NotZero(t, entry.Timeout, "missing timeout for %s", entry.Kind)
	}
}

func TestBeatScheduleKindsUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, entry := range BeatSchedule() {
		assert.False(t, seen[entry.Kind], "duplicate schedule for %s", entry.Kind)
		seen[entry.Kind] = true
	}
}

func TestBeatScheduleQueuesKnown(t *testing.T) {
	weights := QueueWeights()
	for _, entry := range BeatSchedule() {
		_, ok := weights[entry.Queue]
		assert.True(t, ok, "unknown queue %q for %s", entry.Queue, entry.Kind)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.Delay)

	assert.True(t, p.Retryable(domain.Transient(errors.New("connection reset"))))
	assert.False(t, p.Retryable(domain.ErrInsufficientFunds))
	assert.False(t, p.Retryable(domain.Validationf("bad amount")))

	// Fixed backoff regardless of attempt number or error.
	assert.Equal(t, p.Delay, p.RetryDelay(1, errors.New("x"), nil))
	assert.Equal(t, p.Delay, p.RetryDelay(5, errors.New("x"), nil))
}

func TestNewInitiateTradeTask(t *testing.T) {
	amount, err := decimal.NewFromString("250.00")
	require.NoError(t, err)

	task, err := NewInitiateTradeTask(InitiateTradePayload{
		UserID:         42,
		Amount:         amount,
		Currency:       "USDT",
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeInitiateTrade, task.Type())
	assert.Contains(t, string(task.Payload()), `"user_id":42`)
	assert.Contains(t, string(task.Payload()), `"idempotency_key":"k-1"`)
}

func TestTerminalPreservesKind(t *testing.T) {
	err := terminal(domain.ErrInsufficientFunds)
	assert.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
	assert.False(t, DefaultRetryPolicy().Retryable(err))
}
