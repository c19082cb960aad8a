package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradevision/platform/internal/domain"
	"github.com/tradevision/platform/internal/service"
)

// memoryRunStore mirrors the Postgres run store semantics: MarkStarted
// upserts, terminal marks are guarded on in_progress, Consume flips once.
type memoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*TaskRun
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{runs: map[string]*TaskRun{}}
}

func (s *memoryRunStore) InsertCreated(ctx context.Context, run TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return errors.New("duplicate run id")
	}
	r := run
	s.runs[run.ID] = &r
	return nil
}

func (s *memoryRunStore) MarkStarted(ctx context.Context, id, kind, queue string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		r = &TaskRun{ID: id, Kind: kind, Queue: queue, CreatedAt: at}
		s.runs[id] = r
	}
	r.State = StateRunning
	r.StartedAt = &at
	return nil
}

func (s *memoryRunStore) MarkSucceeded(ctx context.Context, id string, resultJSON *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.State != StateRunning {
		return nil
	}
	r.State = StateSucceeded
	r.ResultJSON = resultJSON
	r.FinishedAt = &at
	return nil
}

func (s *memoryRunStore) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.State != StateRunning {
		return nil
	}
	r.State = StateFailed
	r.ErrorKind = string(kind)
	r.ErrorMsg = msg
	r.FinishedAt = &at
	return nil
}

func (s *memoryRunStore) GetByID(ctx context.Context, id string) (*TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memoryRunStore) Consume(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.Consumed {
		return false, nil
	}
	r.Consumed = true
	return true, nil
}

type fakeInitiator struct {
	mu        sync.Mutex
	attempts  int
	failWith  error
	failTimes int
}

func (f *fakeInitiator) InitiateTrade(ctx context.Context, req service.InitiateTradeRequest) (*service.InitiateTradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failWith != nil && (f.failTimes == 0 || f.attempts <= f.failTimes) {
		return nil, f.failWith
	}
	return &service.InitiateTradeResult{
		TradeID:      uuid.New(),
		ProfitRate:   decimal.RequireFromString("2.50"),
		ProfitAmount: decimal.RequireFromString("2.50"),
		EndTime:      time.Now().Add(24 * time.Hour),
	}, nil
}

func (f *fakeInitiator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type stubMaintainer struct {
	report service.MaintenanceReport
}

func (m *stubMaintainer) ProcessDueTrades(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}
func (m *stubMaintainer) CheckInvestmentMaturity(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}
func (m *stubMaintainer) ReconcileWallets(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}
func (m *stubMaintainer) CleanupStuckTrades(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}
func (m *stubMaintainer) AutoInitiateTrades(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}
func (m *stubMaintainer) UpdatePlatformStatistics(ctx context.Context) (*service.MaintenanceReport, error) {
	r := m.report
	return &r, nil
}

func startWorker(t *testing.T, redisOpt asynq.RedisClientOpt, h *Handlers) func() {
	t.Helper()
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      QueueWeights(),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return 10 * time.Millisecond
		},
		DelayedTaskCheckInterval: 50 * time.Millisecond,
		LogLevel:                 asynq.ErrorLevel,
	})
	mux := asynq.NewServeMux()
	h.Register(mux)
	if err := srv.Start(mux); err != nil {
		t.Fatalf("server start: %v", err)
	}
	return srv.Shutdown
}

func pollUntil(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if f() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInitiateTask_TransientRetriesThenSucceeds(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}

	runs := newMemoryRunStore()
	initiator := &fakeInitiator{
		failWith:  domain.Transient(errors.New("serialization failure")),
		failTimes: 2,
	}
	stop := startWorker(t, redisOpt, NewHandlers(initiator, &stubMaintainer{}, runs))
	defer stop()

	client := NewClient(redisOpt, runs)
	defer client.Close()

	taskID, err := client.EnqueueInitiateTrade(context.Background(), InitiateTradePayload{
		UserID:         7,
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "USDT",
		IdempotencyKey: "retry-test",
	})
	require.NoError(t, err)

	pollUntil(t, 5*time.Second, func() bool {
		run, err := runs.GetByID(context.Background(), taskID)
		return err == nil && run.State == StateSucceeded
	})

	assert.Equal(t, 3, initiator.calls())
	run, err := runs.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, run.ResultJSON)
	assert.Contains(t, *run.ResultJSON, "trade_id")
}

func TestInitiateTask_TerminalFailureDoesNotRetry(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}

	runs := newMemoryRunStore()
	initiator := &fakeInitiator{failWith: domain.ErrInsufficientFunds}
	stop := startWorker(t, redisOpt, NewHandlers(initiator, &stubMaintainer{}, runs))
	defer stop()

	client := NewClient(redisOpt, runs)
	defer client.Close()

	taskID, err := client.EnqueueInitiateTrade(context.Background(), InitiateTradePayload{
		UserID:         7,
		Amount:         decimal.RequireFromString("9999.00"),
		Currency:       "USDT",
		IdempotencyKey: "terminal-test",
	})
	require.NoError(t, err)

	pollUntil(t, 5*time.Second, func() bool {
		run, err := runs.GetByID(context.Background(), taskID)
		return err == nil && run.State == StateFailed
	})

	assert.Equal(t, 1, initiator.calls())
	run, err := runs.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.KindInsufficientFunds), run.ErrorKind)
	assert.NotEmpty(t, run.ErrorMsg)
}

func TestMaintenanceTask_StoresReport(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}

	runs := newMemoryRunStore()
	maint := &stubMaintainer{report: service.MaintenanceReport{Status: "success", Processed: 4}}
	stop := startWorker(t, redisOpt, NewHandlers(&fakeInitiator{}, maint, runs))
	defer stop()

	// Scheduler-style enqueue: no pre-inserted run row.
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	taskID := uuid.NewString()
	_, err = client.Enqueue(asynq.NewTask(TypeProcessDue, nil),
		asynq.TaskID(taskID), asynq.Queue(QueueCritical))
	require.NoError(t, err)

	pollUntil(t, 5*time.Second, func() bool {
		run, err := runs.GetByID(context.Background(), taskID)
		return err == nil && run.State == StateSucceeded
	})

	run, err := runs.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, TypeProcessDue, run.Kind)
	require.NotNil(t, run.ResultJSON)
	assert.Contains(t, *run.ResultJSON, `"processed":4`)
}

func TestConsumeIsOneShot(t *testing.T) {
	runs := newMemoryRunStore()
	ctx := context.Background()
	require.NoError(t, runs.InsertCreated(ctx, TaskRun{ID: "t1", Kind: TypeInitiateTrade, State: StateCreated}))
	require.NoError(t, runs.MarkStarted(ctx, "t1", TypeInitiateTrade, QueueCritical, time.Now()))
	require.NoError(t, runs.MarkSucceeded(ctx, "t1", nil, time.Now()))

	ok, err := runs.Consume(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = runs.Consume(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}
