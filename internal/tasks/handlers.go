package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tradevision/platform/internal/domain"
	"github.com/tradevision/platform/internal/service"
)

var tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradevision_tasks_processed_total",
	Help: "Task executions by kind and outcome",
}, []string{"kind", "outcome"})

// Initiator is the trade-initiation surface the worker needs.
type Initiator interface {
	InitiateTrade(ctx context.Context, req service.InitiateTradeRequest) (*service.InitiateTradeResult, error)
}

// Maintainer is the periodic-maintenance surface the worker needs.
type Maintainer interface {
	ProcessDueTrades(ctx context.Context) (*service.MaintenanceReport, error)
	CheckInvestmentMaturity(ctx context.Context) (*service.MaintenanceReport, error)
	ReconcileWallets(ctx context.Context) (*service.MaintenanceReport, error)
	CleanupStuckTrades(ctx context.Context) (*service.MaintenanceReport, error)
	AutoInitiateTrades(ctx context.Context) (*service.MaintenanceReport, error)
	UpdatePlatformStatistics(ctx context.Context) (*service.MaintenanceReport, error)
}

// Handlers binds every task kind to its implementation and keeps the run
// store in sync with the task lifecycle.
type Handlers struct {
	trading Initiator
	maint   Maintainer
	runs    RunStore
	policy  RetryPolicy
}

func NewHandlers(trading Initiator, maint Maintainer, runs RunStore) *Handlers {
	return &Handlers{trading: trading, maint: maint, runs: runs, policy: DefaultRetryPolicy()}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.Use(h.lifecycle)
	mux.HandleFunc(TypeInitiateTrade, h.HandleInitiateTrade)
	mux.HandleFunc(TypeProcessDue, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.ProcessDueTrades(ctx)
	}))
	mux.HandleFunc(TypeAutoInitiate, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.AutoInitiateTrades(ctx)
	}))
	mux.HandleFunc(TypeCheckMaturity, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.CheckInvestmentMaturity(ctx)
	}))
	mux.HandleFunc(TypeReconcileWallet, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.ReconcileWallets(ctx)
	}))
	mux.HandleFunc(TypeCleanupTrades, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.CleanupStuckTrades(ctx)
	}))
	mux.HandleFunc(TypeUpdateStats, h.maintenance(func(ctx context.Context) (*service.MaintenanceReport, error) {
		return h.maint.UpdatePlatformStatistics(ctx)
	}))
}

// terminal marks an error as not worth retrying while preserving the chain
// for error-kind classification.
func terminal(err error) error {
	return errors.Join(err, asynq.SkipRetry)
}

// lifecycle mirrors task execution into the run store: started on pickup,
// failed with its error kind when terminal, untouched while retries remain.
func (h *Handlers) lifecycle(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return next.ProcessTask(ctx, t)
		}
		queue, _ := asynq.GetQueueName(ctx)
		if err := h.runs.MarkStarted(ctx, id, t.Type(), queue, time.Now().UTC()); err != nil {
			log.Printf("run store: mark started %s: %v", id, err)
		}

		err := next.ProcessTask(ctx, t)
		now := time.Now().UTC()
		switch {
		case err == nil:
			// No-op when the handler already stored a result.
			if markErr := h.runs.MarkSucceeded(ctx, id, nil, now); markErr != nil {
				log.Printf("run store: mark succeeded %s: %v", id, markErr)
			}
			tasksProcessed.WithLabelValues(t.Type(), "succeeded").Inc()
		case h.willRetry(ctx, err):
			tasksProcessed.WithLabelValues(t.Type(), "retried").Inc()
		default:
			if markErr := h.runs.MarkFailed(ctx, id, domain.KindOf(err), err.Error(), now); markErr != nil {
				log.Printf("run store: mark failed %s: %v", id, markErr)
			}
			tasksProcessed.WithLabelValues(t.Type(), "failed").Inc()
		}
		return err
	})
}

func (h *Handlers) willRetry(ctx context.Context, err error) bool {
	if errors.Is(err, asynq.SkipRetry) {
		return false
	}
	if !h.policy.Retryable(err) {
		return false
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried < maxRetry
}

// HandleInitiateTrade executes the atomic debit-and-create flow and stores
// the result payload for the polling endpoint.
func (h *Handlers) HandleInitiateTrade(ctx context.Context, t *asynq.Task) error {
	var p InitiateTradePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return terminal(domain.Validationf("malformed payload: %v", err))
	}

	res, err := h.trading.InitiateTrade(ctx, service.InitiateTradeRequest{
		UserID:         p.UserID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		if h.policy.Retryable(err) {
			return err
		}
		return terminal(err)
	}

	if id, ok := asynq.GetTaskID(ctx); ok {
		if b, err := json.Marshal(res); err == nil {
			s := string(b)
			if markErr := h.runs.MarkSucceeded(ctx, id, &s, time.Now().UTC()); markErr != nil {
				log.Printf("run store: store result %s: %v", id, markErr)
			}
		}
	}
	log.Printf("initiated trade %s for user %d", res.TradeID, p.UserID)
	return nil
}

// maintenance adapts a periodic service method to an asynq handler, storing
// the run report as the task result.
func (h *Handlers) maintenance(fn func(context.Context) (*service.MaintenanceReport, error)) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		report, err := fn(ctx)
		if err != nil {
			if h.policy.Retryable(err) {
				return err
			}
			return terminal(err)
		}
		if id, ok := asynq.GetTaskID(ctx); ok {
			if b, err := json.Marshal(report); err == nil {
				s := string(b)
				if markErr := h.runs.MarkSucceeded(ctx, id, &s, time.Now().UTC()); markErr != nil {
					log.Printf("run store: store report %s: %v", id, markErr)
				}
			}
		}
		return nil
	}
}
