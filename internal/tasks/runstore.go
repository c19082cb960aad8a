package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradevision/platform/internal/domain"
)

// RunState tracks a task's lifecycle in the run store, the durable stand-in
// for the queue's result backend.
type RunState string

const (
	StateCreated   RunState = "created"
	StateRunning   RunState = "in_progress"
	StateSucceeded RunState = "succeeded"
	StateFailed    RunState = "failed"
)

// TaskRun is the persisted lifecycle record for one task execution.
type TaskRun struct {
	ID          string
	Kind        string
	Queue       string
	UserID      int64
	PayloadJSON string
	State       RunState
	ErrorKind   string
	ErrorMsg    string
	ResultJSON  *string
	Consumed    bool
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// RunStore persists task lifecycle records. Implementations must be safe
// for concurrent use. State transitions are guarded so that marking a
// terminal state twice is a no-op.
type RunStore interface {
	InsertCreated(ctx context.Context, run TaskRun) error
	MarkStarted(ctx context.Context, id, kind, queue string, at time.Time) error
	MarkSucceeded(ctx context.Context, id string, resultJSON *string, at time.Time) error
	MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, msg string, at time.Time) error
	GetByID(ctx context.Context, id string) (*TaskRun, error)
	Consume(ctx context.Context, id string) (bool, error)
}

// PGRunStore is the Postgres-backed run store.
type PGRunStore struct {
	db *pgxpool.Pool
}

func NewPGRunStore(db *pgxpool.Pool) *PGRunStore {
	return &PGRunStore{db: db}
}

func (s *PGRunStore) InsertCreated(ctx context.Context, run TaskRun) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO task_runs (id, kind, queue, user_id, payload_json, state, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7)`,
		run.ID, run.Kind, run.Queue, run.UserID, run.PayloadJSON, string(StateCreated), run.CreatedAt)
	return err
}

// MarkStarted upserts so that scheduler-enqueued tasks, which have no
// pre-inserted row, still get a lifecycle record.
func (s *PGRunStore) MarkStarted(ctx context.Context, id, kind, queue string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO task_runs (id, kind, queue, state, created_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE SET state = $4, started_at = $5`,
		id, kind, queue, string(StateRunning), at)
	return err
}

func (s *PGRunStore) MarkSucceeded(ctx context.Context, id string, resultJSON *string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE task_runs SET state = $1, result_json = $2, finished_at = $3
		 WHERE id = $4 AND state = $5`,
		string(StateSucceeded), resultJSON, at, id, string(StateRunning))
	return err
}

func (s *PGRunStore) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, msg string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE task_runs SET state = $1, error_kind = $2, error_msg = $3, finished_at = $4
		 WHERE id = $5 AND state = $6`,
		string(StateFailed), string(kind), msg, at, id, string(StateRunning))
	return err
}

func (s *PGRunStore) GetByID(ctx context.Context, id string) (*TaskRun, error) {
	var (
		run    TaskRun
		state  string
		userID *int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, kind, queue, user_id, payload_json, state, error_kind, error_msg, result_json,
		        consumed, created_at, started_at, finished_at
		 FROM task_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Kind, &run.Queue, &userID, &run.PayloadJSON, &state, &run.ErrorKind,
		&run.ErrorMsg, &run.ResultJSON, &run.Consumed, &run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	run.State = RunState(state)
	if userID != nil {
		run.UserID = *userID
	}
	return &run, nil
}

// Consume marks a succeeded run as read exactly once. The second caller
// gets false and must treat the run as gone.
func (s *PGRunStore) Consume(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE task_runs SET consumed = TRUE WHERE id = $1 AND NOT consumed`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
