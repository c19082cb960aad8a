package tasks

import (
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
)

// NewScheduler validates the beat schedule and registers every entry with
// an asynq scheduler. Specs are checked up front so a bad cron expression
// fails at startup instead of silently never firing.
func NewScheduler(redisOpt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	policy := DefaultRetryPolicy()
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			log.Printf("scheduler: enqueue %s: %v", task.Type(), err)
		},
	})

	for _, entry := range BeatSchedule() {
		if _, err := cron.ParseStandard(entry.Spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", entry.Spec, entry.Kind, err)
		}
		opts := append(policy.Options(),
			asynq.Queue(entry.Queue),
			asynq.Timeout(entry.Timeout),
		)
		if _, err := scheduler.Register(entry.Spec, asynq.NewTask(entry.Kind, nil), opts...); err != nil {
			return nil, fmt.Errorf("register %s: %w", entry.Kind, err)
		}
	}
	return scheduler, nil
}
