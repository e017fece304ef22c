package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/optimizer"
)

// ExecuteJobTask is enqueued once per created job.
const ExecuteJobTask = "optimizer:execute"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Asynq enqueues tasks on Redis. Jobs are not retried by asynq: a failed job
// is already recorded and the user starts a new one. Every task carries the
// job time limit, otherwise asynq cuts it off after its 30 minute default.
type Asynq struct {
	client  enqueuer
	timeout time.Duration
}

func RedisOpt(cfg models.QueueConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func NewAsynq(cfg models.QueueConfig, timeout time.Duration) *Asynq {
	return &Asynq{client: asynq.NewClient(RedisOpt(cfg)), timeout: timeout}
}

func (a *Asynq) Dispatch(ctx context.Context, task optimizer.Task) error {
	const op = "queue.Asynq.Dispatch"

	data, err := Encode(task)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if a.timeout > 0 {
		opts = append(opts, asynq.Timeout(a.timeout))
	}
	if _, err := a.client.EnqueueContext(ctx, asynq.NewTask(ExecuteJobTask, data), opts...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *Asynq) Close() error {
	return a.client.Close()
}

// Handler registers the job handler for an asynq server.
func Handler(exec Executor, log *slog.Logger) *asynq.ServeMux {
	if log == nil {
		log = logger.Discard()
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(ExecuteJobTask, func(ctx context.Context, t *asynq.Task) error {
		task, err := Decode(t.Payload())
		if err != nil {
			log.Warn("drop task", slog.Any("error", err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return exec.Execute(ctx, task)
	})
	return mux
}
