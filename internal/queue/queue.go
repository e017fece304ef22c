// Package queue carries optimization tasks from the API to whatever executes
// them: a goroutine in the same process, a Kafka topic or an asynq queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/optimizer"
)

var ErrInvalidTask = errors.New("invalid task")

// Executor runs a dispatched task to completion.
type Executor interface {
	Execute(ctx context.Context, task optimizer.Task) error
}

// Encode serializes a task for a broker.
func Encode(task optimizer.Task) ([]byte, error) {
	if err := validate(task); err != nil {
		return nil, err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("queue.Encode: %w", err)
	}
	return data, nil
}

// Decode parses a task read from a broker.
func Decode(data []byte) (optimizer.Task, error) {
	var task optimizer.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("queue.Decode: %w: %w", ErrInvalidTask, err)
	}
	if err := validate(task); err != nil {
		return task, err
	}
	return task, nil
}

func validate(task optimizer.Task) error {
	if task.Shop == "" || task.JobID == "" {
		return fmt.Errorf("%w: shop and job id are required", ErrInvalidTask)
	}
	if task.Type == optimizer.TaskRetry && task.ImageID == "" {
		return fmt.Errorf("%w: retry without image id", ErrInvalidTask)
	}
	return nil
}

// Inline executes tasks on goroutines of the current process. Tasks outlive
// the request that dispatched them and stop when the base context is done.
type Inline struct {
	base context.Context
	exec Executor
	log  *slog.Logger
	wg   sync.WaitGroup
}

func NewInline(base context.Context, exec Executor, log *slog.Logger) *Inline {
	if log == nil {
		log = logger.Discard()
	}
	return &Inline{base: base, exec: exec, log: log}
}

func (d *Inline) Dispatch(_ context.Context, task optimizer.Task) error {
	if err := validate(task); err != nil {
		return err
	}
	if err := d.base.Err(); err != nil {
		return fmt.Errorf("queue.Inline: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.exec.Execute(d.base, task); err != nil {
			d.log.Error("inline task failed",
				slog.String("shop", task.Shop), slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched task returned.
func (d *Inline) Wait() {
	d.wg.Wait()
}
