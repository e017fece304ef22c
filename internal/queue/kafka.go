package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/optimizer"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Kafka publishes tasks keyed by shop, so one shop's tasks stay ordered on a
// single partition.
type Kafka struct {
	writer messageWriter
}

func NewKafka(cfg models.QueueConfig) *Kafka {
	return &Kafka{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBroker),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *Kafka) Dispatch(ctx context.Context, task optimizer.Task) error {
	const op = "queue.Kafka.Dispatch"

	data, err := Encode(task)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(task.Shop), Value: data}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Consumer reads tasks from the topic and executes them one at a time.
type Consumer struct {
	reader messageReader
	exec   Executor
	log    *slog.Logger
}

func NewConsumer(cfg models.QueueConfig, exec Executor, log *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{cfg.KafkaBroker},
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroup,
	})
	return newConsumer(reader, exec, log)
}

func newConsumer(reader messageReader, exec Executor, log *slog.Logger) *Consumer {
	if log == nil {
		log = logger.Discard()
	}
	return &Consumer{reader: reader, exec: exec, log: log}
}

// Run consumes until ctx is done. Malformed messages and failed tasks are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("read task message", slog.Any("error", err))
			continue
		}

		task, err := Decode(msg.Value)
		if err != nil {
			c.log.Warn("drop task message", slog.Int64("offset", msg.Offset), slog.Any("error", err))
			continue
		}
		if err := c.exec.Execute(ctx, task); err != nil {
			c.log.Error("task failed",
				slog.String("shop", task.Shop), slog.String("job_id", task.JobID), slog.Any("error", err))
		}
	}
}
