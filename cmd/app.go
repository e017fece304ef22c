package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"webp-optimizer/internal/backup"
	"webp-optimizer/internal/logger"
	"webp-optimizer/internal/metrics"
	"webp-optimizer/internal/models"
	"webp-optimizer/internal/optimizer"
	"webp-optimizer/internal/pipeline"
	"webp-optimizer/internal/queue"
	"webp-optimizer/internal/shopify"
	"webp-optimizer/internal/storage"
	"webp-optimizer/internal/transcode"
)

const (
	filePollAttempts = 10
	filePollInterval = 2 * time.Second
	shopifyRetryBase = 500 * time.Millisecond
)

type store interface {
	optimizer.Store
	Ping(ctx context.Context) error
	Close()
}

// app is the wired process shared by every command.
type app struct {
	cfg     *models.Config
	log     *slog.Logger
	store   store
	metrics *metrics.Metrics
	svc     *optimizer.Service
	inline  *queue.Inline
	closers []func() error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	client := shopify.NewClient(shopify.Options{
		APIVersion: cfg.Shopify.APIVersion,
		Timeout:    cfg.Shopify.RequestTimeout,
		MaxRetries: cfg.Shopify.MaxRetries,
		RetryBase:  shopifyRetryBase,
		Tokens:     cfg.Shopify.Shops,
	})

	backups, err := a.backupStore(ctx, client)
	if err != nil {
		a.Close()
		return nil, err
	}

	step := pipeline.NewStep(
		&http.Client{Timeout: cfg.FetchTimeout},
		backups,
		transcode.NewWebP(cfg.WebP.MaxDimension),
		cfg.WebP.Quality,
		log,
	)
	connect := func(shop string) (optimizer.Platform, error) {
		admin, err := client.Shop(shop)
		if err != nil {
			return nil, err
		}
		return admin, nil
	}
	a.svc = optimizer.New(a.store, connect, step, a.metrics, log)
	a.svc.SetDispatcher(a.dispatcher(ctx))
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("database_url is empty, using the in-memory store; state is lost on exit")
		a.store = storage.NewMemoryStore()
		return nil
	}
	db, err := storage.NewStorage(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, a.log); err != nil {
		db.Close()
		return err
	}
	a.store = db
	return nil
}

func (a *app) backupStore(ctx context.Context, client *shopify.Client) (backup.Store, error) {
	switch a.cfg.Backup.Driver {
	case "s3":
		s3, err := backup.NewS3(a.cfg.Backup)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	default:
		files := func(shop string) (backup.FilesAPI, error) {
			admin, err := client.Shop(shop)
			if err != nil {
				return nil, err
			}
			return admin, nil
		}
		return backup.NewShopifyFiles(files, filePollAttempts, filePollInterval), nil
	}
}

// dispatcher builds the producer side of the configured queue. Inline tasks
// run on ctx, so they stop with the process.
func (a *app) dispatcher(ctx context.Context) optimizer.Dispatcher {
	switch a.cfg.Queue.Driver {
	case "kafka":
		k := queue.NewKafka(a.cfg.Queue)
		a.closers = append(a.closers, k.Close)
		return k
	case "asynq":
		q := queue.NewAsynq(a.cfg.Queue, a.cfg.Jobs.MaxDuration)
		a.closers = append(a.closers, q.Close)
		return q
	default:
		a.inline = queue.NewInline(ctx, a.svc, a.log)
		return a.inline
	}
}

// reap fails running jobs whose worker is gone.
func (a *app) reap(ctx context.Context) {
	if _, err := a.svc.ReapStale(ctx, a.cfg.Jobs.StaleAfter); err != nil {
		a.log.Error("reap stale jobs", slog.Any("error", err))
	}
}

// waitInline blocks until inline tasks are done.
func (a *app) waitInline() {
	if a.inline != nil {
		a.inline.Wait()
	}
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close", slog.Any("error", err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

var errInlineWorker = errors.New("the worker command needs the kafka or asynq queue driver")
