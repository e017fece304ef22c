package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"webp-optimizer/internal/queue"
	"webp-optimizer/internal/server"
)

const shutdownTimeout = 15 * time.Second

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "webp-optimizer: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webp-optimizer",
		Short: "Bulk WebP optimizer for Shopify product images",
		Long: `webp-optimizer converts a shop's product images to WebP, keeps a backup of
every original and can put the originals back.

The serve command runs the admin API. With the kafka or asynq queue driver,
jobs run in a separate worker process; with the inline driver they run inside
serve. The remaining commands run one operation against one shop and print
the result as JSON.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newOptimizeCmd(),
		newRetryCmd(),
		newCancelCmd(),
		newRevertCmd(),
		newRestoreMissingCmd(),
		newApplyAltCmd(),
		newStatsCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			// Inline jobs of a previous process died with it.
			if a.inline != nil {
				a.reap(ctx)
			}

			srv := server.NewServer(a.cfg, a.svc, a.store, a.metrics, a.log)
			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				a.log.Error("http shutdown", slog.Any("error", err))
			}
			a.waitInline()
			a.log.Info("server stopped")
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume optimization jobs from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.inline != nil {
				return errInlineWorker
			}

			a.reap(ctx)
			go a.reapEvery(ctx, a.cfg.Jobs.StaleAfter/2)

			switch a.cfg.Queue.Driver {
			case "kafka":
				a.log.Info("consuming kafka tasks", slog.String("topic", a.cfg.Queue.KafkaTopic))
				return queue.NewConsumer(a.cfg.Queue, a.svc, a.log).Run(ctx)
			case "asynq":
				srv := asynq.NewServer(queue.RedisOpt(a.cfg.Queue), asynq.Config{Concurrency: concurrency})
				go func() {
					<-ctx.Done()
					srv.Shutdown()
				}()
				a.log.Info("consuming asynq tasks", slog.Int("concurrency", concurrency))
				return srv.Run(queue.Handler(a.svc, a.log))
			}
			return errInlineWorker
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Jobs run in parallel (asynq driver)")
	return cmd
}

func (a *app) reapEvery(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reap(ctx)
		}
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.DatabaseURL == "" {
				return fmt.Errorf("database_url is not configured")
			}
			return nil
		},
	}
}

func newOptimizeCmd() *cobra.Command {
	var shop string
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Start a bulk optimization job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				job, err := a.svc.Start(ctx, shop)
				if err != nil {
					return nil, err
				}
				a.waitInline()
				return a.svc.Job(context.WithoutCancel(ctx), shop, job.ID)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain, e.g. demo.myshopify.com")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var shop, image string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry one failed image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			if err := requireFlag("image", image); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				job, err := a.svc.RetryImage(ctx, shop, image)
				if err != nil {
					return nil, err
				}
				a.waitInline()
				return a.svc.Job(context.WithoutCancel(ctx), shop, job.ID)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	cmd.Flags().StringVar(&image, "image", "", "Media GID of the failed image")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var shop, job string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Ask a running job to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			if err := requireFlag("job", job); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.svc.Cancel(ctx, shop, job)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	cmd.Flags().StringVar(&job, "job", "", "Job id")
	return cmd
}

func newRevertCmd() *cobra.Command {
	var shop, image string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Put the original images back",
		Long:  "Reverts every optimized image of the shop, or only --image when given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				if image != "" {
					return a.svc.RevertOne(ctx, shop, image)
				}
				return a.svc.RevertAll(ctx, shop)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	cmd.Flags().StringVar(&image, "image", "", "Revert only this media GID")
	return cmd
}

func newRestoreMissingCmd() *cobra.Command {
	var shop string
	cmd := &cobra.Command{
		Use:   "restore-missing",
		Short: "Re-attach reverted originals that are no longer on their product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.svc.RestoreMissing(ctx, shop)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	return cmd
}

func newApplyAltCmd() *cobra.Command {
	var shop string
	cmd := &cobra.Command{
		Use:   "apply-alt",
		Short: "Rewrite product image alt text from the shop's template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.svc.ApplyAltTemplates(ctx, shop)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var shop string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print ledger counts and bytes saved",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("shop", shop); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.svc.Stats(ctx, shop)
			})
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "Shop domain")
	return cmd
}

// withApp wires the process, runs fn and prints its result.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
