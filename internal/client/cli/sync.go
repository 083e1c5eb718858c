package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/edgesync/internal/client/api"
	"github.com/iudanet/edgesync/internal/client/session"
	"github.com/iudanet/edgesync/internal/client/sync"
	"github.com/iudanet/edgesync/internal/models"
)

func newSyncCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize local changes with the authority",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, app *App, _ []string) error {
			ctx, cancel := context.WithTimeout(ctx, app.cfg.SyncTimeout)
			defer cancel()

			m, err := app.manager(r.opts.TokenFile)
			if err != nil {
				return err
			}
			if _, err := m.Connect(ctx); err != nil {
				return connectError(err)
			}
			defer m.Close()

			app.io.Println("Synchronizing with", app.cfg.ServerURL)
			var result *sync.Result
			err = m.Sync(ctx, func(ctx context.Context, s *session.Session) error {
				var err error
				result, err = app.sync.Sync(ctx, s)
				return err
			})
			if result != nil {
				printResult(app, result)
			}
			if err != nil {
				if sync.IsRetryable(err) {
					return fmt.Errorf("synchronization interrupted, pending operations are kept: %w", err)
				}
				return fmt.Errorf("synchronization failed: %w", err)
			}
			return nil
		}),
	}
}

func newResolveCommand(r *root) *cobra.Command {
	var (
		strategy string
		merged   string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict",
		Long: `Отправляет решение по конфликту. Для explicit итоговые поля задаются
через --merged; без --merged подтверждается только удаление.`,
		Example: `  edgesync resolve 0b7c... --strategy field_merge
  edgesync resolve 0b7c... --strategy explicit --merged '{"priority":"high"}'`,
		Args: cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			st, err := models.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			var fields models.Fields
			if merged != "" {
				if err := json.Unmarshal([]byte(merged), &fields); err != nil {
					return fmt.Errorf("invalid --merged: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(ctx, app.cfg.SyncTimeout)
			defer cancel()

			m, err := app.manager(r.opts.TokenFile)
			if err != nil {
				return err
			}
			if _, err := m.Connect(ctx); err != nil {
				return connectError(err)
			}
			defer m.Close()

			var record *models.ConflictRecord
			err = m.Sync(ctx, func(ctx context.Context, s *session.Session) error {
				var err error
				record, err = app.sync.Resolve(ctx, s, args[0], st, fields)
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to resolve conflict: %w", err)
			}

			app.io.Success("Conflict %s resolved by %s, %s/%s is now at version %d",
				record.ConflictID, record.Strategy,
				record.Operation.EntityType, record.Operation.EntityID, record.ResolvedVersion)
			return nil
		}),
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(models.StrategyExplicit), "last_write_wins | field_merge | explicit")
	cmd.Flags().StringVar(&merged, "merged", "", "final fields as JSON object (explicit)")
	return cmd
}

func newWatchCommand(r *root) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and synchronize continuously",
		Long: `Держит сессию с authority, переподключается с backoff и синхронизирует
при каждом подключении и затем каждые --interval. Завершается по SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, app *App, _ []string) error {
			m, err := app.manager(r.opts.TokenFile)
			if err != nil {
				return err
			}

			syncOnce := func(ctx context.Context) {
				err := m.Sync(ctx, func(ctx context.Context, s *session.Session) error {
					result, err := app.sync.Sync(ctx, s)
					if result != nil && (result.Pulled > 0 || result.Pushed > 0 || len(result.Conflicts) > 0) {
						printResult(app, result)
					}
					return err
				})
				if err != nil && !errors.Is(err, session.ErrNotConnected) {
					app.logger.Warn("Synchronization failed", "error", err)
				}
			}

			m.OnAuthenticated(func(ctx context.Context, _ *session.Session) {
				syncOnce(ctx)
			})
			m.OnDisconnect(func(err error) {
				app.io.Warn("Connection lost: %v", err)
			})

			go func() {
				ticker := app.clock.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						syncOnce(ctx)
					}
				}
			}()

			app.io.Println("Watching", app.cfg.ServerURL, "(Ctrl+C to stop)")
			if err := m.Run(ctx); err != nil {
				return connectError(err)
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "time between synchronizations")
	return cmd
}

func printResult(app *App, res *sync.Result) {
	app.io.Printf("Pulled from authority: %d\n", res.Pulled)
	app.io.Printf("Pushed to authority:   %d\n", res.Pushed)
	app.io.Printf("Applied:               %d\n", len(res.Applied))
	for _, m := range res.Mappings {
		app.io.Printf("  %s/%s -> %s\n", m.EntityType, m.TempID, m.PermanentID)
	}
	for _, c := range res.AutoResolved {
		app.io.Printf("  conflict on %s resolved by %s\n", c.Operation.LocalKey(), c.Strategy)
	}
	for _, rej := range res.Rejected {
		app.io.Warn("Rejected %s on %s: %s", rej.OperationID, rej.Entity, rej.Reason)
	}
	for _, q := range res.Purged {
		app.io.Warn("Expired %s on %s was dropped", q.Operation.OperationID, q.Operation.LocalKey())
	}
	if len(res.Conflicts) > 0 {
		app.io.Warn("%d conflict(s) need resolution, run 'edgesync conflicts'", len(res.Conflicts))
	}
	if len(res.Delayed) > 0 {
		app.io.Warn("%d operation(s) delayed until next sync", len(res.Delayed))
	}
	if res.Advanced {
		app.io.Success("Synchronized up to checkpoint %d", res.Checkpoint)
	}
}

func connectError(err error) error {
	var rejected *api.ConnectionError
	if errors.As(err, &rejected) {
		return fmt.Errorf("authority rejected credentials: %s", rejected.Message)
	}
	return fmt.Errorf("failed to connect: %w", err)
}
