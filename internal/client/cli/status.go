package cli

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/edgesync/internal/models"
)

func newStatusCommand(r *root) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show synchronization status",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, app *App, _ []string) error {
			app.io.Println("=== Synchronization Status ===")
			app.io.Printf("Device:     %s\n", app.deviceID)
			app.io.Printf("Tenant:     %s\n", valueOr(app.cfg.TenantID, "(not set)"))
			app.io.Printf("Authority:  %s\n", app.cfg.ServerURL)

			checkpoint, err := app.store.GetLastSyncTimestamp(ctx)
			if err != nil {
				return err
			}
			lastSync, err := app.store.GetLastSyncAt(ctx)
			if err != nil {
				return err
			}
			app.io.Printf("Checkpoint: %d\n", checkpoint)
			if lastSync.IsZero() {
				app.io.Println("Last sync:  never")
			} else {
				app.io.Printf("Last sync:  %s\n", lastSync.Local().Format(time.RFC3339))
			}

			app.io.Println()
			pending := app.log.Pending()
			conflicts := app.log.Conflicts()
			switch {
			case len(pending) == 0 && len(conflicts) == 0:
				app.io.Success("All local changes are synchronized")
			default:
				if len(pending) > 0 {
					app.io.Warn("Pending: %d operation(s) waiting for sync", len(pending))
				}
				if len(conflicts) > 0 {
					app.io.Warn("Conflicts: %d operation(s) need resolution", len(conflicts))
				}
			}

			if check {
				health, err := app.api.Health(ctx)
				if err != nil {
					app.io.Warn("Authority unreachable: %v", err)
					return nil
				}
				app.io.Printf("Authority health: %s (database %s)\n", health.Status, health.Database)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&check, "check", false, "also query authority health")
	return cmd
}

func newConflictsCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for explicit resolution",
		Args:  cobra.NoArgs,
		RunE: r.run(func(_ context.Context, app *App, _ []string) error {
			entries := app.log.Conflicts()
			if len(entries) == 0 {
				app.io.Println("No conflicts.")
				return nil
			}

			for _, q := range entries {
				c := q.Conflict
				app.io.Printf("Conflict %s on %s\n", c.ConflictID, q.Operation.LocalKey())
				app.io.Printf("  operation:  %s %s (base %d)\n", q.Operation.OperationID, q.Operation.Kind, c.ClientVersion)
				app.io.Printf("  authority:  version %d\n", c.ServerVersion)
				app.io.Printf("  local:      %s\n", compact(c.ClientData))
				app.io.Printf("  remote:     %s\n", compact(c.ServerData))
				app.io.Println()
			}
			app.io.Println("Resolve with: edgesync resolve <conflict-id> --strategy <strategy> [--merged JSON]")
			return nil
		}),
	}
}

func newPurgeCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop operations older than the retention window",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, app *App, _ []string) error {
			purged, err := app.log.PurgeExpired(ctx, app.clock.Now())
			if err != nil {
				return err
			}
			if err := app.data.Rebase(ctx, purged...); err != nil {
				return err
			}
			for _, q := range purged {
				app.io.Warn("Dropped %s on %s (queued %s)", q.Operation.OperationID, q.Operation.LocalKey(),
					q.EnqueuedAt.Local().Format(time.RFC3339))
			}
			app.io.Printf("Purged %d operation(s)\n", len(purged))
			return nil
		}),
	}
}

func compact(f models.Fields) string {
	if f == nil {
		return "{}"
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
