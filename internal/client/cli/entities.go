package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/models"
)

func newCreateCommand(r *root) *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "create <type> [field=value...]",
		Short: "Create an entity offline",
		Example: `  edgesync create job title="Fix pump" priority=low
  edgesync create job --data '{"title":"Fix pump","site":{"id":"s-1"}}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			fields, err := parseFields(args[1:], raw)
			if err != nil {
				return err
			}
			res, err := app.data.Create(ctx, args[0], fields)
			if err != nil {
				return err
			}
			app.io.Success("Created %s/%s", res.Entity.EntityType, res.Entity.EntityID)
			reportPurged(app, res.Purged)
			return nil
		}),
	}
	cmd.Flags().StringVar(&raw, "data", "", "fields as JSON object")
	return cmd
}

func newUpdateCommand(r *root) *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:   "update <type> <id> [field=value...]",
		Short: "Update entity fields offline",
		Args:  cobra.MinimumNArgs(2),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			patch, err := parseFields(args[2:], raw)
			if err != nil {
				return err
			}
			res, err := app.data.Update(ctx, args[0], args[1], patch)
			if err != nil {
				return err
			}
			app.io.Success("Updated %s/%s (local version %d)", res.Entity.EntityType, res.Entity.EntityID, res.Entity.Version)
			reportPurged(app, res.Purged)
			return nil
		}),
	}
	cmd.Flags().StringVar(&raw, "data", "", "fields as JSON object")
	return cmd
}

func newDeleteCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete an entity offline",
		Args:  cobra.ExactArgs(2),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			res, err := app.data.Delete(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			app.io.Success("Deleted %s/%s", res.Entity.EntityType, res.Entity.EntityID)
			reportPurged(app, res.Purged)
			return nil
		}),
	}
}

func newListCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "list [type]",
		Short: "List entities of the local view",
		Args:  cobra.MaximumNArgs(1),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			entityType := ""
			if len(args) == 1 {
				entityType = args[0]
			}
			entities, err := app.data.List(ctx, entityType)
			if err != nil {
				return err
			}
			if len(entities) == 0 {
				app.io.Println("No entities found.")
				return nil
			}

			app.io.Printf("Found %d entit%s:\n\n", len(entities), plural(len(entities), "y", "ies"))
			for _, e := range entities {
				marker := ""
				if n := len(app.log.ForEntity(storage.EntityLocalKey(e.EntityType, e.EntityID))); n > 0 {
					marker = fmt.Sprintf("  [%d pending]", n)
				}
				app.io.Printf("%s/%s  v%d%s\n", e.EntityType, e.EntityID, e.Version, marker)
				app.io.Printf("   %s\n", summary(e.Fields))
			}
			return nil
		}),
	}
}

func newShowCommand(r *root) *cobra.Command {
	return &cobra.Command{
		Use:   "show <type> <id>",
		Short: "Show entity details",
		Args:  cobra.ExactArgs(2),
		RunE: r.run(func(ctx context.Context, app *App, args []string) error {
			e, err := app.data.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}

			app.io.Printf("=== %s/%s ===\n", e.EntityType, e.EntityID)
			app.io.Printf("Version:    %d\n", e.Version)
			if !e.UpdatedAt.IsZero() {
				app.io.Printf("Updated:    %s by %s\n", e.UpdatedAt.Format(time.RFC3339), e.UpdatedBy)
			}

			data, err := json.MarshalIndent(e.Fields, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format fields: %w", err)
			}
			app.io.Printf("Fields:\n%s\n", data)

			pending := app.log.ForEntity(storage.EntityLocalKey(e.EntityType, e.EntityID))
			if len(pending) > 0 {
				app.io.Println()
				app.io.Warn("%d local operation(s) not yet confirmed:", len(pending))
				for _, q := range pending {
					app.io.Printf("  %s  %-6s base=%d  %s\n", q.Operation.OperationID, q.Operation.Kind, q.Operation.BaseVersion, q.Status)
				}
			}
			return nil
		}),
	}
}

// parseFields собирает поля из аргументов field=value и JSON объекта.
// Значение, являющееся валидным JSON, берется как есть, иначе как строка.
func parseFields(args []string, raw string) (models.Fields, error) {
	fields := models.Fields{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("invalid --data: %w", err)
		}
	}

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid field %q, expected field=value", arg)
		}
		if json.Valid([]byte(value)) {
			fields[name] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = quoted
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields given")
	}
	return fields, nil
}

func summary(f models.Fields) string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+string(f[name]))
	}
	return strings.Join(parts, " ")
}

func reportPurged(app *App, purged []*models.QueuedOperation) {
	for _, q := range purged {
		app.io.Warn("Operation log is full: dropped %s on %s", q.Operation.OperationID, q.Operation.LocalKey())
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
