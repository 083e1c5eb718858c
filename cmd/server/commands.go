package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/edgesync/internal/config"
	"github.com/iudanet/edgesync/internal/server"
	"github.com/iudanet/edgesync/internal/server/handlers"
	"github.com/iudanet/edgesync/internal/server/storage/sqlite"
)

// flagBindings ключ конфигурации -> имя флага
var flagBindings = map[string]string{
	config.KeyDBPath:        "db",
	config.KeyLogLevel:      "log-level",
	config.KeyLogFormat:     "log-format",
	config.KeyListenAddress: "listen",
	config.KeyPolicyFile:    "policy",
}

// app состояние, общее для подкоманд
type app struct {
	cfg        *config.Server
	logger     *slog.Logger
	configFile string
	envFile    string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "edgesync-server",
		Short: "Sync authority for offline-first edge clients",
		Long: `edgesync-server хранит канонические версии сущностей, принимает
операции клиентов, выдает постоянные идентификаторы и разрешает конфликты.`,
		Version:           versionString(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "path to YAML config file")
	pf.StringVar(&a.envFile, "env-file", ".env", "path to .env file")
	pf.String("db", "", "path to SQLite database")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")

	cmd.AddCommand(
		newServeCommand(a),
		newMigrateCommand(a),
		newTokenCommand(a),
		newConflictsCommand(a),
	)

	return cmd
}

// load читает конфигурацию: значения по умолчанию, файл, .env и окружение, флаги
func (a *app) load(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}
	v, err := config.NewViper(a.configFile, config.ServerDefaults())
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags(), flagBindings); err != nil {
		return err
	}

	a.cfg, err = config.LoadServer(v)
	if err != nil {
		return err
	}
	a.logger, err = config.NewLogger(os.Stderr, a.cfg.LogLevel, a.cfg.LogFormat)
	return err
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			s, err := server.New(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close())
			}()

			return s.Run(ctx)
		},
	}

	cmd.Flags().String("listen", "", "listen address")
	cmd.Flags().String("policy", "", "conflict resolution policy file (YAML)")
	return cmd
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and report schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd.Context(), a, func(store *sqlite.Storage) error {
				version, err := store.MigrationVersion()
				if err != nil {
					return fmt.Errorf("failed to read schema version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database %s at schema version %d\n", a.cfg.DBPath, version)
				return nil
			})
		},
	}
}

func newTokenCommand(a *app) *cobra.Command {
	var (
		subject string
		tenant  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a device",
		Long: `Выпускает JWT для handshake. Выдача токенов конечным пользователям
не входит в протокол синхронизации: команда для операторов и тестовых стендов.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, _, err := handlers.GenerateAccessToken(server.JWTConfig(a.cfg, ttl), subject, tenant)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject (user or device owner)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newConflictsCommand(a *app) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved conflicts of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStorage(cmd.Context(), a, func(store *sqlite.Storage) error {
				records, err := store.ListPendingConflicts(cmd.Context(), tenant)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No pending conflicts.")
					return nil
				}
				for _, c := range records {
					fmt.Fprintf(out, "%s  %s/%s  client v%d  authority v%d  detected %s\n",
						c.ConflictID, c.Operation.EntityType, c.Operation.EntityID,
						c.ClientVersion, c.ServerVersion, c.DetectedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// withStorage открывает базу authority на время fn
func withStorage(ctx context.Context, a *app, fn func(*sqlite.Storage) error) (err error) {
	store, err := sqlite.New(ctx, a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()
	return fn(store)
}
