package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iudanet/edgesync/internal/client/iocli"
	"github.com/iudanet/edgesync/internal/config"
)

// RootOptions глобальные флаги клиента
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	TokenFile  string
}

// root состояние, общее для подкоманд
type root struct {
	io     iocli.IO
	opts   *RootOptions
	cfg    *config.Client
	logger *slog.Logger
}

// NewRootCommand создает корневую команду клиента
func NewRootCommand(io iocli.IO) *cobra.Command {
	r := &root{io: io, opts: &RootOptions{}}

	cmd := &cobra.Command{
		Use:   "edgesync",
		Short: "Offline-first edge client",
		Long: `edgesync ведет локальную копию сущностей тенанта, принимает изменения
без связи и синхронизирует их с authority при подключении.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: r.load,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&r.opts.ConfigFile, "config", "", "path to YAML config file")
	pf.StringVar(&r.opts.EnvFile, "env-file", ".env", "path to .env file")
	pf.StringVar(&r.opts.TokenFile, "token-file", "", "file with access token")
	pf.String("server", "", "authority URL")
	pf.String("db", "", "path to local database")
	pf.String("tenant", "", "tenant id")
	pf.String("log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newCreateCommand(r),
		newUpdateCommand(r),
		newDeleteCommand(r),
		newListCommand(r),
		newShowCommand(r),
		newStatusCommand(r),
		newConflictsCommand(r),
		newPurgeCommand(r),
		newSyncCommand(r),
		newResolveCommand(r),
		newWatchCommand(r),
	)

	return cmd
}

// load читает конфигурацию: значения по умолчанию, файл, .env и окружение, флаги
func (r *root) load(cmd *cobra.Command, _ []string) error {
	if err := config.LoadEnvFile(r.opts.EnvFile); err != nil {
		return err
	}
	v, err := config.NewViper(r.opts.ConfigFile, config.ClientDefaults())
	if err != nil {
		return err
	}

	err = config.BindFlags(v, cmd.Flags(), map[string]string{
		config.KeyServerURL:    "server",
		config.KeyClientDBPath: "db",
		config.KeyTenantID:     "tenant",
		config.KeyLogLevel:     "log-level",
	})
	if err != nil {
		return err
	}

	r.cfg, err = config.LoadClient(v)
	if err != nil {
		return err
	}
	r.logger, err = config.NewLogger(os.Stderr, r.cfg.LogLevel, "text")
	return err
}

// run открывает приложение на время одной команды
func (r *root) run(fn func(ctx context.Context, app *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, err := Open(cmd.Context(), r.cfg, r.io, r.logger)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, app.Close())
		}()
		return fn(cmd.Context(), app, args)
	}
}
