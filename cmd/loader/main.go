// Command loader replaces the contents of the field-operations tables with the
// CSV files in the data directory, atomically.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/seedloader/internal/config"
	"github.com/JonMunkholm/seedloader/internal/csvrows"
	"github.com/JonMunkholm/seedloader/internal/logging"
	"github.com/JonMunkholm/seedloader/internal/pipeline"
	"github.com/JonMunkholm/seedloader/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		connect: connectPostgres,
	}
	os.Exit(a.execute(ctx, os.Args[1:]))
}

func connectPostgres(ctx context.Context, connString string) (store.Store, error) {
	return store.Connect(ctx, connString)
}

// app carries the command's outputs and its store factory.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	connect func(ctx context.Context, connString string) (store.Store, error)
}

type flags struct {
	envFile   string
	dataDir   string
	batchSize int
	resetMode string
}

// execute runs the root command and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	cmd := a.newRootCmd()
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var missing *csvrows.MissingSourceError
	if errors.As(err, &missing) {
		fmt.Fprintln(a.stderr, missing.Error())
		return 1
	}

	attrs := []any{"error", err}
	if store.IsKnown(err) {
		attrs = append(attrs, "hint", store.Explain(err).String())
	}
	slog.Error("data load failed", attrs...)
	return 1
}

func (a *app) newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Replace the field-operations tables with the CSV files in the data directory",
		Long: `loader truncates every field-operations table and reloads it from
<data-dir>/<table>.csv inside a single transaction. Either every table is
replaced or the database is left exactly as it was.

Database settings are read from the environment (DB_NAME, DB_USER,
DB_PASSWORD, DB_HOST, DB_PORT) merged with an optional .env file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, f)
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.Flags().StringVar(&f.envFile, "env-file", "", "KEY=VALUE file merged into the environment (default .env)")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "directory holding the source CSV files")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "rows sent per round-trip")
	cmd.Flags().StringVar(&f.resetMode, "reset-mode", "", "how tables are cleared: cascade or sequential")

	return cmd
}

func (a *app) run(cmd *cobra.Command, f flags) error {
	ctx := cmd.Context()

	// stderr until the configured logger is ready
	logging.Setup(a.stderr, "info", "text")

	cfg, err := config.Load(f.envFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Loader.DataDir = f.dataDir
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Loader.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("reset-mode") {
		cfg.Loader.ResetMode = f.resetMode
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(a.stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	mode, err := store.ParseResetMode(cfg.Loader.ResetMode)
	if err != nil {
		return err
	}

	s, err := a.connect(ctx, cfg.Database.ConnString())
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	slog.Info("connected to database",
		"url", cfg.Database.URL(),
		"data_dir", cfg.Loader.DataDir,
		"reset_mode", string(mode),
		"batch_size", cfg.Loader.BatchSize,
	)

	p := pipeline.New(s, pipeline.Options{
		DataDir:   cfg.Loader.DataDir,
		BatchSize: cfg.Loader.BatchSize,
		ResetMode: mode,
		Observer: func(pr pipeline.Progress) {
			if pr.Done {
				fmt.Fprintln(a.stdout, "Data load complete.")
				return
			}
			fmt.Fprintf(a.stdout, "Loaded %d rows into %s\n", pr.Rows, pr.Table)
		},
	})

	_, err = p.Run(ctx)
	return err
}
