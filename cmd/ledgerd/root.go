package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgt/seed-ledger/config"
	"github.com/dgt/seed-ledger/documents"
	"github.com/dgt/seed-ledger/ledger"
	"github.com/dgt/seed-ledger/logger"
	"github.com/dgt/seed-ledger/masterdata"
	"github.com/dgt/seed-ledger/metrics"
	"github.com/dgt/seed-ledger/notify"
	"github.com/dgt/seed-ledger/store/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile string
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "Seed-lot warehouse ledger",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env", "", "path to an env file with LEDGER_* settings")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newPoolsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// app is the assembled service graph shared by every command.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	metrics  *metrics.Recorder
	services *ledger.Services
}

func (a *app) Close() error {
	err := a.store.Close()
	_ = a.log.Sync()
	return err
}

// buildApp loads configuration and wires the ledger over its collaborators.
func buildApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	catalog, err := masterdata.Load(cfg.MasterData.Path)
	if err != nil {
		return nil, err
	}
	settings := cfg.Settings()
	if tol, ok := catalog.PurityTolerance(); ok {
		settings.PurityTolerance = tol
	}

	st, err := sqlite.New(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.DBPath, err)
	}

	notifiers := notify.Multi{notify.NewLog(log)}
	if cfg.Notify.WebhookURL != "" {
		var whOpts []notify.WebhookOption
		if cfg.Notify.WebhookSecret != "" {
			whOpts = append(whOpts, notify.WithHeader("Authorization", "Bearer "+cfg.Notify.WebhookSecret))
		}
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, log, whOpts...))
	}

	var docs ledger.DocumentStore = documents.NewMemory()
	if cfg.Documents.Bucket != "" {
		s3, err := documents.NewS3(ctx, documents.S3Config{
			Bucket:    cfg.Documents.Bucket,
			Region:    cfg.Documents.Region,
			Endpoint:  cfg.Documents.Endpoint,
			PathStyle: cfg.Documents.PathStyle,
		}, log)
		if err != nil {
			return nil, errors.Join(err, st.Close())
		}
		docs = s3
	}

	rec := metrics.New()
	svc := ledger.New(ledger.Deps{
		Store:      st,
		MasterData: catalog,
		Notifier:   notifiers,
		Documents:  docs,
		Observer:   rec,
		Logger:     log,
		Settings:   settings,
	})

	log.Info("ledger configured",
		zap.String("db", cfg.Store.DBPath),
		zap.String("masterdata", cfg.MasterData.Path),
		zap.Strings("seed_types", catalog.Symbols()),
		zap.Bool("webhook", cfg.Notify.WebhookURL != ""),
		zap.Bool("s3", cfg.Documents.Bucket != ""))

	return &app{cfg: cfg, log: log, store: st, metrics: rec, services: svc}, nil
}
