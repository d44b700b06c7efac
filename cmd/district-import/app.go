package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kiel-opendata/district-import/internal/config"
	"github.com/kiel-opendata/district-import/internal/logging"
	"github.com/kiel-opendata/district-import/internal/pipeline"
	"github.com/kiel-opendata/district-import/internal/source"
	"github.com/kiel-opendata/district-import/internal/store"
	"github.com/kiel-opendata/district-import/internal/store/postgres"
	"github.com/kiel-opendata/district-import/internal/store/sqlite"
)

// app carries what every command needs once flags are parsed.
type app struct {
	envFiles []string
	logLevel string

	cfg *config.Config
	log *logrus.Logger
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "district-import",
		Short: "Load district open data exports into a normalized schema",
		Long: `district-import reads the Stadtteil CSV exports of a city, builds a
registry of districts with stable ids and loads every demographic
breakdown into long-format fact tables.

Configuration comes from the environment, seeded from .env files.`,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", config.DefaultEnvFiles, "env files to load when present, later files win")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "overrides LOG_LEVEL")

	root.AddCommand(
		newImportCommand(a),
		newCoordinatesCommand(a),
		newExportCommand(a),
		newSourcesCommand(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) backoff() pipeline.Backoff {
	return pipeline.Backoff{
		Attempts: a.cfg.Connect.Attempts,
		Initial:  a.cfg.Connect.Backoff,
		Max:      a.cfg.Connect.BackoffMax,
	}
}

// opener returns the store constructor for the configured driver.
func (a *app) opener() pipeline.Opener {
	if a.cfg.Store.Driver == config.DriverSQLite {
		path := a.cfg.Store.SQLitePath
		return func(context.Context) (store.Store, error) {
			s, err := sqlite.Open(path)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	db := a.cfg.Database
	opts := postgres.Options{Schema: db.Schema, Log: a.log, MaxOpenConns: db.MaxOpenConns}
	return func(ctx context.Context) (store.Store, error) {
		s, err := postgres.Open(ctx, db.DSN(), opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func (a *app) storeName() string {
	if a.cfg.Store.Driver == config.DriverSQLite {
		return "sqlite:" + a.cfg.Store.SQLitePath
	}
	return "postgres:" + a.cfg.Database.Redacted()
}

// connect opens the store with the configured retry policy.
func (a *app) connect(ctx context.Context) (store.Store, error) {
	a.log.WithField("store", a.storeName()).Debug("connecting")
	return pipeline.Connect(ctx, a.opener(), a.backoff(), a.log, nil)
}

// catalogue returns SOURCES_FILE when set and the built-in Kiel catalogue
// with SOURCE_DELIMITER otherwise.
func (a *app) catalogue() (*source.Catalogue, error) {
	if path := a.cfg.Sources.CatalogueFile; path != "" {
		cat, err := source.LoadCatalogue(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return cat, nil
	}
	cat := source.DefaultCatalogue()
	d, err := a.cfg.Sources.DelimiterRune()
	if err != nil {
		return nil, err
	}
	cat.Delimiter = d
	return cat, nil
}

func (a *app) fetcher(ctx context.Context, location string) (source.Fetcher, error) {
	if location == "" {
		location = a.cfg.Sources.Location()
	}
	return source.NewFetcher(ctx, location, source.S3Config{
		Region:    a.cfg.Sources.S3Region,
		Endpoint:  a.cfg.Sources.S3Endpoint,
		PathStyle: a.cfg.Sources.S3PathStyle,
	})
}

func closeStore(st store.Store, log logrus.FieldLogger) {
	if err := st.Close(); err != nil {
		log.WithError(err).Warn("close store")
	}
}
