package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/kiel-opendata/district-import/internal/loader"
	"github.com/kiel-opendata/district-import/internal/metrics"
	"github.com/kiel-opendata/district-import/internal/pipeline"
)

func newImportCommand(a *app) *cobra.Command {
	var (
		location string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Reset the schema and load every source",
		Long: `import drops and recreates the district and fact tables, then reads
every CSV at the source location, commits the district registry and
loads each source it has a descriptor for. Running it twice on the same
files leaves the tables unchanged.

The run summary is printed to stdout and recorded in import_runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			fetcher, err := a.fetcher(ctx, location)
			if err != nil {
				return err
			}
			cat, err := a.catalogue()
			if err != nil {
				return err
			}

			m := metrics.New()
			p := pipeline.New(pipeline.Options{
				Fetcher:         fetcher,
				Catalogue:       cat,
				Open:            a.opener(),
				Backoff:         a.backoff(),
				ReadConcurrency: a.cfg.Sources.Concurrency,
				Load: loader.Options{
					BatchSize:        a.cfg.Load.BatchSize,
					BatchesPerSecond: a.cfg.Load.BatchesPerSecond,
				},
				RejectThreshold:        a.cfg.Run.RejectThreshold,
				IdentityConflictsFatal: a.cfg.Run.IdentityConflictsFatal,
				LockKey:                a.cfg.Run.LockKey,
				Log:                    a.log,
				Metrics:                m,
			})
			a.log.WithField("source", fetcher.String()).WithField("store", a.storeName()).Info("starting import")

			sum, runErr := p.Run(ctx)
			out := cmd.OutOrStdout()
			var writeErr error
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				writeErr = enc.Encode(sum)
			} else {
				writeErr = sum.Write(out)
			}
			if path := a.cfg.Run.MetricsTextfile; path != "" {
				if err := m.WriteTextfile(path); err != nil {
					a.log.WithError(err).WithField("path", path).Warn("could not write metrics textfile")
				}
			}
			return errors.Join(runErr, writeErr)
		},
	}
	cmd.Flags().StringVar(&location, "source", "", "directory or s3://bucket/prefix, overrides SOURCE_DIR and SOURCE_URI")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}
