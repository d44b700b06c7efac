package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiel-opendata/district-import/internal/coords"
)

func newCoordinatesCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "coordinates",
		Short: "Set district centre coordinates",
		Long: `coordinates writes latitude and longitude onto the stored districts,
keyed by district id. The table is read from --file or COORDINATES_FILE
(a YAML list of district_id, name, lat, lon) and defaults to the built-in
Kiel district centres. Districts without an entry are reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if file == "" {
				file = a.cfg.Run.CoordinatesFile
			}
			table := coords.Kiel
			if file != "" {
				var err error
				if table, err = coords.LoadTable(file); err != nil {
					return err
				}
			}

			st, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st, a.log)

			res, err := coords.Apply(ctx, st, table, a.log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "updated %d districts\n", len(res.Updated))
			for _, d := range res.Missing {
				fmt.Fprintf(out, "missing %d %s\n", d.ID, d.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML coordinate table")
	return cmd
}
