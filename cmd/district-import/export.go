package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kiel-opendata/district-import/internal/coords"
	"github.com/kiel-opendata/district-import/internal/model"
)

func newExportCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-districts",
		Short: "Write the district registry as a semicolon-delimited file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeStore(st, a.log)

			districts, err := st.Districts(ctx)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return coords.Export(cmd.OutOrStdout(), districts)
			}
			return exportFile(output, districts)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, stdout when empty")
	return cmd
}

func exportFile(path string, districts []model.District) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return coords.Export(f, districts)
}
