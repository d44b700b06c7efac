package main

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newSourcesCommand(a *app) *cobra.Command {
	var (
		location string
		files    bool
	)
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the source descriptors, or match them against the source files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := a.catalogue()
			if err != nil {
				return err
			}
			table := tablewriter.NewTable(cmd.OutOrStdout())
			if !files {
				table.Header("Name", "Match", "Identity", "Semantics", "Family", "Table")
				for _, d := range cat.Sources {
					err := table.Append(d.Name, d.Match, string(d.Identity), d.Semantics.Kind(), string(d.Family), d.Family.Table())
					if err != nil {
						return err
					}
				}
				return table.Render()
			}

			ctx := cmd.Context()
			fetcher, err := a.fetcher(ctx, location)
			if err != nil {
				return err
			}
			names, err := fetcher.List(ctx)
			if err != nil {
				return err
			}
			table.Header("File", "Descriptor", "Family")
			for _, name := range names {
				row := []any{name, "-", "registry only"}
				if d, ok := cat.Lookup(name); ok {
					row = []any{name, d.Name, string(d.Family)}
				}
				if err := table.Append(row...); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&files, "files", false, "list the files at the source location and the descriptor each one matches")
	cmd.Flags().StringVar(&location, "source", "", "directory or s3://bucket/prefix, overrides SOURCE_DIR and SOURCE_URI")
	return cmd
}
