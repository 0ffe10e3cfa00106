package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/example/go-htrdata/internal/container"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var (
		part  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "inspect [container]",
		Short: "Print the partitions of a container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			path := cfg.ContainerPath(cfg.Corpus.Name)
			if len(args) == 1 {
				path = args[0]
			}

			r, err := container.Open(path)
			if err != nil {
				return err
			}
			defer r.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			size := r.ImageSize()
			_, _ = fmt.Fprintf(tw, "container\t%s\n", r.Path())
			_, _ = fmt.Fprintf(tw, "images\t%s\n", r.FullImagePath())
			_, _ = fmt.Fprintf(tw, "size\t%dx%d\n", size.Width, size.Height)

			for _, name := range r.Partitions() {
				n, _ := r.Len(name)
				_, _ = fmt.Fprintf(tw, "%s\t%d\n", name, n)
			}

			if part != "" {
				rows, err := r.Rows(part, 0, limit)
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintln(tw)
				for i := range rows.Len() {
					_, _ = fmt.Fprintf(tw, "%s\t%s\n", rows.Paths[i], rows.GroundTruth[i])
				}
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&part, "partition", "", "Also list rows of this partition")
	cmd.Flags().IntVar(&limit, "limit", 10, "Rows to list with --partition")

	return cmd
}
