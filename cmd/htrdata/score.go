package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/example/go-htrdata/internal/metrics"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/results"
	"github.com/spf13/cobra"
)

type scoreReport struct {
	File    string         `json:"file"`
	Lines   int            `json:"lines"`
	Scores  metrics.Scores `json:"scores"`
	Summary *results.Stats `json:"summary,omitempty"`
}

func newScoreCmd() *cobra.Command {
	var (
		part       string
		normAccent bool
		normPunct  bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "score [results.json]",
		Short: "Score an evaluation file with CER, WER and SER",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if !partition.IsKnown(part) {
				return fmt.Errorf("unknown partition %q", part)
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			var (
				records []results.Record
				path    string
			)
			if len(args) == 1 {
				path = args[0]
				records, err = results.Load(path)
			} else {
				records, path, err = results.LoadLatest(results.Dir(cfg.Paths.EvaluationDir, cfg.Corpus.Name, part))
			}
			if err != nil {
				return err
			}

			report := scoreReport{
				File:   path,
				Lines:  len(records),
				Scores: results.Score(records, metrics.Options{NormAccent: normAccent, NormPunct: normPunct}),
			}
			if st, ok := results.Summarize(records); ok {
				report.Summary = &st
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "file\t%s\n", report.File)
			_, _ = fmt.Fprintf(tw, "lines\t%d\n", report.Lines)
			_, _ = fmt.Fprintf(tw, "CER\t%.4f\n", report.Scores.CER)
			_, _ = fmt.Fprintf(tw, "WER\t%.4f\n", report.Scores.WER)
			_, _ = fmt.Fprintf(tw, "SER\t%.4f\n", report.Scores.SER)
			if report.Summary != nil {
				_, _ = fmt.Fprintf(tw, "recorded cer\tavg %.4f  min %.4f  max %.4f\n",
					report.Summary.Average, report.Summary.Min, report.Summary.Max)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&part, "partition", partition.Test, "Partition whose latest evaluation file is scored")
	cmd.Flags().BoolVar(&normAccent, "norm-accent", false, "Strip accents before scoring")
	cmd.Flags().BoolVar(&normPunct, "norm-punct", false, "Remove punctuation before scoring")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}
