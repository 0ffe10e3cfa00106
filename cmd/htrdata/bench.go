package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/example/go-htrdata/internal/bench"
	"github.com/example/go-htrdata/internal/config"
	"github.com/example/go-htrdata/internal/generator"
	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		split      string
		runs       int
		steps      int
		format     string
		minRate    float64
		cpuprofile string
	)

	cmd := &cobra.Command{
		Use:   "bench [container]",
		Short: "Benchmark generator batch throughput",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			sp, err := parseSplit(split)
			if err != nil {
				return err
			}

			path := cfg.ContainerPath(cfg.Corpus.Name)
			if len(args) == 1 {
				path = args[0]
			}

			gen, err := generator.Open(path, generatorOptions(cfg))
			if err != nil {
				return err
			}
			defer gen.Close()

			if steps == 0 {
				steps = gen.Steps(sp)
			}

			if cpuprofile != "" {
				f, err := os.Create(cpuprofile)
				if err != nil {
					return err
				}
				defer f.Close()

				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
				defer pprof.StopCPUProfile()
			}

			results, err := runBench(gen, sp, runs, steps)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				bench.FormatJSON(results, stats, out)
			default:
				bench.FormatTable(results, stats, out)
			}

			return bench.CheckThroughputThreshold(bench.MeanThroughput(results), minRate)
		},
	}

	cmd.Flags().StringVar(&split, "split", string(generator.Train), "Split to iterate: train|valid|test")
	cmd.Flags().IntVar(&runs, "runs", 3, "Number of passes")
	cmd.Flags().IntVar(&steps, "steps", 0, "Batches per pass (0 = one epoch)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&minRate, "min-rows-per-sec", 0, "Exit non-zero if mean throughput is below this value (0 = disabled)")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "Write a CPU profile to this file")

	return cmd
}

// generatorOptions maps the loaded configuration onto generator options.
func generatorOptions(cfg config.Config) generator.Options {
	opts := generator.DefaultOptions()
	opts.BatchSize = cfg.Generator.BatchSize
	opts.MaxTextLength = cfg.Text.MaxLength
	opts.TrainPartition = cfg.Generator.TrainPartition
	opts.Stream = cfg.Generator.Stream
	opts.Seed = cfg.Generator.Seed
	if cfg.Text.Charset != "" {
		opts.Charset = cfg.Text.Charset
	}
	if !cfg.Generator.Augment {
		opts.Jitter = imageproc.Jitter{}
	}
	return opts
}

func parseSplit(s string) (generator.Split, error) {
	switch sp := generator.Split(s); sp {
	case generator.Train, generator.Valid, generator.Test:
		return sp, nil
	default:
		return "", errors.New("--split must be 'train', 'valid' or 'test'")
	}
}

func runBench(gen *generator.Generator, split generator.Split, runs, steps int) ([]bench.RunResult, error) {
	open := gen.Train
	switch split {
	case generator.Valid:
		open = gen.Valid
	case generator.Test:
		open = gen.Test
	}

	return bench.Measure(runs, steps, func() bench.StepFunc {
		it := open()
		return func() (int, error) {
			b, err := it.Next()
			return b.Size, err
		}
	})
}
