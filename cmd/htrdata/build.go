package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/go-htrdata/internal/config"
	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/corpus"
	"github.com/example/go-htrdata/internal/imageproc"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/spf13/cobra"
)

func newBuildCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build [corpus]",
		Short: "Parse a raw corpus and write its container",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Corpus.Name = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, dest, err := buildContainer(ctx, cfg, force, slog.Default())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Skipped {
				_, err = fmt.Fprintf(out, "%s is up to date\n", dest)
				return err
			}

			_, _ = fmt.Fprintf(out, "wrote %s in %s\n", dest, res.Duration.Round(time.Millisecond))
			for _, name := range partition.Names {
				_, _ = fmt.Fprintf(out, "  %-10s %d\n", name, res.Rows[name])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even if the container matches the corpus")

	return cmd
}

// buildContainer runs the corpus adapter, derives the partitions and saves
// the container under the configured output directory.
func buildContainer(ctx context.Context, cfg config.Config, force bool, log *slog.Logger) (container.SaveResult, string, error) {
	adapter, err := corpus.New(cfg.Corpus.Name, corpus.Options{
		Logger:          log,
		CrossValidation: cfg.Corpus.CrossValidation,
	})
	if err != nil {
		return container.SaveResult{}, "", err
	}

	root := filepath.Join(cfg.Paths.RawDir, adapter.Name())
	dest := cfg.ContainerPath(adapter.Name())

	split, err := adapter.Parse(root)
	if err != nil {
		return container.SaveResult{}, dest, err
	}

	if force {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return container.SaveResult{}, dest, fmt.Errorf("remove %s: %w", dest, err)
		}
	}

	res, err := container.Save(ctx, partition.Build(split), dest, container.SaveOptions{
		ImageSize:     imageproc.Size{Height: cfg.Image.Height, Width: cfg.Image.Width},
		MaxTextLength: cfg.Text.MaxLength,
		FullImagePath: adapter.ImageDir(root),
		BatchSize:     cfg.Save.BatchSize,
		Workers:       cfg.Save.Workers,
		Logger:        log.With("corpus", adapter.Name()),
	})

	return res, dest, err
}
