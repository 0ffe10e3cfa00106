package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/example/go-htrdata/internal/config"
	"github.com/example/go-htrdata/internal/corpus"
	"github.com/example/go-htrdata/internal/doctor"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check raw corpora, containers and output directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			result := doctor.Run(doctorConfig(cfg, all), out)

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Check every supported corpus instead of the configured one")

	return cmd
}

// doctorConfig lists the corpora to check and the containers they would be
// built into.
func doctorConfig(cfg config.Config, all bool) doctor.Config {
	names := []string{cfg.Corpus.Name}
	if all {
		names = corpus.Names()
	}

	dcfg := doctor.Config{OutputDir: cfg.Paths.OutputDir}
	for _, name := range names {
		dcfg.Corpora = append(dcfg.Corpora, doctor.CorpusCheck{
			Name:            name,
			Root:            filepath.Join(cfg.Paths.RawDir, name),
			CrossValidation: cfg.Corpus.CrossValidation,
		})
		dcfg.Containers = append(dcfg.Containers, cfg.ContainerPath(name))
	}

	return dcfg
}
