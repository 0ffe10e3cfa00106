package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-htrdata/internal/server"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the dataset server health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if wait {
				err = server.WaitHealthy(ctx, addr, 250*time.Millisecond)
			} else {
				err = server.ProbeHTTP(ctx, addr)
			}
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", addr)
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP server address to probe (default: server listen address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up after this long")
	cmd.Flags().BoolVar(&wait, "wait", false, "Retry until the server answers or the timeout expires")

	return cmd
}
