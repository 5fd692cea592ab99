package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/gemrelay/pkg/proxy"
	"github.com/lkarlslund/gemrelay/pkg/upstream"
)

func init() {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the chat models the configured keys can reach",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			pool, err := proxy.NewKeyPool(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Upstream.Timeout.Std())
			defer cancel()
			models, err := proxy.NewUpstreamClient(cfg, pool).ListModels(ctx)
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, m := range models {
				fmt.Fprintln(out, m)
				fmt.Fprintln(out, m+upstream.SearchSuffix)
			}
			return nil
		},
	}
	rootCmd.AddCommand(modelsCmd)
}
