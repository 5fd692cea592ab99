package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/gemrelay/pkg/keypool"
	"github.com/lkarlslund/gemrelay/pkg/proxy"
)

var keysValidateTimeout time.Duration

func init() {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the configured Gemini API keys",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured keys (redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			pool, err := proxy.NewKeyPool(cfg)
			if err != nil {
				return err
			}
			printKeyStats(cmd.OutOrStdout(), pool.Stats())
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Probe every key against the Gemini API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			pool, err := proxy.NewKeyPool(cfg)
			if err != nil {
				return err
			}
			client := proxy.NewUpstreamClient(cfg, pool)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, keysValidateTimeout)
			defer cancel()

			res := pool.ValidateAll(ctx, client.Probe)
			out := cmd.OutOrStdout()
			printKeyStats(out, pool.Stats())
			fmt.Fprintf(out, "\n%d validated, %d failed, %d skipped of %d\n", res.Validated, res.Failed, res.Skipped, res.Total)
			if res.Validated == 0 {
				return fmt.Errorf("no usable keys")
			}
			return nil
		},
	}
	validateCmd.Flags().DurationVar(&keysValidateTimeout, "timeout", 2*time.Minute, "Give up after this long")

	keysCmd.AddCommand(listCmd, validateCmd)
	rootCmd.AddCommand(keysCmd)
}

func printKeyStats(w io.Writer, st keypool.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tERRORS\tLAST ERROR")
	for _, k := range st.Keys {
		status := "healthy"
		switch {
		case k.Permanent:
			status = "invalid"
		case !k.Healthy:
			status = "cooling down"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", k.ID, status, k.ConsecutiveErrors, k.LastError)
	}
	_ = tw.Flush()
}
