package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/gemrelay/pkg/config"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
	"github.com/lkarlslund/gemrelay/pkg/proxy"
	"github.com/lkarlslund/gemrelay/pkg/version"
)

var (
	serveListenAddrOverride string
	serveNoWatch            bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath == config.DefaultPath())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if len(cfg.Keys) == 0 {
				return fmt.Errorf("no Gemini API keys configured; set %s or add keys to %s", config.EnvKeys, configPath)
			}
			logutil.New("main").Info("starting", "version", version.String(), "keys", len(cfg.Keys), "config", configPath)

			var opts []proxy.Option
			if !serveNoWatch {
				opts = append(opts, proxy.WithConfigPath(configPath))
			}
			srv, err := proxy.NewServer(cfg, opts...)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config file when it changes")
	rootCmd.AddCommand(serveCmd)
}
