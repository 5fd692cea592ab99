package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/gemrelay/pkg/config"
	"github.com/lkarlslund/gemrelay/pkg/logutil"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "gemrelay",
	Short: "OpenAI-compatible relay for the Gemini API",
	Long:  "gemrelay serves the OpenAI chat completions API on top of a rotating pool of Gemini API keys.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config TOML path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json, logfmt); overrides the config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return logutil.Configure(logLevel, logFormat)
	}
}

// loadConfig reads the config file (if any), .env and the environment, then
// applies the log flags on top of the file settings. With create set a
// missing file is first written with defaults.
func loadConfig(cmd *cobra.Command, create bool) (*config.Config, error) {
	load := config.Load
	if create {
		load = config.LoadOrCreate
	}
	cfg, err := load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := logutil.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
