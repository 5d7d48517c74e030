package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/subbridge/internal/config"
	"github.com/John-Robertt/subbridge/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "subbridge [url]",
	Short: "抓取一次 Clash 订阅并在本地固定地址提供",
	Long: `subbridge downloads a Clash subscription once, checks that it is a YAML
mapping with a proxies key, and serves the exact bytes at
http://127.0.0.1:18518/sub.yaml until the process exits.

The URL is taken from the first argument, or read from stdin when omitted.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径（toml/yaml/json，可选）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别：debug/info/warn/error（覆盖配置文件）")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "subbridge: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime resolves config with precedence: --log-level flag >
// SUBBRIDGE_* env > config file > defaults.
func loadRuntime() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, nil, err
		}
	}
	return cfg, logging.New(os.Stderr, cfg.Log), nil
}
