package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/subbridge/internal/httpapi"
)

var (
	healthcheckAddr    string
	healthcheckTimeout time.Duration
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "探测本地服务的 /healthz（用于容器健康检查）",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := deriveHealthzURL(healthcheckAddr)
		if err != nil {
			return err
		}
		return runHealthcheck(u, healthcheckTimeout)
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthcheckAddr, "addr", httpapi.DefaultAddr, "服务监听地址（host:port、:port、port 或 http URL）")
	healthcheckCmd.Flags().DurationVar(&healthcheckTimeout, "timeout", 3*time.Second, "探测超时")
	rootCmd.AddCommand(healthcheckCmd)
}

// deriveHealthzURL turns a listen address into a URL for /healthz. Wildcard
// and empty hosts are probed on loopback.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return "", fmt.Errorf("empty listen address")
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid listen address %q: missing port", listen)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
