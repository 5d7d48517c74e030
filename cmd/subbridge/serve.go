package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/subbridge/internal/config"
	"github.com/John-Robertt/subbridge/internal/fetch"
	"github.com/John-Robertt/subbridge/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve [url]",
	Short: "抓取订阅并启动本地服务（默认命令）",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	rawURL, err := subscriptionURL(args, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, serveParams{
		cfg:    cfg,
		logger: logger,
		rawURL: rawURL,
		fetchOpt: fetch.Options{
			MaxBytes: cfg.Fetch.MaxBytes,
			Logger:   logger,
		},
		httpOpt: httpapi.Options{
			Compress: cfg.Server.Compress,
			Logger:   logger,
		},
		out: cmd.OutOrStdout(),
	})
}

// subscriptionURL returns args[0], or prompts on in/out when no argument
// was given.
func subscriptionURL(args []string, in io.Reader, out io.Writer) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	fmt.Fprint(out, "输入订阅 URL: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read url: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("未提供订阅 URL")
	}
	return line, nil
}

type serveParams struct {
	cfg    config.Config
	logger *slog.Logger
	rawURL string
	out    io.Writer

	fetchOpt fetch.Options
	httpOpt  httpapi.Options

	// ready is called with the bound address once the listener is open.
	ready func(addr string)
}

// serve fetches the subscription, then serves it until ctx is done. Nothing
// listens unless the fetch succeeded.
func serve(ctx context.Context, p serveParams) error {
	fmt.Fprintf(p.out, "正在下载订阅: %s\n", p.rawURL)
	doc, err := fetch.New(p.fetchOpt).Fetch(ctx, p.rawURL)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	p.logger.Info("subscription fetched", "url", doc.URL, "bytes", len(doc.Body), "proxies", doc.ProxyCount)

	addr := p.httpOpt.Addr
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	p.httpOpt.Addr = ln.Addr().String()

	srv := &http.Server{
		Handler:           httpapi.NewHandler(doc, p.httpOpt),
		ReadHeaderTimeout: p.cfg.Server.ReadHeaderTimeout,
	}

	fmt.Fprintf(p.out, "订阅抓取成功，服务启动中 …  url: %s\n", p.httpOpt.DocumentURL())
	p.logger.Info("listening", "addr", p.httpOpt.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	if p.ready != nil {
		p.ready(p.httpOpt.Addr)
	}

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			p.logger.Warn("graceful shutdown failed", "err", err)
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
