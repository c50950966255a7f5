package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/api/schemas"
	"github.com/mkoval-dev/cloudbrowser/internal/dispatch"
	"github.com/mkoval-dev/cloudbrowser/internal/endpoint"
	"github.com/mkoval-dev/cloudbrowser/internal/observability"
	"github.com/mkoval-dev/cloudbrowser/internal/pool"
	"github.com/mkoval-dev/cloudbrowser/internal/proxy"
)

var (
	fetchMethod     string
	fetchHeaders    []string
	fetchBody       string
	fetchOutput     string
	fetchScreenshot string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch one URL through a pooled remote browser session",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", "GET", "HTTP method")
	fetchCmd.Flags().StringArrayVarP(&fetchHeaders, "header", "H", nil, "request header, 'Name: value' (repeatable)")
	fetchCmd.Flags().StringVarP(&fetchBody, "data", "d", "", "request body")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "write the response body to a file instead of stdout")
	fetchCmd.Flags().StringVar(&fetchScreenshot, "screenshot", "", "also capture a screenshot to this path")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()

	if err := cfg.Pool.Validate(); err != nil {
		return err
	}

	headers, err := parseHeaderFlags(fetchHeaders)
	if err != nil {
		return err
	}

	selector, err := proxy.NewStatic(cfg.Pool.Proxies, cfg.Pool.ProxyOrdering)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alloc := endpoint.NewClient(cfg.Pool, logger)
	browserPool := pool.New(cfg.Pool, selector, alloc, logger)
	dispatcher := dispatch.New(ctx, cfg.Pool, browserPool, logger)

	req := &schemas.Request{
		URL:     args[0],
		Method:  fetchMethod,
		Headers: headers,
	}
	if fetchBody != "" {
		req.Body = []byte(fetchBody)
	}

	var opts []dispatch.SubmitOption
	if fetchScreenshot != "" {
		opts = append(opts, dispatch.WithScreenshot(fetchScreenshot))
	}

	resp, err := dispatcher.Submit(ctx, req, opts...)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}

	logger.Info("fetched",
		zap.String("url", resp.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(resp.Body)),
	)

	if fetchOutput != "" {
		return os.WriteFile(fetchOutput, resp.Body, 0o644)
	}
	_, err = os.Stdout.Write(resp.Body)
	return err
}

func parseHeaderFlags(raw []string) ([]schemas.HeaderEntry, error) {
	headers := make([]schemas.HeaderEntry, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q, want 'Name: value'", h)
		}
		headers = append(headers, schemas.HeaderEntry{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return headers, nil
}
