// Package dispatch is the inbound boundary: one Submit call per crawl
// request, mapped onto pool take → page request → worker release.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/api/schemas"
	"github.com/mkoval-dev/cloudbrowser/internal/config"
	"github.com/mkoval-dev/cloudbrowser/internal/pool"
)

// Dispatcher serves submitted requests from the browser pool. Internal
// session churn (reconnects, recycling) never surfaces here: a caller sees
// either a response or the error of its own request.
type Dispatcher struct {
	cfg    config.PoolConfig
	pool   *pool.Pool
	logger *zap.Logger

	startOnce sync.Once
	startCtx  context.Context
}

// New builds a dispatcher over a not-yet-started pool. Workers start lazily
// on the first Submit, bound to runCtx.
func New(runCtx context.Context, cfg config.PoolConfig, p *pool.Pool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		pool:     p,
		logger:   logger.Named("dispatch"),
		startCtx: runCtx,
	}
}

type submitOptions struct {
	screenshotPath string
}

// SubmitOption customizes one Submit call.
type SubmitOption func(*submitOptions)

// WithScreenshot captures a screenshot of the page to path after the
// response resolves, before the page is closed.
func WithScreenshot(path string) SubmitOption {
	return func(o *submitOptions) { o.screenshotPath = path }
}

// Submit drives one request through a pooled browser session and returns the
// reconstructed response.
func (d *Dispatcher) Submit(ctx context.Context, req *schemas.Request, opts ...SubmitOption) (*schemas.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d.startOnce.Do(func() { d.pool.Start(d.startCtx) })

	var options submitOptions
	for _, opt := range opts {
		opt(&options)
	}

	worker, err := d.pool.Take(ctx)
	if err != nil {
		return nil, err
	}

	var resp *schemas.Response
	// The worker always hears about the outcome, success or not, so it can
	// decide between recycling and republishing.
	defer func() { worker.OnResult(resp) }()

	resp, err = d.serve(ctx, worker, req, options)
	if err != nil {
		resp = nil
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) serve(ctx context.Context, worker *pool.Worker, req *schemas.Request, options submitOptions) (*schemas.Response, error) {
	page, err := worker.NewPage(ctx)
	if err != nil {
		return nil, err
	}

	reqCtx := ctx
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := page.Request(reqCtx, req)

	if err == nil && options.screenshotPath != "" {
		if shotErr := page.Screenshot(reqCtx, options.screenshotPath); shotErr != nil {
			d.logger.Warn("screenshot failed", zap.Error(shotErr))
		}
	}

	// Close regardless of the request outcome; the drain logic inside the
	// page keeps this ordered after an in-flight request.
	closeCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ConnectTimeout)
	defer cancel()
	if closeErr := page.Close(closeCtx); closeErr != nil {
		d.logger.Debug("page close failed", zap.Error(closeErr))
	}

	if err != nil {
		return nil, err
	}

	// The browser already decoded the body; a stale Content-Encoding header
	// would only mislead downstream consumers.
	resp.Headers = stripHeader(resp.Headers, "Content-Encoding")
	return resp, nil
}

func stripHeader(headers []schemas.HeaderEntry, name string) []schemas.HeaderEntry {
	out := headers[:0]
	for _, h := range headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}
