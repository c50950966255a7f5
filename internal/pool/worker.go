package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/api/schemas"
	"github.com/mkoval-dev/cloudbrowser/internal/browser"
	"github.com/mkoval-dev/cloudbrowser/internal/config"
	"github.com/mkoval-dev/cloudbrowser/internal/endpoint"
	"github.com/mkoval-dev/cloudbrowser/internal/protocol"
	"github.com/mkoval-dev/cloudbrowser/internal/proxy"
)

// settleDelay gives a freshly allocated browser a moment to finish booting
// before the websocket dial.
const settleDelay = 500 * time.Millisecond

// retryDelay spaces out reconnect attempts after a failed worker loop
// iteration.
const retryDelay = time.Second

// probeTimeout bounds the liveness probes issued outside a request context.
const probeTimeout = 10 * time.Second

// Worker owns one pool slot: it acquires a browser session, health-checks
// it, publishes itself to the pool, and recycles the session on failure,
// server errors, or page-quota exhaustion. A worker never stops on error;
// only pool shutdown ends its loop.
type Worker struct {
	slot     int
	id       uuid.UUID
	cfg      config.PoolConfig
	pool     *Pool
	selector proxy.Selector
	alloc    *endpoint.Client
	logger   *zap.Logger

	mu        sync.Mutex
	browser   *browser.Browser
	pagesLeft int

	lastHeartbeat atomic.Bool
	wake          chan struct{}
}

func newWorker(slot int, p *Pool) *Worker {
	id := uuid.New()
	return &Worker{
		slot:     slot,
		id:       id,
		cfg:      p.cfg,
		pool:     p,
		selector: p.selector,
		alloc:    p.alloc,
		logger: p.logger.Named("worker").With(
			zap.Int("slot", slot),
			zap.String("worker_id", id.String()),
		),
		wake: make(chan struct{}, 1),
	}
}

// run is the supervision loop. Every failure discards the session and starts
// over; the loop exits only when ctx is cancelled.
func (w *Worker) run(ctx context.Context) {
	w.logger.Debug("worker started")
	go w.heartbeat(ctx)

	for ctx.Err() == nil {
		if err := w.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("worker loop error, recycling session", zap.Error(err))
			w.discardSession()
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
			}
		}
	}

	w.discardSession()
	w.logger.Debug("worker stopped")
}

// step performs one cycle: connect if needed, verify, publish, wait to be
// reclaimed and released.
func (w *Worker) step(ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}
	if err := w.checkConnection(ctx); err != nil {
		return err
	}
	if err := w.pool.put(ctx, w); err != nil {
		return err
	}
	// Wait only after we published ourselves: the dispatcher signals the
	// wake channel through OnResult when it is done with us.
	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect acquires a session if the worker has none: proxy selection,
// endpoint allocation, websocket dial, façade construction.
func (w *Worker) connect(ctx context.Context) error {
	w.mu.Lock()
	established := w.browser != nil
	w.mu.Unlock()
	if established {
		return nil
	}

	proxyURL, err := w.selector.Get(ctx)
	if err != nil {
		return fmt.Errorf("select proxy: %w", err)
	}

	wsURL, err := w.alloc.Allocate(ctx, proxyURL)
	if err != nil {
		return fmt.Errorf("allocate endpoint: %w", err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()
	conn, err := protocol.Dial(dialCtx, wsURL, w.logger)
	if err != nil {
		return fmt.Errorf("dial browser: %w", err)
	}

	b := browser.NewBrowser(conn, w.logger)

	w.mu.Lock()
	w.browser = b
	w.pagesLeft = w.cfg.PagesPerBrowser
	w.mu.Unlock()
	w.lastHeartbeat.Store(true)

	w.logger.Debug("session established", zap.String("proxy", proxyURL))
	return nil
}

// checkConnection probes the session before publishing it.
func (w *Worker) checkConnection(ctx context.Context) error {
	b := w.session()
	if b == nil {
		return fmt.Errorf("no session to check")
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := b.Ping(probeCtx); err != nil {
		return fmt.Errorf("browser is not connected: %w", err)
	}
	return nil
}

// heartbeat pings the session on a fixed interval and records the outcome.
// The pool refuses to hand out a worker whose last heartbeat failed.
func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		b := w.session()
		if b == nil {
			w.lastHeartbeat.Store(false)
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := b.Ping(probeCtx)
		cancel()
		if err != nil {
			w.logger.Debug("heartbeat ping failed", zap.Error(err))
		}
		w.lastHeartbeat.Store(err == nil)
	}
}

// Healthy reports the outcome of the most recent liveness probe.
func (w *Worker) Healthy() bool {
	return w.lastHeartbeat.Load()
}

// NewPage opens a tab on the worker's session.
func (w *Worker) NewPage(ctx context.Context) (*browser.Page, error) {
	b := w.session()
	if b == nil {
		return nil, fmt.Errorf("worker %d has no live session", w.slot)
	}
	return b.NewPage(ctx)
}

// OnResult reports the outcome of one served page back to the worker. A nil
// response, a server-error status, or an exhausted page quota discards the
// session; either way the worker is released back into its loop.
func (w *Worker) OnResult(resp *schemas.Response) {
	if resp == nil || resp.StatusCode > 499 {
		w.discardSession()
	}

	if w.cfg.PagesPerBrowser > 0 {
		w.mu.Lock()
		w.pagesLeft--
		exhausted := w.pagesLeft <= 0 && w.browser != nil
		w.mu.Unlock()
		if exhausted {
			w.logger.Debug("page quota exhausted")
			w.discardSession()
		}
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) session() *browser.Browser {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.browser
}

// discardSession drops the current session, closing the remote browser
// best-effort. Idempotent.
func (w *Worker) discardSession() {
	w.mu.Lock()
	b := w.browser
	w.browser = nil
	w.mu.Unlock()
	w.lastHeartbeat.Store(false)
	if b == nil {
		return
	}
	w.logger.Warn("closing browser session")
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	b.Close(ctx)
}
