// Package pool supervises a fixed set of browser workers and hands ready
// sessions to the dispatcher over a blocking channel.
package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/internal/config"
	"github.com/mkoval-dev/cloudbrowser/internal/endpoint"
	"github.com/mkoval-dev/cloudbrowser/internal/proxy"
)

// Pool is a bounded hand-off structure: workers publish themselves when they
// hold a healthy session, the dispatcher takes them and hands them back via
// Worker.OnResult. The pool does not own the workers; each worker republishes
// itself from its own loop.
type Pool struct {
	cfg      config.PoolConfig
	selector proxy.Selector
	alloc    *endpoint.Client
	logger   *zap.Logger

	workers chan *Worker

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a pool; Start brings the workers up.
func New(cfg config.PoolConfig, selector proxy.Selector, alloc *endpoint.Client, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		selector: selector,
		alloc:    alloc,
		logger:   logger.Named("pool"),
		workers:  make(chan *Worker, cfg.NumBrowsers),
	}
}

// Start launches one worker goroutine per slot. Subsequent calls are no-ops.
// Cancelling ctx shuts every worker down.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Info("starting workers", zap.Int("count", p.cfg.NumBrowsers))
		for i := 0; i < p.cfg.NumBrowsers; i++ {
			w := newWorker(i, p)
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.run(ctx)
			}()
		}
	})
}

// Take blocks until a ready worker is available. A worker whose last
// heartbeat failed is never handed out: it is recycled on the spot and the
// wait continues.
func (p *Pool) Take(ctx context.Context) (*Worker, error) {
	for {
		select {
		case w := <-p.workers:
			if w.Healthy() {
				return w, nil
			}
			p.logger.Debug("worker not ready, recycling", zap.Int("slot", w.slot))
			w.OnResult(nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait blocks until every worker loop has exited after the Start context was
// cancelled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) put(ctx context.Context, w *Worker) error {
	select {
	case p.workers <- w:
		p.logger.Debug("worker published", zap.Int("slot", w.slot), zap.Int("available", len(p.workers)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
