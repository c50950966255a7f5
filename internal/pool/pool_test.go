package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkoval-dev/cloudbrowser/api/schemas"
	"github.com/mkoval-dev/cloudbrowser/internal/cdptest"
	"github.com/mkoval-dev/cloudbrowser/internal/config"
	"github.com/mkoval-dev/cloudbrowser/internal/endpoint"
	"github.com/mkoval-dev/cloudbrowser/internal/pool"
	"github.com/mkoval-dev/cloudbrowser/internal/proxy"
)

func testConfig(srv *cdptest.Server) config.PoolConfig {
	return config.PoolConfig{
		APIHost:           srv.URL(),
		APIToken:          "test-token",
		NumBrowsers:       1,
		PagesPerBrowser:   0,
		StartConcurrency:  4,
		Proxies:           []string{"p1", "p2"},
		ProxyOrdering:     config.OrderingRoundRobin,
		AllocateTimeout:   5 * time.Second,
		ConnectTimeout:    5 * time.Second,
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Millisecond,
	}
}

// startTestPool brings a pool up against the fake cloud and tears it down with
// the test.
func startTestPool(t *testing.T, srv *cdptest.Server, cfg config.PoolConfig) *pool.Pool {
	t.Helper()
	logger := zaptest.NewLogger(t)
	selector, err := proxy.NewStatic(cfg.Proxies, cfg.ProxyOrdering)
	require.NoError(t, err)
	alloc := endpoint.NewClient(cfg, logger)
	p := pool.New(cfg, selector, alloc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return p
}

func take(t *testing.T, p *pool.Pool, timeout time.Duration) *pool.Worker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	w, err := p.Take(ctx)
	require.NoError(t, err)
	return w
}

func TestPoolHandsOutReadyWorker(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	p := startTestPool(t, srv, cfg)

	w := take(t, p, 10*time.Second)
	assert.True(t, w.Healthy())
	assert.Equal(t, 1, srv.Allocations())
	assert.Equal(t, []string{"p1"}, srv.Proxies())

	// The session is actually usable.
	page, err := w.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.Close(context.Background()))
}

func TestWorkerStaysOnSuccessfulResult(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	p := startTestPool(t, srv, cfg)

	w := take(t, p, 10*time.Second)
	w.OnResult(&schemas.Response{StatusCode: 200})

	// The same session comes back: no discard, no new allocation.
	again := take(t, p, 10*time.Second)
	assert.Same(t, w, again)
	assert.Equal(t, 1, srv.Allocations())
	assert.Equal(t, 0, srv.BrowserCloses())
}

func TestWorkerRecyclesOnServerError(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	p := startTestPool(t, srv, cfg)

	w := take(t, p, 10*time.Second)
	w.OnResult(&schemas.Response{StatusCode: 503})

	next := take(t, p, 10*time.Second)
	assert.True(t, next.Healthy())
	assert.Equal(t, 1, srv.BrowserCloses())
	assert.Equal(t, 2, srv.Allocations())
}

func TestWorkerRecyclesOnNilResult(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	p := startTestPool(t, srv, cfg)

	w := take(t, p, 10*time.Second)
	w.OnResult(nil)

	next := take(t, p, 10*time.Second)
	assert.True(t, next.Healthy())
	assert.Equal(t, 1, srv.BrowserCloses())
	assert.Equal(t, 2, srv.Allocations())
}

func TestWorkerRecyclesOnPageQuotaExhaustion(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	cfg.PagesPerBrowser = 2
	p := startTestPool(t, srv, cfg)

	w := take(t, p, 10*time.Second)
	w.OnResult(&schemas.Response{StatusCode: 200})

	// One page left on the quota: still the same session.
	again := take(t, p, 10*time.Second)
	assert.Same(t, w, again)
	assert.Equal(t, 1, srv.Allocations())

	again.OnResult(&schemas.Response{StatusCode: 200})

	// Quota exhausted: the session is closed and a fresh one allocated.
	next := take(t, p, 10*time.Second)
	assert.True(t, next.Healthy())
	assert.Equal(t, 1, srv.BrowserCloses())
	assert.Equal(t, 2, srv.Allocations())
}

func TestTakeNeverHandsOutFailedHeartbeat(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	cfg := testConfig(srv)
	p := startTestPool(t, srv, cfg)

	// Let the worker publish itself, then break its browser and give the
	// heartbeat a few intervals to notice.
	require.Eventually(t, func() bool { return srv.Allocations() == 1 }, 10*time.Second, 50*time.Millisecond)
	srv.SetPingFails(true)
	time.Sleep(10 * cfg.HeartbeatInterval)

	// Heal the cloud once the broken session was discarded, so the worker's
	// replacement can come up.
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if srv.BrowserCloses() >= 1 {
				srv.SetPingFails(false)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	w := take(t, p, 20*time.Second)
	assert.True(t, w.Healthy())
	assert.GreaterOrEqual(t, srv.Allocations(), 2)
	assert.GreaterOrEqual(t, srv.BrowserCloses(), 1)
}
