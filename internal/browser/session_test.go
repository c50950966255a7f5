package browser_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkoval-dev/cloudbrowser/internal/browser"
	"github.com/mkoval-dev/cloudbrowser/internal/cdptest"
	"github.com/mkoval-dev/cloudbrowser/internal/protocol"
)

// newTestBrowser dials the fake browser cloud and hands back a façade that is
// torn down with the test.
func newTestBrowser(t *testing.T, srv *cdptest.Server) *browser.Browser {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := protocol.Dial(ctx, srv.WsURL(), zaptest.NewLogger(t))
	require.NoError(t, err)
	b := browser.NewBrowser(conn, zaptest.NewLogger(t))
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		b.Close(closeCtx)
	})
	return b
}

func TestPingReflectsBrowserHealth(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	b := newTestBrowser(t, srv)

	require.NoError(t, b.Ping(context.Background()))

	srv.SetPingFails(true)
	err := b.Ping(context.Background())
	require.Error(t, err)
	protoErr, ok := protocol.AsProtocolError(err)
	require.True(t, ok)
	assert.EqualValues(t, -32000, protoErr.Code)

	srv.SetPingFails(false)
	assert.NoError(t, b.Ping(context.Background()))
}

func TestNewPageEnablesInterception(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	b := newTestBrowser(t, srv)

	page, err := b.NewPage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, srv.MethodCount("Target.createTarget"))
	assert.Equal(t, 1, srv.MethodCount("Target.attachToTarget"))
	assert.Equal(t, 1, srv.MethodCount("Fetch.enable"))

	require.NoError(t, page.Close(context.Background()))
	assert.Equal(t, 1, srv.ClosedTargets())
}

func TestBrowserCloseShutsDownRemote(t *testing.T) {
	srv := cdptest.New()
	defer srv.Close()
	b := newTestBrowser(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Close(ctx)
	assert.Equal(t, 1, srv.BrowserCloses())

	// The connection is gone with the browser.
	assert.ErrorIs(t, b.Ping(context.Background()), protocol.ErrConnectionClosed)
}
