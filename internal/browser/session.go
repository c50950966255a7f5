// Package browser is a thin façade over a protocol connection: session
// liveness probing, page creation with request interception enabled, and
// teardown. The heavy lifting lives in the Page request state machine.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/target"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/internal/protocol"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Browser wraps exactly one protocol connection to a remote browser.
type Browser struct {
	conn   *protocol.Conn
	logger *zap.Logger
}

// NewBrowser binds a façade to an established connection. The browser takes
// ownership of the connection: Close tears it down.
func NewBrowser(conn *protocol.Conn, logger *zap.Logger) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{conn: conn, logger: logger.Named("browser")}
}

// Ping issues the lightweight version probe. Any error means the session is
// not usable.
func (b *Browser) Ping(ctx context.Context) error {
	_, err := b.conn.Send(ctx, cdproto.CommandBrowserGetVersion, nil, "")
	return err
}

// NewPage creates a tab, attaches a protocol session to it and enables
// request interception for both the request and response stages.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	res, err := b.conn.Send(ctx, cdproto.CommandTargetCreateTarget, target.CreateTargetParams{URL: ""}, "")
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	var created target.CreateTargetReturns
	if err := codec.Unmarshal(res, &created); err != nil {
		return nil, fmt.Errorf("decode create target result: %w", err)
	}

	res, err = b.conn.Send(ctx, cdproto.CommandTargetAttachToTarget, target.AttachToTargetParams{
		TargetID: created.TargetID,
		Flatten:  true,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("attach to target: %w", err)
	}
	var attached target.AttachToTargetReturns
	if err := codec.Unmarshal(res, &attached); err != nil {
		return nil, fmt.Errorf("decode attach result: %w", err)
	}

	_, err = b.conn.Send(ctx, cdproto.CommandFetchEnable, fetch.EnableParams{
		Patterns: []*fetch.RequestPattern{
			{RequestStage: fetch.RequestStageRequest},
			{RequestStage: fetch.RequestStageResponse},
		},
	}, attached.SessionID)
	if err != nil {
		return nil, fmt.Errorf("enable fetch interception: %w", err)
	}

	p := &Page{
		targetID:  created.TargetID,
		sessionID: attached.SessionID,
		conn:      b.conn,
		logger: b.logger.Named("page").With(
			zap.String("target_id", string(created.TargetID)),
			zap.String("session_id", string(attached.SessionID)),
		),
	}
	p.cond = sync.NewCond(&p.mu)
	// Default interceptor: auto-continue every paused request untouched.
	p.passthrough = p.conn.AddHandler(cdproto.EventFetchRequestPaused, p.sessionID, p.passThrough)
	return p, nil
}

// Close asks the remote browser to shut down and drops the connection.
// Failures are logged, never propagated: the session is being discarded
// regardless.
func (b *Browser) Close(ctx context.Context) {
	if _, err := b.conn.Send(ctx, cdproto.CommandBrowserClose, nil, ""); err != nil {
		b.logger.Warn("browser close failed", zap.Error(err))
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Warn("connection close failed", zap.Error(err))
	}
}
