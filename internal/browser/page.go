package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/mkoval-dev/cloudbrowser/api/schemas"
	"github.com/mkoval-dev/cloudbrowser/internal/protocol"
)

var (
	// ErrPageClosed is returned when a request is issued on a closed page.
	// That is a programming error on the caller's side, not a transport
	// condition.
	ErrPageClosed = errors.New("browser: page is closed")

	// ErrRequestInProgress is returned when a second request is issued
	// while one is still in flight. A page serves one request at a time.
	ErrRequestInProgress = errors.New("browser: request already in progress")
)

// redirectStatus is the set of statuses that, combined with a Location
// header, mean the browser will transparently follow the hop.
var redirectStatus = map[int64]struct{}{
	301: {}, 302: {}, 303: {}, 307: {}, 308: {},
}

// interceptTimeout bounds the protocol commands issued from inside event
// handlers (continueRequest, getResponseBody) when no request context is
// available.
const interceptTimeout = 30 * time.Second

// Page is one browser tab bound to a protocol session. It serves one
// intercepted request at a time and is never shared across workers.
type Page struct {
	targetID  target.ID
	sessionID target.SessionID
	conn      *protocol.Conn
	logger    *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	inProgress  bool
	closed      bool
	passthrough *protocol.Subscription
}

// continueRequestParams mirrors Fetch.continueRequest. Overrides apply to the
// paused request only; postData crosses the wire base64-encoded.
type continueRequestParams struct {
	RequestID fetch.RequestID      `json:"requestId"`
	Method    string               `json:"method,omitempty"`
	PostData  string               `json:"postData,omitempty"`
	Headers   []*fetch.HeaderEntry `json:"headers,omitempty"`
}

// getResponseBodyParams and getResponseBodyReturns mirror
// Fetch.getResponseBody.
type getResponseBodyParams struct {
	RequestID fetch.RequestID `json:"requestId"`
}

type getResponseBodyReturns struct {
	Body          string `json:"body"`
	Base64Encoded bool   `json:"base64Encoded"`
}

// interceptedExchange is the per-request interception state: it watches
// paused requests on one session, lets redirect hops pass, and resolves
// exactly once with the terminal response or an error.
type interceptedExchange struct {
	page    *Page
	request *schemas.Request
	ctx     context.Context

	// overridesSent flips when the request overrides were applied; the
	// browser rewrites methods itself across redirect hops (303 becomes GET),
	// so re-applying them would fight it.
	overridesSent atomic.Bool

	once     sync.Once
	done     chan struct{}
	response *schemas.Response
	err      error
}

func (ex *interceptedExchange) resolve(resp *schemas.Response, err error) {
	ex.once.Do(func() {
		ex.response = resp
		ex.err = err
		close(ex.done)
	})
}

func (ex *interceptedExchange) resolved() bool {
	select {
	case <-ex.done:
		return true
	default:
		return false
	}
}

// Request navigates the page to req.URL with the request's method, headers
// and body transparently applied to the outgoing top-level request, and
// returns the reconstructed terminal response after the browser followed any
// redirects.
func (p *Page) Request(ctx context.Context, req *schemas.Request) (*schemas.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPageClosed
	}
	if p.inProgress {
		p.mu.Unlock()
		return nil, ErrRequestInProgress
	}
	p.inProgress = true
	passthrough := p.passthrough
	p.passthrough = nil
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inProgress = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	// Exactly one interceptor is active per page: swap the pass-through
	// handler for a capturing one for the duration of the exchange.
	p.conn.RemoveHandler(passthrough)

	ex := &interceptedExchange{
		page:    p,
		request: req,
		ctx:     ctx,
		done:    make(chan struct{}),
	}
	capturing := p.conn.AddHandler(cdproto.EventFetchRequestPaused, p.sessionID, ex.onRequestPaused)
	defer func() {
		p.conn.RemoveHandler(capturing)
		p.mu.Lock()
		if !p.closed {
			p.passthrough = p.conn.AddHandler(cdproto.EventFetchRequestPaused, p.sessionID, p.passThrough)
		}
		p.mu.Unlock()
	}()

	if _, err := p.conn.Send(ctx, cdproto.CommandPageNavigate, page.NavigateParams{URL: req.URL}, p.sessionID); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}

	select {
	case <-ex.done:
		return ex.response, ex.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onRequestPaused handles one Fetch.requestPaused event for the active
// exchange. Response-stage pauses that are not redirect hops are terminal:
// the body is fetched and the exchange resolves. Every pause is continued,
// with the exchange's overrides applied.
func (ex *interceptedExchange) onRequestPaused(params json.RawMessage) {
	p := ex.page

	var ev fetch.EventRequestPaused
	if err := codec.Unmarshal(params, &ev); err != nil {
		p.logger.Warn("undecodable requestPaused event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ex.ctx, interceptTimeout)
	defer cancel()

	if ev.ResponseStatusCode != 0 && !isRedirectHop(&ev) && !ex.resolved() {
		body, err := ex.fetchBody(ctx, ev.RequestID)
		if err != nil {
			ex.resolve(nil, fmt.Errorf("fetch response body: %w", err))
		} else {
			ex.resolve(&schemas.Response{
				URL:        ev.Request.URL,
				StatusCode: int(ev.ResponseStatusCode),
				Headers:    fromFetchHeaders(ev.ResponseHeaders),
				Body:       body,
			}, nil)
		}
	}

	cont := continueRequestParams{RequestID: ev.RequestID}
	if ex.overridesSent.CompareAndSwap(false, true) {
		cont.Method = ex.request.ResolvedMethod()
		cont.Headers = toFetchHeaders(ex.request.Headers)
		if len(ex.request.Body) > 0 {
			cont.PostData = base64.StdEncoding.EncodeToString(ex.request.Body)
		}
	}
	if _, err := p.conn.Send(ctx, cdproto.CommandFetchContinueRequest, cont, p.sessionID); err != nil {
		p.logger.Debug("continueRequest failed", zap.Error(err))
	}
}

func (ex *interceptedExchange) fetchBody(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	res, err := ex.page.conn.Send(ctx, cdproto.CommandFetchGetResponseBody, getResponseBodyParams{RequestID: id}, ex.page.sessionID)
	if err != nil {
		return nil, err
	}
	var out getResponseBodyReturns
	if err := codec.Unmarshal(res, &out); err != nil {
		return nil, err
	}
	if !out.Base64Encoded {
		return []byte(out.Body), nil
	}
	return base64.StdEncoding.DecodeString(out.Body)
}

// isRedirectHop reports whether the paused response is one the browser will
// follow itself: a redirect status plus a Location header.
func isRedirectHop(ev *fetch.EventRequestPaused) bool {
	if _, ok := redirectStatus[ev.ResponseStatusCode]; !ok {
		return false
	}
	for _, h := range ev.ResponseHeaders {
		if strings.EqualFold(h.Name, "Location") {
			return true
		}
	}
	return false
}

// passThrough is the idle-state interceptor: continue every paused request
// untouched so the page never wedges between exchanges.
func (p *Page) passThrough(params json.RawMessage) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	var ev fetch.EventRequestPaused
	if err := codec.Unmarshal(params, &ev); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), interceptTimeout)
	defer cancel()
	if _, err := p.conn.Send(ctx, cdproto.CommandFetchContinueRequest, continueRequestParams{RequestID: ev.RequestID}, p.sessionID); err != nil {
		p.logger.Debug("pass-through continue failed", zap.Error(err))
	}
}

// Screenshot captures a screenshot of the page and writes it to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	res, err := p.conn.Send(ctx, cdproto.CommandPageCaptureScreenshot, page.CaptureScreenshotParams{}, p.sessionID)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	var out struct {
		Data []byte `json:"data"`
	}
	if err := codec.Unmarshal(res, &out); err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	return os.WriteFile(path, out.Data, 0o644)
}

// Close waits for any in-flight request to drain, marks the page closed,
// detaches the pass-through interceptor and closes the target.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	for p.inProgress {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	passthrough := p.passthrough
	p.passthrough = nil
	p.mu.Unlock()

	p.conn.RemoveHandler(passthrough)

	if _, err := p.conn.Send(ctx, cdproto.CommandTargetCloseTarget, target.CloseTargetParams{TargetID: p.targetID}, p.sessionID); err != nil {
		return fmt.Errorf("close target: %w", err)
	}
	return nil
}

func toFetchHeaders(headers []schemas.HeaderEntry) []*fetch.HeaderEntry {
	if len(headers) == 0 {
		return nil
	}
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		out = append(out, &fetch.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return out
}

func fromFetchHeaders(headers []*fetch.HeaderEntry) []schemas.HeaderEntry {
	if len(headers) == 0 {
		return nil
	}
	out := make([]schemas.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		out = append(out, schemas.HeaderEntry{Name: h.Name, Value: h.Value})
	}
	return out
}
