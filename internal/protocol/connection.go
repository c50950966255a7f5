// Package protocol implements the DevTools wire protocol over a persistent
// websocket: request/response correlation by id, event fan-out to registered
// handlers, and automatic reconnection of the read/write loops.
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// codec is the frame codec. jsoniter in compatible mode honors the same
// struct tags and Marshaler interfaces as encoding/json.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// reconnectBackoff is how long the connection waits between failed redial
// attempts.
const reconnectBackoff = time.Second

// EventHandler receives the params payload of one protocol event. Handlers
// are invoked on their own goroutine and must be safe to run concurrently
// with other handlers for the same event.
type EventHandler func(params json.RawMessage)

// Subscription identifies one registered handler so it can be removed again.
type Subscription struct {
	key handlerKey
	fn  EventHandler
}

type handlerKey struct {
	method    cdproto.MethodType
	sessionID target.SessionID
}

type sendResult struct {
	result json.RawMessage
	err    error
}

// Conn is one multiplexed protocol connection to a browser endpoint. All
// methods are safe for concurrent use.
type Conn struct {
	url    string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	outbound chan []byte

	mu       sync.Mutex
	closed   bool
	nextID   int64
	pending  map[int64]chan sendResult
	handlers map[handlerKey]map[*Subscription]struct{}
}

// Dial establishes the first socket to wsURL and starts the connection's
// read/write loops. The context bounds only the initial dial; the returned
// Conn lives until Close.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("protocol")

	dialer := websocket.Dialer{}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	ws.SetReadLimit(maxFrameSize)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:      wsURL,
		logger:   logger,
		ctx:      connCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		outbound: make(chan []byte, 64),
		pending:  make(map[int64]chan sendResult),
		handlers: make(map[handlerKey]map[*Subscription]struct{}),
	}

	go c.run(ws)
	return c, nil
}

// Send issues one protocol command and blocks until the matching response
// frame arrives. The result payload is returned raw; a browser-side rejection
// comes back as a *cdproto.Error.
func (c *Conn) Send(ctx context.Context, method cdproto.MethodType, params any, sessionID target.SessionID) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = codec.Marshal(params)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan sendResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := codec.Marshal(Message{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    rawParams,
	})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}

	c.logger.Debug("send", zap.Int64("id", id), zap.String("method", string(method)))

	select {
	case c.outbound <- frame:
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.dropPending(id)
		return nil, ErrConnectionClosed
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.dropPending(id)
		return nil, ErrConnectionClosed
	}
}

// AddHandler registers fn for the given event method. With a non-empty
// sessionID the handler only sees events scoped to that protocol session;
// otherwise it sees unscoped events. The returned subscription is the handle
// for RemoveHandler.
func (c *Conn) AddHandler(method cdproto.MethodType, sessionID target.SessionID, fn EventHandler) *Subscription {
	sub := &Subscription{key: handlerKey{method: method, sessionID: sessionID}, fn: fn}
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.handlers[sub.key]
	if !ok {
		bucket = make(map[*Subscription]struct{})
		c.handlers[sub.key] = bucket
	}
	bucket[sub] = struct{}{}
	return sub
}

// RemoveHandler unregisters a subscription. Removing one handler never
// disturbs other handlers registered under the same key.
func (c *Conn) RemoveHandler(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket, ok := c.handlers[sub.key]; ok {
		delete(bucket, sub)
		if len(bucket) == 0 {
			delete(c.handlers, sub.key)
		}
	}
}

// Close tears the connection down, failing every pending call. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	c.cancel()
	<-c.done
	c.failPending(ErrConnectionClosed)
	return nil
}

// run owns the socket: it serves the current one until it drops, fails the
// calls that were in flight, and redials until the connection is closed.
func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		c.serve(ws)
		ws.Close()
		c.failPending(ErrConnectionLost)

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Debug("socket lost, reconnecting", zap.String("url", c.url))

		ws = nil
		for ws == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			next, resp, err := dialer.DialContext(c.ctx, c.url, nil)
			if err != nil {
				c.logger.Debug("redial failed", zap.Error(err))
				continue
			}
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			next.SetReadLimit(maxFrameSize)
			ws = next
		}
	}
}

// serve pumps one socket until either loop fails or the connection closes.
func (c *Conn) serve(ws *websocket.Conn) {
	readerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				ws.Close()
				return
			case <-readerDone:
				return
			case frame := <-c.outbound:
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	defer close(readerDone)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame: responses resolve their pending slot,
// events fan out to handlers.
func (c *Conn) dispatch(data []byte) {
	var msg Message
	if err := codec.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}

	if msg.ID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown id", zap.Int64("id", msg.ID))
			return
		}
		if msg.Error != nil {
			ch <- sendResult{err: msg.Error}
		} else {
			ch <- sendResult{result: msg.Result}
		}
		return
	}

	if msg.Method == "" {
		return
	}

	key := handlerKey{method: msg.Method, sessionID: msg.SessionID}
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.handlers[key]))
	for sub := range c.handlers[key] {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	// Each handler runs on its own goroutine so a slow or failing handler
	// cannot stall the read loop or its peers.
	for _, sub := range subs {
		go sub.fn(msg.Params)
	}
}

func (c *Conn) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending resolves every outstanding call with err. Pending slots are
// resolved exactly once: they are removed from the map before being failed.
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan sendResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- sendResult{err: err}
	}
}
