package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newSocketServer starts a websocket endpoint that runs handler once per
// accepted connection and returns its ws:// URL.
func newSocketServer(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echo replies to every command with the command's own params as the result.
func echo(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		reply, _ := json.Marshal(Message{ID: msg.ID, Result: msg.Params})
		if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
			return
		}
	}
}

func dialTest(t *testing.T, wsURL string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendReceivesMatchingResult(t *testing.T) {
	conn := dialTest(t, newSocketServer(t, echo))

	res, err := conn.Send(context.Background(), "Echo.echo", map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(res))
}

func TestSendCorrelatesOutOfOrderResponses(t *testing.T) {
	// The server holds both commands and answers them in reverse order; each
	// caller must still get the result for its own id.
	wsURL := newSocketServer(t, func(ws *websocket.Conn) {
		var held []Message
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			held = append(held, msg)
			if len(held) == 2 {
				for i := len(held) - 1; i >= 0; i-- {
					reply, _ := json.Marshal(Message{ID: held[i].ID, Result: held[i].Params})
					if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
						return
					}
				}
				held = nil
			}
		}
	})
	conn := dialTest(t, wsURL)

	var wg sync.WaitGroup
	for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			res, err := conn.Send(context.Background(), "Echo.echo", json.RawMessage(payload), "")
			assert.NoError(t, err)
			assert.JSONEq(t, payload, string(res))
		}(payload)
	}
	wg.Wait()
}

func TestSendReturnsProtocolError(t *testing.T) {
	wsURL := newSocketServer(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			reply, _ := json.Marshal(Message{ID: msg.ID, Error: &cdproto.Error{Code: -32000, Message: "no such target"}})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	})
	conn := dialTest(t, wsURL)

	_, err := conn.Send(context.Background(), "Target.attachToTarget", nil, "")
	require.Error(t, err)
	protoErr, ok := AsProtocolError(err)
	require.True(t, ok)
	assert.EqualValues(t, -32000, protoErr.Code)
	assert.Contains(t, protoErr.Message, "no such target")
}

func TestEventFanOutRespectsSessionScope(t *testing.T) {
	// Any command triggers two events for the same method: one scoped to
	// session s1, one unscoped.
	wsURL := newSocketServer(t, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			reply, _ := json.Marshal(Message{ID: msg.ID, Result: json.RawMessage(`{}`)})
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
			scoped, _ := json.Marshal(Message{Method: "Domain.event", SessionID: "s1", Params: json.RawMessage(`{"scope":"session"}`)})
			global, _ := json.Marshal(Message{Method: "Domain.event", Params: json.RawMessage(`{"scope":"global"}`)})
			if err := ws.WriteMessage(websocket.TextMessage, scoped); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, global); err != nil {
				return
			}
		}
	})
	conn := dialTest(t, wsURL)

	scopedCh := make(chan string, 4)
	globalCh := make(chan string, 4)
	scopedSub := conn.AddHandler("Domain.event", "s1", func(params json.RawMessage) {
		scopedCh <- string(params)
	})
	globalSub := conn.AddHandler("Domain.event", "", func(params json.RawMessage) {
		globalCh <- string(params)
	})

	_, err := conn.Send(context.Background(), "Echo.trigger", nil, "")
	require.NoError(t, err)

	select {
	case got := <-scopedCh:
		assert.JSONEq(t, `{"scope":"session"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("scoped handler never fired")
	}
	select {
	case got := <-globalCh:
		assert.JSONEq(t, `{"scope":"global"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("global handler never fired")
	}

	// Once removed, the scoped handler sees nothing from later triggers while
	// the global one keeps firing.
	conn.RemoveHandler(scopedSub)
	_, err = conn.Send(context.Background(), "Echo.trigger", nil, "")
	require.NoError(t, err)

	select {
	case <-globalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("global handler never fired after removal of peer")
	}
	assert.Empty(t, scopedCh)

	conn.RemoveHandler(globalSub)
}

func TestPendingCallsFailWhenSocketDrops(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	wsURL := newSocketServer(t, func(ws *websocket.Conn) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			// Swallow one command, then drop the socket without answering.
			ws.ReadMessage()
			return
		}
		echo(ws)
	})
	conn := dialTest(t, wsURL)

	_, err := conn.Send(context.Background(), "Echo.echo", nil, "")
	require.ErrorIs(t, err, ErrConnectionLost)

	// The connection redials on its own; the next call goes through.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var res json.RawMessage
	for {
		res, err = conn.Send(ctx, "Echo.echo", json.RawMessage(`{"again":true}`), "")
		if err == nil {
			break
		}
		require.NoError(t, ctx.Err(), "connection never recovered: %v", err)
		time.Sleep(100 * time.Millisecond)
	}
	assert.JSONEq(t, `{"again":true}`, string(res))
}

func TestSendAfterCloseFails(t *testing.T) {
	conn := dialTest(t, newSocketServer(t, echo))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.Send(context.Background(), "Echo.echo", nil, "")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSendHonorsCallerContext(t *testing.T) {
	// A server that never answers: the caller's deadline must unblock Send.
	wsURL := newSocketServer(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	conn := dialTest(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Send(ctx, "Echo.echo", nil, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
