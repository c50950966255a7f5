// Package cdptest provides a scriptable in-process stand-in for the browser
// cloud: an allocation endpoint plus a fake DevTools websocket that drives
// the navigate → requestPaused → continue → getResponseBody cycle. Tests use
// it to exercise the real connection, page, pool and dispatcher code paths
// without a browser.
package cdptest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mkoval-dev/cloudbrowser/internal/protocol"
)

// Redirect is one hop the fake browser reports before the terminal response.
type Redirect struct {
	Status   int
	Location string
}

// ContinueOverrides captures what the client sent on Fetch.continueRequest.
type ContinueOverrides struct {
	Method   string              `json:"method"`
	PostData string              `json:"postData"`
	Headers  []map[string]string `json:"headers"`
	Raw      map[string]any      `json:"-"`
}

// Server is the fake browser cloud. All exported methods are safe for
// concurrent use.
type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	token         string
	body          []byte
	status        int
	respHeaders   []map[string]string
	redirects     []Redirect
	pingFails     bool
	allocations   int
	proxies       []string
	closedTargets int
	browserCloses int
	methodCounts  map[string]int
	continues     []ContinueOverrides
	targetSeq     int
}

// nav tracks one in-flight intercepted navigation on one protocol session.
type nav struct {
	url string
	hop int
	// stage is "request" until the request-stage pause was continued, then
	// "response" through the redirect hops until the terminal continue.
	stage string
}

// New starts a fake cloud serving allocations at /profiles/one_time and
// browser sockets at /ws. Callers must Close it.
func New() *Server {
	s := &Server{
		body:   []byte("<html>ok</html>"),
		status: 200,
		respHeaders: []map[string]string{
			{"name": "Content-Type", "value": "text/html"},
		},
		methodCounts: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/one_time", s.handleAllocate)
	mux.HandleFunc("/ws", s.handleSocket)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// Close shuts the fake cloud down.
func (s *Server) Close() { s.httpSrv.Close() }

// URL is the HTTP base URL for the allocation client.
func (s *Server) URL() string { return s.httpSrv.URL }

// WsURL is the websocket endpoint handed out by allocations.
func (s *Server) WsURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

// RequireToken makes the allocation endpoint reject calls without the given
// x-cloud-api-token value.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// AddResponseHeader appends a header to the scripted terminal response.
func (s *Server) AddResponseHeader(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respHeaders = append(s.respHeaders, map[string]string{"name": name, "value": value})
}

// SetResponse scripts the terminal response for subsequent navigations.
func (s *Server) SetResponse(status int, body []byte, redirects ...Redirect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
	s.redirects = redirects
}

// SetPingFails makes Browser.getVersion fail until reset.
func (s *Server) SetPingFails(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingFails = fail
}

// Allocations reports how many browsers were handed out.
func (s *Server) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocations
}

// Proxies reports the proxy value of every allocation, in order.
func (s *Server) Proxies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.proxies...)
}

// ClosedTargets reports how many Target.closeTarget commands arrived.
func (s *Server) ClosedTargets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedTargets
}

// BrowserCloses reports how many Browser.close commands arrived.
func (s *Server) BrowserCloses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserCloses
}

// MethodCount reports how often the given protocol method was received.
func (s *Server) MethodCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methodCounts[method]
}

// Continues reports the overrides of every Fetch.continueRequest received.
func (s *Server) Continues() []ContinueOverrides {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContinueOverrides(nil), s.continues...)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Proxy string `json:"proxy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.token != "" && r.Header.Get("x-cloud-api-token") != s.token {
		s.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.allocations++
	s.proxies = append(s.proxies, req.Proxy)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ws_url":%q}`, s.WsURL())
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	navs := make(map[string]*nav)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.methodCounts[string(msg.Method)]++
		s.mu.Unlock()

		if quit := s.handleCommand(ws, navs, &msg); quit {
			return
		}
	}
}

// handleCommand answers one command frame and emits any follow-up events.
// Everything runs on the connection's read goroutine, so writes need no
// extra locking.
func (s *Server) handleCommand(ws *websocket.Conn, navs map[string]*nav, msg *protocol.Message) bool {
	switch string(msg.Method) {
	case "Browser.getVersion":
		s.mu.Lock()
		fails := s.pingFails
		s.mu.Unlock()
		if fails {
			s.replyError(ws, msg, -32000, "browser unreachable")
		} else {
			s.reply(ws, msg, map[string]any{"product": "FakeChrome/1.0"})
		}

	case "Target.createTarget":
		s.mu.Lock()
		s.targetSeq++
		id := s.targetSeq
		s.mu.Unlock()
		s.reply(ws, msg, map[string]any{"targetId": fmt.Sprintf("target-%d", id)})

	case "Target.attachToTarget":
		s.mu.Lock()
		id := s.targetSeq
		s.mu.Unlock()
		s.reply(ws, msg, map[string]any{"sessionId": fmt.Sprintf("session-%d", id)})

	case "Fetch.enable":
		s.reply(ws, msg, map[string]any{})

	case "Page.navigate":
		var params struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		navs[string(msg.SessionID)] = &nav{url: params.URL, stage: "request"}
		s.reply(ws, msg, map[string]any{"frameId": "frame-1"})
		s.emitRequestPaused(ws, string(msg.SessionID), navs[string(msg.SessionID)], false)

	case "Fetch.continueRequest":
		s.recordContinue(msg.Params)
		s.reply(ws, msg, map[string]any{})
		n := navs[string(msg.SessionID)]
		if n == nil {
			break
		}
		s.mu.Lock()
		hops := len(s.redirects)
		s.mu.Unlock()
		switch {
		case n.stage == "request":
			n.stage = "response"
			s.emitRequestPaused(ws, string(msg.SessionID), n, true)
		case n.hop < hops:
			n.hop++
			s.emitRequestPaused(ws, string(msg.SessionID), n, true)
		default:
			delete(navs, string(msg.SessionID))
		}

	case "Fetch.getResponseBody":
		s.mu.Lock()
		body := s.body
		s.mu.Unlock()
		s.reply(ws, msg, map[string]any{
			"body":          base64.StdEncoding.EncodeToString(body),
			"base64Encoded": true,
		})

	case "Target.closeTarget":
		s.mu.Lock()
		s.closedTargets++
		s.mu.Unlock()
		s.reply(ws, msg, map[string]any{"success": true})

	case "Browser.close":
		s.mu.Lock()
		s.browserCloses++
		s.mu.Unlock()
		s.reply(ws, msg, map[string]any{})
		return true

	case "Page.captureScreenshot":
		s.reply(ws, msg, map[string]any{
			"data": base64.StdEncoding.EncodeToString([]byte("fake-png")),
		})

	default:
		s.reply(ws, msg, map[string]any{})
	}
	return false
}

// emitRequestPaused sends one Fetch.requestPaused event for the session's
// current hop. Request-stage pauses carry no status; response-stage pauses
// carry either a scripted redirect hop or the terminal response.
func (s *Server) emitRequestPaused(ws *websocket.Conn, sessionID string, n *nav, responseStage bool) {
	params := map[string]any{
		"requestId": fmt.Sprintf("req-%d", n.hop),
		"request": map[string]any{
			"url":     n.url,
			"method":  "GET",
			"headers": map[string]any{},
		},
	}
	if responseStage {
		s.mu.Lock()
		if n.hop < len(s.redirects) {
			hop := s.redirects[n.hop]
			params["responseStatusCode"] = hop.Status
			params["responseHeaders"] = []map[string]string{
				{"name": "Location", "value": hop.Location},
			}
			n.url = hop.Location
		} else {
			params["responseStatusCode"] = s.status
			params["responseHeaders"] = s.respHeaders
		}
		s.mu.Unlock()
	}
	s.emitEvent(ws, "Fetch.requestPaused", sessionID, params)
}

func (s *Server) emitEvent(ws *websocket.Conn, method, sessionID string, params map[string]any) {
	raw, _ := json.Marshal(params)
	frame, _ := json.Marshal(map[string]any{
		"method":    method,
		"sessionId": sessionID,
		"params":    json.RawMessage(raw),
	})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) reply(ws *websocket.Conn, msg *protocol.Message, result map[string]any) {
	raw, _ := json.Marshal(result)
	frame, _ := json.Marshal(map[string]any{
		"id":     msg.ID,
		"result": json.RawMessage(raw),
	})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) replyError(ws *websocket.Conn, msg *protocol.Message, code int, text string) {
	frame, _ := json.Marshal(map[string]any{
		"id": msg.ID,
		"error": map[string]any{
			"code":    code,
			"message": text,
		},
	})
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) recordContinue(raw json.RawMessage) {
	var c ContinueOverrides
	_ = json.Unmarshal(raw, &c)
	_ = json.Unmarshal(raw, &c.Raw)
	s.mu.Lock()
	s.continues = append(s.continues, c)
	s.mu.Unlock()
}
