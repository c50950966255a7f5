package protocol

import (
	"encoding/json"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
)

// maxFrameSize is the read limit for a single websocket frame. Response
// bodies and screenshots travel base64-encoded inside one frame, so this has
// to be generous.
const maxFrameSize = 1 << 32

// Message is one DevTools protocol frame. Outbound requests carry ID, Method,
// Params and optionally SessionID; inbound frames are either a response
// (ID + Result or Error) or an unsolicited event (Method + Params).
type Message struct {
	ID        int64              `json:"id,omitempty"`
	SessionID target.SessionID   `json:"sessionId,omitempty"`
	Method    cdproto.MethodType `json:"method,omitempty"`
	Params    json.RawMessage    `json:"params,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     *cdproto.Error     `json:"error,omitempty"`
}
