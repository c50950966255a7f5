package protocol

import (
	"errors"

	"github.com/chromedp/cdproto"
)

var (
	// ErrConnectionLost fails every call that was in flight when the
	// underlying socket dropped. The connection itself keeps reconnecting;
	// only the callers that were waiting see this.
	ErrConnectionLost = errors.New("protocol: connection lost")

	// ErrConnectionClosed is returned for calls made after Close.
	ErrConnectionClosed = errors.New("protocol: connection closed")
)

// AsProtocolError unwraps err into the remote browser's error payload, if the
// command was rejected by the browser rather than lost in transit.
func AsProtocolError(err error) (*cdproto.Error, bool) {
	var perr *cdproto.Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
