// Package schemas holds the value objects exchanged between the dispatcher
// boundary and the browser pool. They are deliberately dumb: ordered header
// pairs and raw body bytes, nothing derived.
package schemas

import (
	"fmt"
	"strings"
)

// HeaderEntry is a single (name, value) header pair. Headers are kept as an
// ordered list rather than a map because the remote browser replays them in
// order and duplicate names are legal.
type HeaderEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request describes one outbound HTTP request to be driven through a browser
// page. Method defaults to GET when empty.
type Request struct {
	URL     string        `json:"url"`
	Method  string        `json:"method,omitempty"`
	Headers []HeaderEntry `json:"headers,omitempty"`
	Body    []byte        `json:"body,omitempty"`
}

// Validate checks the request is complete enough to submit.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request is nil")
	}
	if r.URL == "" {
		return fmt.Errorf("request URL is empty")
	}
	return nil
}

// ResolvedMethod returns the HTTP method, defaulting to GET.
func (r *Request) ResolvedMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// Response is the reconstructed HTTP response for one submitted request. URL
// is the final URL after the browser followed any redirects; Body holds the
// already-decoded bytes (the browser strips transfer/content encodings before
// we ever see them).
type Response struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Headers    []HeaderEntry `json:"headers,omitempty"`
	Body       []byte        `json:"body,omitempty"`
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Header returns the first value of the named header, case-insensitively, and
// whether it was present at all.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}
