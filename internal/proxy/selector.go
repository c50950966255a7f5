// Package proxy selects the proxy identifier used for each connection
// attempt: a static list walked round-robin, a static list sampled uniformly,
// or an external supplier invoked per call.
package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/mkoval-dev/cloudbrowser/internal/config"
)

// ErrEmptyProxyList rejects construction over a static list with no entries.
var ErrEmptyProxyList = errors.New("proxy: proxies list cannot be empty")

// SupplierFunc asks an external source for the next proxy. Its errors
// propagate to the caller of Get untouched.
type SupplierFunc func(ctx context.Context) (string, error)

// Selector yields one proxy descriptor per call.
type Selector interface {
	Get(ctx context.Context) (string, error)
}

// NewStatic builds a selector over a fixed list using the given ordering
// mode (config.OrderingRoundRobin or config.OrderingRandom).
func NewStatic(proxies []string, ordering string) (Selector, error) {
	if len(proxies) == 0 {
		return nil, ErrEmptyProxyList
	}
	switch ordering {
	case config.OrderingRoundRobin:
		return &roundRobin{proxies: append([]string(nil), proxies...)}, nil
	case config.OrderingRandom:
		return &random{proxies: append([]string(nil), proxies...)}, nil
	default:
		return nil, errors.New("proxy: unknown ordering mode " + ordering)
	}
}

// NewSupplier wraps an external asynchronous supplier. Nothing is cached:
// every Get asks the supplier again.
func NewSupplier(fn SupplierFunc) Selector {
	return supplier{fn: fn}
}

// roundRobin cycles over the list forever, preserving order.
type roundRobin struct {
	mu      sync.Mutex
	next    int
	proxies []string
}

func (r *roundRobin) Get(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.proxies[r.next]
	r.next = (r.next + 1) % len(r.proxies)
	return p, nil
}

// random draws uniformly and independently on every call.
type random struct {
	proxies []string
}

func (r *random) Get(context.Context) (string, error) {
	return r.proxies[rand.Intn(len(r.proxies))], nil
}

type supplier struct {
	fn SupplierFunc
}

func (s supplier) Get(ctx context.Context) (string, error) {
	return s.fn(ctx)
}
