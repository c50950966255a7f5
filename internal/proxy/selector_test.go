package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoval-dev/cloudbrowser/internal/config"
)

func TestRoundRobinCyclesInOrder(t *testing.T) {
	sel, err := NewStatic([]string{"p1", "p2", "p3"}, config.OrderingRoundRobin)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 5; i++ {
		p, err := sel.Get(context.Background())
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "p1", "p2"}, got)
}

func TestRandomDrawsFromList(t *testing.T) {
	proxies := []string{"p1", "p2", "p3"}
	sel, err := NewStatic(proxies, config.OrderingRandom)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		p, err := sel.Get(context.Background())
		require.NoError(t, err)
		assert.Contains(t, proxies, p)
	}
}

func TestStaticRejectsEmptyList(t *testing.T) {
	_, err := NewStatic(nil, config.OrderingRoundRobin)
	assert.ErrorIs(t, err, ErrEmptyProxyList)
}

func TestStaticRejectsUnknownOrdering(t *testing.T) {
	_, err := NewStatic([]string{"p1"}, "shuffled")
	assert.Error(t, err)
}

func TestSupplierIsAskedEveryCall(t *testing.T) {
	calls := 0
	sel := NewSupplier(func(ctx context.Context) (string, error) {
		calls++
		return "fresh", nil
	})

	for i := 0; i < 3; i++ {
		p, err := sel.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fresh", p)
	}
	assert.Equal(t, 3, calls)
}

func TestSupplierErrorPropagates(t *testing.T) {
	wantErr := errors.New("upstream exhausted")
	sel := NewSupplier(func(ctx context.Context) (string, error) {
		return "", wantErr
	})

	_, err := sel.Get(context.Background())
	assert.ErrorIs(t, err, wantErr)
}
