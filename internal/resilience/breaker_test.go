package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbleshop/commerce-core/internal/resilience"
)

func TestBreakerOpensAfterFailureRatio(t *testing.T) {
	b := resilience.NewBreaker("test", 4, 0.5, time.Minute)
	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.False(t, b.Allow(), "breaker should be open after sustained failures")
}

func TestBreakerProbesAfterCoolOff(t *testing.T) {
	b := resilience.NewBreaker("test", 2, 0.5, 10*time.Millisecond)
	b.Report(false)
	b.Report(false)
	require.False(t, b.Allow())
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow(), "probe should be admitted after cool-off")
	b.Report(true)
	require.True(t, b.Allow(), "breaker should close after successful probe")
}

func TestHTTPClientRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cl := &resilience.HTTPClient{
		Client:      srv.Client(),
		Breaker:     resilience.NewBreaker("test", 100, 0.99, time.Minute),
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, calls.Load())
}

func TestHTTPClientRefusesWhenOpen(t *testing.T) {
	b := resilience.NewBreaker("test", 1, 0.1, time.Minute)
	b.Report(false)
	cl := &resilience.HTTPClient{Client: http.DefaultClient, Breaker: b, MaxAttempts: 1}
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:0", nil)
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
}
