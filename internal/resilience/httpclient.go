package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient wraps an http.Client with a bounded per-attempt timeout,
// optional retries with backoff, and a circuit breaker.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	Jitter      float64
	Logger      *zerolog.Logger
}

// Do executes the request. Responses with a 5xx status count as failures
// for the breaker and are retried when MaxAttempts allows; the request body
// is buffered so attempts can replay it.
func (cl *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl == nil || cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := cl.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if !cl.Breaker.Allow() {
			lastErr = ErrOpenCircuit
			break
		}
		resp, err := cl.attempt(ctx, req, body)
		if err == nil && resp.StatusCode < 500 {
			cl.Breaker.Report(true)
			return resp, nil
		}
		if err == nil {
			_ = resp.Body.Close()
			lastErr = errors.New(resp.Status)
		} else {
			lastErr = err
		}
		cl.Breaker.Report(false)
		if cl.Logger != nil {
			cl.Logger.Warn().Err(lastErr).Int("attempt", attempt).Str("url", req.URL.String()).Msg("outbound request failed")
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Backoff(cl.BaseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (cl *HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cl.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cl.Timeout)
	}
	clone := req.Clone(callCtx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	resp, err := cl.Client.Do(clone)
	if err != nil {
		cancel()
		return nil, err
	}
	// The timeout must outlive this call so the caller can read the body;
	// cancel fires when the body is closed.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}
