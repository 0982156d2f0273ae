package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPClient sends requests through a breaker, retrying transport errors and 5xx
// responses with exponential backoff. 4xx responses are returned to the caller as is.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	// Timeout bounds each attempt; zero uses Client.Timeout.
	Timeout time.Duration
}

// Do sends req, replaying its buffered body on every attempt.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	body, err := drainBody(req)
	if err != nil {
		return nil, err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.BaseBackoff
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 100 * time.Millisecond
	}
	policy.RandomizationFactor = max(c.Jitter, 0)
	policy.Multiplier = 2

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		if c.Breaker != nil && !c.Breaker.Allow(ctx) {
			return nil, backoff.Permanent(ErrOpenCircuit)
		}
		resp, err := c.attempt(ctx, req, body)
		if err != nil {
			c.report(ctx, false)
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			c.report(ctx, false)
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("upstream responded %s", resp.Status)
		}
		c.report(ctx, true)
		return resp, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(max(c.MaxAttempts, 1))))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Unwrap()
		}
		return nil, err
	}
	return resp, nil
}

func (c HTTPClient) report(ctx context.Context, success bool) {
	if c.Breaker != nil {
		c.Breaker.Report(ctx, success)
	}
}

func (c HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = c.Client.Timeout
	}
	callCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	out := req.Clone(callCtx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		out.ContentLength = int64(len(body))
	}
	resp, err := c.Client.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	// the attempt context lives until the caller closes the body
	resp.Body = &closeCancel{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type closeCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *closeCancel) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	return io.ReadAll(req.Body)
}
