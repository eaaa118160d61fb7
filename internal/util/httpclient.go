package util

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// RetryPolicy bounds a retried operation: at most MaxAttempts calls with a
// fixed Backoff pause between them.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Once is the policy for a single attempt.
var Once = RetryPolicy{MaxAttempts: 1}

// Permanent wraps an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Retry calls fn until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. fn receives the 1-based attempt number. The last
// error is returned, unwrapped from Permanent.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if i > 1 && p.Backoff > 0 {
			t := time.NewTimer(p.Backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			}
		}
		if err = fn(i); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}
