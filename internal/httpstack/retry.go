package httpstack

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// RetryHook observes every retry attempt a RetryDecorator makes.
type RetryHook func(err error, attempt int, elapsed time.Duration, next time.Duration)

// RetryDecorator wraps a Client and retries transport-level failures
// with exponential backoff and jitter. It never retries a
// request that already produced an HTTP status (4xx/5xx): those are
// server-issued, not transport failures.
type RetryDecorator struct {
	next  Client
	tries int
	base  time.Duration
	mult  float64
	hook  RetryHook
}

// NewRetryDecorator wraps next with the default policy: 3 total
// attempts, 1s base interval, 2x multiplier, ±25% jitter.
func NewRetryDecorator(next Client, opts ...RetryOption) *RetryDecorator {
	d := &RetryDecorator{next: next, tries: 3, base: time.Second, mult: 2}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RetryOption customizes a RetryDecorator away from the defaults.
type RetryOption func(*RetryDecorator)

func WithTries(n int) RetryOption                  { return func(d *RetryDecorator) { d.tries = n } }
func WithBaseInterval(t time.Duration) RetryOption { return func(d *RetryDecorator) { d.base = t } }
func WithMultiplier(m float64) RetryOption         { return func(d *RetryDecorator) { d.mult = m } }
func WithRetryHook(h RetryHook) RetryOption        { return func(d *RetryDecorator) { d.hook = h } }

func (d *RetryDecorator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.base
	b.Multiplier = d.mult
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	// A classified HTTP status is never retried here.
	var ctlErr *ctlerr.Error
	if errors.As(err, &ctlErr) {
		switch ctlErr.Code {
		case ctlerr.HTTPClientError, ctlerr.HTTPNotFound, ctlerr.HTTPServerError, ctlerr.TooManyRedirects:
			return false
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"i/o timeout",
		"tls: handshake failure",
		"EOF",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (d *RetryDecorator) run(fn func() (*Response, error)) (*Response, error) {
	b := d.newBackoff()
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= d.tries; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == d.tries || !isRetriable(err) {
			return resp, err
		}
		next := b.NextBackOff()
		if d.hook != nil {
			d.hook(err, attempt, time.Since(start), next)
		}
		time.Sleep(next)
	}
	return nil, lastErr
}

func (d *RetryDecorator) Get(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
	return d.run(func() (*Response, error) { return d.next.Get(ctx, uri, headers, sink) })
}

func (d *RetryDecorator) Post(ctx context.Context, uri string, headers map[string]string, body io.Reader, contentType string) (*Response, error) {
	var buf []byte
	if body != nil {
		var err error
		buf, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}
	return d.run(func() (*Response, error) {
		var r io.Reader
		if buf != nil {
			r = strings.NewReader(string(buf))
		}
		return d.next.Post(ctx, uri, headers, r, contentType)
	})
}
