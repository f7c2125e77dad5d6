package httpstack

import (
	"context"
	"io"
	"os"

	"github.com/sawtoothlabs/modctl/internal/cache"
)

// CacheDecorator wraps a Client and caches non-streaming GET responses
// through a cache.Backend. POST and streaming GETs (sink non-nil) pass
// straight through.
type CacheDecorator struct {
	next    Client
	backend cache.Backend
	bus     *EventBus
}

// NewCacheDecorator wraps next, caching through backend and publishing
// cache.hit/cache.miss on bus (bus may be nil to disable publishing).
func NewCacheDecorator(next Client, backend cache.Backend, bus *EventBus) *CacheDecorator {
	return &CacheDecorator{next: next, backend: backend, bus: bus}
}

func (d *CacheDecorator) publish(topic, url string) {
	if d.bus == nil {
		return
	}
	if topic == "cache.hit" {
		d.bus.Publish(topic, CacheHitPayload{URL: url})
	} else {
		d.bus.Publish(topic, CacheMissPayload{URL: url})
	}
}

func (d *CacheDecorator) Get(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
	if sink != nil {
		return d.next.Get(ctx, uri, headers, sink)
	}

	if ok, err := d.backend.Exist(ctx, uri); err == nil && ok {
		body, err := d.backend.Read(ctx, uri)
		if err == nil && body != nil {
			d.publish("cache.hit", uri)
			return &Response{StatusCode: 200, Body: body}, nil
		}
	}

	var resp *Response
	var fetchErr error
	lockErr := d.backend.WithLock(ctx, uri, func(ctx context.Context) error {
		if ok, err := d.backend.Exist(ctx, uri); err == nil && ok {
			body, err := d.backend.Read(ctx, uri)
			if err == nil && body != nil {
				resp = &Response{StatusCode: 200, Body: body}
				d.publish("cache.hit", uri)
				return nil
			}
		}

		tmp, err := os.CreateTemp("", "httpstack-cache-*")
		if err != nil {
			fetchErr = err
			return err
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()

		r, err := d.next.Get(ctx, uri, headers, tmp)
		if err != nil {
			fetchErr = err
			resp = r
			return err
		}
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			if err := d.backend.Store(ctx, uri, tmp.Name()); err != nil {
				fetchErr = err
				return err
			}
			body, err := d.backend.Read(ctx, uri)
			if err != nil {
				fetchErr = err
				return err
			}
			resp = &Response{StatusCode: r.StatusCode, Header: r.Header, Body: body}
			d.publish("cache.miss", uri)
			return nil
		}
		resp = r
		return nil
	})
	if lockErr != nil && fetchErr == nil {
		return nil, lockErr
	}
	return resp, fetchErr
}

func (d *CacheDecorator) Post(ctx context.Context, uri string, headers map[string]string, body io.Reader, contentType string) (*Response, error) {
	return d.next.Post(ctx, uri, headers, body, contentType)
}
