package httpstack

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sawtoothlabs/modctl/internal/cache"
	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   ctlerr.Code
		ok     bool
	}{
		{200, "", "", true},
		{404, "", ctlerr.HTTPNotFound, false},
		{400, `{"error":"bad","message":"nope"}`, ctlerr.HTTPClientError, false},
		{500, "", ctlerr.HTTPServerError, false},
	}
	for _, c := range cases {
		err := classify(c.status, []byte(c.body))
		if c.ok {
			if err != nil {
				t.Errorf("status %d: got %v, want nil", c.status, err)
			}
			continue
		}
		if !ctlerr.Is(err, c.want) {
			t.Errorf("status %d: got %v, want code %s", c.status, err, c.want)
		}
	}
}

func TestBaseClientRejectsNonHTTPS(t *testing.T) {
	c := NewBaseClient(DefaultTimeouts())
	_, err := c.Get(context.Background(), "http://example.com", nil, nil)
	if !ctlerr.Is(err, ctlerr.URLError) {
		t.Fatalf("got %v, want URL_ERROR", err)
	}
}

func TestBaseClientGetBuffersBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok-body"))
	}))
	defer srv.Close()

	c := &BaseClient{hc: srv.Client()}
	resp, err := c.Get(context.Background(), srv.URL, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "ok-body" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestBaseClientGetStreamsToSink(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("streamed"))
	}))
	defer srv.Close()

	c := &BaseClient{hc: srv.Client()}
	var buf bytes.Buffer
	resp, err := c.Get(context.Background(), srv.URL, nil, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf.String() != "streamed" {
		t.Errorf("sink = %q", buf.String())
	}
	if resp.Body != nil {
		t.Errorf("Body should be nil when streaming, got %q", resp.Body)
	}
}

func TestBaseClientClassifiesNonSuccess(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &BaseClient{hc: srv.Client()}
	_, err := c.Get(context.Background(), srv.URL, nil, nil)
	if !ctlerr.Is(err, ctlerr.HTTPNotFound) {
		t.Fatalf("got %v, want HTTP_NOT_FOUND", err)
	}
}

// clientFunc adapts a Get function into a Client for retry tests; Post
// is unused by these cases.
type clientFunc struct {
	get func(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error)
}

func (c clientFunc) Get(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
	return c.get(ctx, uri, headers, sink)
}

func (c clientFunc) Post(ctx context.Context, uri string, headers map[string]string, body io.Reader, contentType string) (*Response, error) {
	return nil, nil
}

type netTimeoutErr struct{}

func (e *netTimeoutErr) Error() string   { return "i/o timeout" }
func (e *netTimeoutErr) Timeout() bool   { return true }
func (e *netTimeoutErr) Temporary() bool { return true }

func TestRetryDecoratorRetriesTransportErrors(t *testing.T) {
	attempts := int32(0)
	var hookCalls int32
	inner := clientFunc{
		get: func(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, &netTimeoutErr{}
			}
			return &Response{StatusCode: 200}, nil
		},
	}
	d := NewRetryDecorator(inner,
		WithTries(3),
		WithBaseInterval(time.Millisecond),
		WithRetryHook(func(err error, attempt int, elapsed, next time.Duration) {
			atomic.AddInt32(&hookCalls, 1)
		}),
	)
	resp, err := d.Get(context.Background(), "https://x", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if hookCalls != 2 {
		t.Errorf("hookCalls = %d, want 2", hookCalls)
	}
}

func TestRetryDecoratorDoesNotRetryHTTPErrors(t *testing.T) {
	attempts := int32(0)
	inner := clientFunc{
		get: func(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, ctlerr.New(ctlerr.HTTPServerError, "boom")
		},
	}
	d := NewRetryDecorator(inner, WithTries(3), WithBaseInterval(time.Millisecond))
	_, err := d.Get(context.Background(), "https://x", nil, nil)
	if !ctlerr.Is(err, ctlerr.HTTPServerError) {
		t.Fatalf("got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on HTTP error)", attempts)
	}
}

func TestCacheDecoratorMissThenHit(t *testing.T) {
	var networkCalls int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&networkCalls, 1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	base := &BaseClient{hc: srv.Client()}
	backend := cache.NewLocalFS(t.TempDir(), "api", nil, nil)
	bus := NewEventBus()
	var hits, misses int32
	bus.Subscribe("cache.hit", func(Event) { atomic.AddInt32(&hits, 1) })
	bus.Subscribe("cache.miss", func(Event) { atomic.AddInt32(&misses, 1) })

	d := NewCacheDecorator(base, backend, bus)
	ctx := context.Background()

	if _, err := d.Get(ctx, srv.URL, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx, srv.URL, nil, nil); err != nil {
		t.Fatal(err)
	}

	if networkCalls != 1 {
		t.Errorf("networkCalls = %d, want 1", networkCalls)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestEventBusSubscriberPanicIsolated(t *testing.T) {
	bus := NewEventBus()
	var secondCalled int32
	bus.Subscribe("topic", func(Event) { panic("boom") })
	bus.Subscribe("topic", func(Event) { atomic.AddInt32(&secondCalled, 1) })

	bus.Publish("topic", nil)
	if secondCalled != 1 {
		t.Errorf("second subscriber should still run after first panics")
	}
}
