package httpstack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

const maxRedirects = 10

// BaseClient is the bottom of the decorator chain: an HTTPS-only
// streaming client with fixed timeouts and a bounded redirect count.
type BaseClient struct {
	hc *http.Client
}

// Timeouts configures BaseClient's connect/read/write budgets.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
}

// DefaultTimeouts is 5s to connect, 30s to read or write.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 5 * time.Second, Read: 30 * time.Second, Write: 30 * time.Second}
}

// NewBaseClient builds a BaseClient. The read timeout bounds the whole
// request/response round trip (net/http has no separate connect/write
// knobs at this layer without a custom Transport/DialContext, so the
// coarser http.Client.Timeout uses the read budget, the one most likely
// to matter for the streaming downloads this stack drives).
func NewBaseClient(timeouts Timeouts) *BaseClient {
	return &BaseClient{
		hc: &http.Client{
			Timeout: timeouts.Read,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return ctlerr.New(ctlerr.TooManyRedirects, "exceeded %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// NewBaseClientForTest builds a BaseClient around an already-configured
// *http.Client (e.g. httptest.Server.Client(), which trusts that
// server's TLS certificate). Exported for other packages' tests that
// need a real BaseClient without a live mods.factorio.com.
func NewBaseClientForTest(hc *http.Client) *BaseClient {
	return &BaseClient{hc: hc}
}

func checkHTTPS(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ctlerr.Wrap(ctlerr.URLError, err, "invalid URL %q", rawURL)
	}
	if u.Scheme != "https" {
		return ctlerr.New(ctlerr.URLError, "non-HTTPS URL %q", rawURL)
	}
	return nil
}

func (c *BaseClient) do(req *http.Request, sink io.Writer) (*Response, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		// CheckRedirect errors come back wrapped in a *url.Error.
		var ctlErr *ctlerr.Error
		if errors.As(err, &ctlErr) {
			return nil, ctlErr
		}
		return nil, err
	}
	defer resp.Body.Close()

	if sink != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if _, err := io.Copy(sink, resp.Body); err != nil {
			return nil, err
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if cerr := classify(resp.StatusCode, body); cerr != nil {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, cerr
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *BaseClient) Get(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error) {
	if err := checkHTTPS(uri); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.URLError, err, "building request for %q", uri)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, sink)
}

func (c *BaseClient) Post(ctx context.Context, uri string, headers map[string]string, body io.Reader, contentType string) (*Response, error) {
	if err := checkHTTPS(uri); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if body != nil {
		if _, err := io.Copy(&buf, body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.URLError, err, "building request for %q", uri)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, nil)
}
