// Package httpstack is a streaming HTTP client decorated with retry and
// cache behavior, plus the event bus cache/download/upload invalidation
// flows publish to. Every layer implements the same Client interface,
// so callers compose exactly the stack they need.
package httpstack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// Response is what every Client method returns. Body is populated only
// when the caller did not supply a streaming sink.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the composable surface every decorator and BaseClient
// implement. The usual chain is RetryDecorator over CacheDecorator
// over BaseClient.
type Client interface {
	// Get issues a GET request. If sink is non-nil, the response body is
	// streamed to it chunk by chunk and Response.Body is left nil;
	// otherwise the body is buffered into Response.Body.
	Get(ctx context.Context, uri string, headers map[string]string, sink io.Writer) (*Response, error)
	// Post issues a POST request with the given body and content type.
	Post(ctx context.Context, uri string, headers map[string]string, body io.Reader, contentType string) (*Response, error)
}

// apiError is the shape of a JSON error body BaseClient looks for when
// classifying a 4xx response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify turns an HTTP status code into a typed ctlerr error. 2xx
// returns nil.
func classify(statusCode int, body []byte) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return ctlerr.New(ctlerr.HTTPNotFound, "request failed: %d", statusCode)
	case statusCode >= 400 && statusCode < 500:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && (apiErr.Error != "" || apiErr.Message != "") {
			return ctlerr.New(ctlerr.HTTPClientError, "%s: %s (status %d)", apiErr.Error, apiErr.Message, statusCode)
		}
		return ctlerr.New(ctlerr.HTTPClientError, "request failed: %d", statusCode)
	case statusCode >= 500:
		return ctlerr.New(ctlerr.HTTPServerError, "request failed: %d", statusCode)
	default:
		return nil
	}
}
