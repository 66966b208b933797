package bluesky

import (
	"log/slog"
	"net/http"
	"time"
)

// WithDebugLogging wraps the client's transport so each request and response
// line is logged at debug level. Headers and bodies are never logged; bearer
// tokens would otherwise leak into log output.
func WithDebugLogging(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			return
		}
		base := c.httpClient.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.httpClient.Transport = &debugTransport{base: base, logger: logger}
	}
}

type debugTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (dt *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := dt.base.RoundTrip(req)
	if err != nil {
		dt.logger.Debug("xrpc request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return nil, err
	}
	dt.logger.Debug("xrpc request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}
