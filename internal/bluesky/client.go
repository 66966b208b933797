package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultPDS is the provider endpoint used when none is configured.
const DefaultPDS = "https://bsky.social"

// Client is a minimal BlueSky/AT Protocol XRPC client. It holds no
// credentials; callers supply the bearer token for each request.
type Client struct {
	pds        string
	httpClient *http.Client
}

// Option configures a Client in NewClient.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHTTPTimeout sets the http.Client timeout. Non-positive values are ignored.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a new BlueSky API client. If pds is empty, it defaults to
// https://bsky.social.
func NewClient(pds string, opts ...Option) *Client {
	if pds == "" {
		pds = DefaultPDS
	}
	c := &Client{
		pds: strings.TrimRight(pds, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PDS returns the provider endpoint the client talks to.
func (c *Client) PDS() string {
	return c.pds
}

// Request is a single XRPC call. GET requests send Query; POST requests send
// Body as JSON. A non-empty PDS overrides the client's endpoint.
type Request struct {
	Method string
	NSID   string
	Query  url.Values
	Body   any
	PDS    string
}

// On returns req addressed to pds. An empty pds keeps the client default.
func (req Request) On(pds string) Request {
	if pds != "" {
		req.PDS = pds
	}
	return req
}

// Response is a fully read XRPC response.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// xrpcError is the error body XRPC endpoints return on failure.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorName returns the XRPC error name (e.g. "ExpiredToken"), if any.
func (r *Response) ErrorName() string {
	var e xrpcError
	_ = json.Unmarshal(r.Body, &e)
	return e.Error
}

// Message returns the XRPC error message, if any.
func (r *Response) Message() string {
	var e xrpcError
	_ = json.Unmarshal(r.Body, &e)
	return e.Message
}

// AuthExpired reports whether the response signals an expired or invalid
// access token.
func (r *Response) AuthExpired() bool {
	if r == nil {
		return false
	}
	switch r.StatusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusBadRequest:
		name := r.ErrorName()
		return name == "ExpiredToken" || name == "InvalidToken"
	default:
		return false
	}
}

// Send issues req against the PDS. A non-empty token is attached as a bearer
// credential. Non-2xx statuses are returned as a Response, not an error; an
// error means the call never produced a response.
func (c *Client) Send(ctx context.Context, req Request, token string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	base := c.pds
	if req.PDS != "" {
		base = strings.TrimRight(req.PDS, "/")
	}
	target := base + "/xrpc/" + req.NSID
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
