// Package webclient fetches remote images for analysis, following pages that
// merely embed the image (social posts, articles) to the image itself.
package webclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raysh454/deepscan/internal/logging"
)

var (
	// ErrBodyTooLarge is returned when a response exceeds Config.MaxBodyBytes.
	ErrBodyTooLarge = errors.New("webclient: response body too large")

	// ErrHTTPStatus is returned for non-2xx responses.
	ErrHTTPStatus = errors.New("webclient: unexpected http status")
)

// Config controls outbound requests.
type Config struct {
	Timeout      time.Duration `json:"timeout"`
	MaxBodyBytes int64         `json:"max_body_bytes"`
	UserAgent    string        `json:"user_agent"`

	// AllowPrivateNetworks lets the default client reach loopback, private
	// and link-local addresses. Off unless explicitly enabled.
	AllowPrivateNetworks bool `json:"allow_private_networks"`
}

// DefaultConfig returns a 30s timeout and a 20 MiB body cap.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxBodyBytes: 20 << 20,
		UserAgent:    "deepscan/1.0",
	}
}

type Request struct {
	Method  string
	URL     string
	Headers http.Header
}

type Response struct {
	Request    *Request
	Headers    http.Header
	Body       []byte
	StatusCode int
	FetchedAt  time.Time
}

// ContentType returns the media type without parameters, lower-cased.
func (r *Response) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Client is a net/http backed fetcher with a body size cap.
type Client struct {
	cfg    Config
	client *http.Client
	logger logging.Logger
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout that
// refuses non-public destinations unless cfg.AllowPrivateNetworks is set.
func NewClient(cfg Config, logger logging.Logger, httpClient *http.Client) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}

	componentLogger := logger.With(logging.Field{Key: "component", Value: "webclient"})
	componentLogger.Info("created webclient",
		logging.Field{Key: "timeout", Value: httpClient.Timeout.String()},
		logging.Field{Key: "max_body_bytes", Value: cfg.MaxBodyBytes},
		logging.Field{Key: "allow_private_networks", Value: cfg.AllowPrivateNetworks})

	return &Client{cfg: cfg, client: httpClient, logger: componentLogger}, nil
}

// Do executes req and reads at most MaxBodyBytes of the body. Non-2xx
// responses are returned together with an ErrHTTPStatus error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	c.logger.Debug("sending http request",
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "url", Value: req.URL})

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("http request failed",
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, req.URL, c.cfg.MaxBodyBytes)
	}

	out := &Response{
		Request:    req,
		Body:       body,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now(),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: %s returned %d", ErrHTTPStatus, req.URL, resp.StatusCode)
	}
	return out, nil
}

// Get is a convenience wrapper for a GET request.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: url})
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
