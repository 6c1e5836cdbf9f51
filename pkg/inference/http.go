package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPOption configures the HTTP client.
type HTTPOption func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// WithModel records the model name served by the endpoint.
func WithModel(model string) HTTPOption {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithRateLimit caps outbound requests per second. A non-positive rps
// disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewHTTP creates a client for a generic POST endpoint accepting the Request
// body and answering {"content": "..."}. Per-call timeouts come from the
// caller's context, so the default HTTP client has no overall timeout.
func NewHTTP(endpoint string, opts ...HTTPOption) Client {
	c := &httpClient{
		endpoint: endpoint,
		model:    "local",
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Model() string { return c.model }

func (c *httpClient) Send(ctx context.Context, payload string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "inference: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBufferString(payload))
	if err != nil {
		return nil, eris.Wrap(err, "inference: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "inference: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "inference: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Wait:       parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		// Some servers answer with bare text; treat the body as the content.
		return &Response{Content: string(body)}, nil
	}
	return &out, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	_, err := Complete(ctx, c, pingRequest)
	return eris.Wrap(err, "inference: ping")
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
