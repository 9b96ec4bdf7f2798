package olhovivo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the public Olho Vivo v2.1 endpoint.
const DefaultBaseURL = "https://api.olhovivo.sptrans.com.br/v2.1"

// RequestObserver receives one call per HTTP request issued by the Client.
// status is 0 when the request never got a response.
type RequestObserver interface {
	ObserveRequest(op string, status int, d time.Duration, err error)
}

// Client talks to the Olho Vivo API. Authentication is cookie based, so a
// Client owns a single http.Client (and its jar) for its whole lifetime.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	observer RequestObserver

	mu            sync.Mutex
	authenticated bool
}

func NewClient(baseURL, token string, timeout time.Duration, observer RequestObserver) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: timeout, Jar: jar},
		observer: observer,
	}, nil
}

// Authenticated reports whether the last login succeeded and no request has
// been refused since.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setAuthenticated(v bool) {
	c.mu.Lock()
	c.authenticated = v
	c.mu.Unlock()
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do performs one request and returns the full body. Non-200 statuses are
// returned as-is; interpreting them is up to the caller.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values) ([]byte, int, error) {
	start := time.Now()
	body, status, err := c.roundTrip(ctx, op, method, path, params)
	if c.observer != nil {
		c.observer.ObserveRequest(op, status, time.Since(start), err)
	}
	return body, status, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, params url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, resp.StatusCode, nil
}

// get issues a GET and fails with a RemoteError on anything but 200.
func (c *Client) get(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	body, status, err := c.do(ctx, op, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.setAuthenticated(false)
		}
		return nil, &RemoteError{Op: op, StatusCode: status, Body: excerpt(body)}
	}
	return body, nil
}

// getJSON fetches a JSON document. A body that is not JSON at all fails
// with a DecodeError; valid JSON of an unexpected shape is returned with
// Mismatch set.
func getJSON[T any](ctx context.Context, c *Client, op, path string, params url.Values) (Payload[T], error) {
	var p Payload[T]
	body, err := c.get(ctx, op, path, params)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(body, &p.Value); err != nil {
		dErr := &DecodeError{Op: op, Body: excerpt(body), Err: err}
		if !json.Valid(body) {
			return Payload[T]{}, dErr
		}
		p.Mismatch = dErr
	}
	p.Body = body
	return p, nil
}
