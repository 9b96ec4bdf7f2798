package olhovivo

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Authenticate logs the session in. The API answers 200 with a bare "true"
// or "false"; only "true" (any case, surrounding whitespace ignored) counts.
// On success the session cookie lives in the client's jar. No retries.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.token == "" {
		c.setAuthenticated(false)
		return &AuthError{Err: ErrMissingToken}
	}

	body, status, err := c.do(ctx, "authenticate", http.MethodPost, "/Login/Autenticar", url.Values{"token": {c.token}})
	if err != nil {
		c.setAuthenticated(false)
		return &AuthError{StatusCode: status, Err: err}
	}
	if status != http.StatusOK || strings.ToLower(strings.TrimSpace(string(body))) != "true" {
		c.setAuthenticated(false)
		return &AuthError{StatusCode: status, Body: excerpt(body)}
	}

	c.setAuthenticated(true)
	return nil
}
