package olhovivo

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMissingToken is reported by Authenticate when no token was configured.
var ErrMissingToken = errors.New("olhovivo: access token not configured")

// bodyExcerptLen bounds how much of a response body ends up in errors and logs.
const bodyExcerptLen = 200

// AuthError means the session could not be authenticated: missing token,
// rejected token, unexpected response, or a transport failure on login.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("olhovivo: authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("olhovivo: authentication rejected (status %d): %q", e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError is a non-200 answer from the API.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("olhovivo: %s: status %d: %q", e.Op, e.StatusCode, e.Body)
}

// TransportError wraps network level failures (timeouts, resets, DNS).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("olhovivo: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError describes a JSON endpoint body that did not decode. It is
// returned as an error when the body is not JSON at all and carried in
// Payload.Mismatch when it is JSON of another shape.
type DecodeError struct {
	Op   string
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("olhovivo: %s: decode response: %v (body %q)", e.Op, e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func excerpt(b []byte) string {
	if len(b) <= bodyExcerptLen {
		return string(b)
	}
	cut := b[:bodyExcerptLen]
	// don't split a multi-byte rune
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		if r, size := utf8.DecodeLastRune(cut); r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return string(cut)
}
