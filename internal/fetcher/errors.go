package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStatus marks a response outside the 2xx range.
	ErrStatus = errors.New("unexpected status")
	// ErrBlocked marks a URL refused by the request policy.
	ErrBlocked = errors.New("blocked by robots.txt")
	// ErrBodyTooLarge marks a body over the configured cap.
	ErrBodyTooLarge = errors.New("response body too large")
	// ErrUnsupportedScheme marks URLs that are neither http(s) nor data.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrMalformedDataURL marks data: URLs that cannot be decoded.
	ErrMalformedDataURL = errors.New("malformed data url")
)

// Error is the failure of a single resource fetch.
type Error struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether another attempt could succeed: transport
// failures, timeouts, 408, 429 and 5xx responses.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode != 0:
		return false
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	for _, permanent := range []error{ErrBlocked, ErrBodyTooLarge, ErrUnsupportedScheme, ErrMalformedDataURL} {
		if errors.Is(e.Err, permanent) {
			return false
		}
	}
	return true
}

// IsTemporary reports whether err is a fetch error worth retrying.
func IsTemporary(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Temporary()
	}
	return false
}

// StatusCode extracts the HTTP status from a fetch error, or 0.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
