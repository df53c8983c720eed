package api

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationExpired indicates the token refresh or the retried
	// request failed; the stored session has been cleared and the user must
	// sign in again.
	ErrAuthenticationExpired = errors.New("api.authentication_expired")
	// ErrAuthorizationFailed indicates the backend rejected the login and the
	// registration fallback also failed.
	ErrAuthorizationFailed = errors.New("api.authorization_failed")

	errEmptyBaseURL = errors.New("api.empty_base_url")
	errMissingStore = errors.New("api.missing_store")
)

// RequestError reports a non-2xx HTTP status outside the 401 refresh cycle.
// The calling feature decides recovery; it never forces a logout.
type RequestError struct {
	StatusCode int
}

func (requestErr *RequestError) Error() string {
	return fmt.Sprintf("api.request_failed: status %d", requestErr.StatusCode)
}

// APIError reports an application-level failure signaled inside a response
// envelope, even when the transport status was 2xx.
type APIError struct {
	Code    int
	Message string
}

func (apiErr *APIError) Error() string {
	if apiErr.Message == "" {
		return fmt.Sprintf("api.application_error: code %d", apiErr.Code)
	}
	return fmt.Sprintf("api.application_error: code %d: %s", apiErr.Code, apiErr.Message)
}
