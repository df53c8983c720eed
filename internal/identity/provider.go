// Package identity wraps the third-party identity provider: interactive
// sign-in, sign-out, and a current-principal notification stream. Provider
// identity is not the same thing as a backend session; the session controller
// owns that distinction.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrBrowserLaunch indicates the interactive consent page could not be opened.
	ErrBrowserLaunch = errors.New("identity.browser_launch")
	// ErrFlowCanceled indicates the user abandoned or denied the interactive flow.
	ErrFlowCanceled = errors.New("identity.flow_canceled")
	// ErrStateMismatch indicates the redirect carried an unknown state nonce.
	ErrStateMismatch = errors.New("identity.state_mismatch")
	// ErrMissingIDToken indicates the token exchange returned no ID token.
	ErrMissingIDToken = errors.New("identity.missing_id_token")
	// ErrUnverifiedIdentity indicates the ID token lacks a verified email.
	ErrUnverifiedIdentity = errors.New("identity.unverified")
)

// Principal is the identity provider's record of the signed-in user.
type Principal struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

// Provider is the interactive identity provider client.
type Provider interface {
	// SignIn runs the interactive flow and returns the resulting principal.
	// The provider session is made durable before the flow opens, so it
	// outlives the current process. Flow errors propagate to the caller.
	SignIn(ctx context.Context) (*Principal, error)
	// SignOut terminates the provider session. Callers must await it fully
	// before declaring local state logged out.
	SignOut(ctx context.Context) error
	// PrincipalChanges fires the callback once immediately with the current
	// principal (or nil) and again on every subsequent sign-in or sign-out.
	PrincipalChanges(callback func(*Principal)) (cancel func())
}
