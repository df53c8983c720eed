package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/driveease/rentctl/internal/authstore"
	"github.com/driveease/rentctl/internal/identity"
)

const (
	authorizePath = "/Login/Authenticate"
	registerPath  = "/api/Customer"
	refreshPath   = "/api/Login/RefreshToken"

	identityProviderName = "google"
)

// registerEmptyFields are backend-required profile fields we cannot derive
// from the identity principal; they are submitted as empty strings.
var registerEmptyFields = []string{
	"Mobile",
	"Address",
	"City",
	"Country",
	"PostalCode",
	"DateOfBirth",
	"LicenseNumber",
	"LicenseExpiry",
	"PassportNumber",
	"EmergencyContact",
}

// Authorize exchanges a verified identity-provider email for a backend
// session. A backend isNew signal triggers exactly one registration
// follow-up, and an outright login failure falls back to registration once
// when a principal is available. There is no separate create-account action.
func (client *Client) Authorize(ctx context.Context, email string, principal *identity.Principal) (*authstore.AuthBundle, error) {
	path := fmt.Sprintf("%s?provider=%s&email=%s", authorizePath, identityProviderName, url.QueryEscape(email))
	payload, doErr := client.do(ctx, requestSpec{
		method:   http.MethodGet,
		path:     path,
		skipAuth: true,
	})
	if doErr != nil {
		if principal == nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthorizationFailed, doErr)
		}
		// Best-effort login-or-register merge: a failed login is treated as
		// a possibly-unregistered user. Registration's own error propagates.
		client.logger.Info("login failed, attempting registration", zap.String("email", email), zap.Error(doErr))
		return client.Register(ctx, principal)
	}

	var bundle authstore.AuthBundle
	if decodeErr := json.Unmarshal(payload, &bundle); decodeErr != nil {
		return nil, fmt.Errorf("api.authorize.decode: %w", decodeErr)
	}

	if bundle.IsNew {
		if principal == nil {
			return nil, fmt.Errorf("%w: new user without identity details", ErrAuthorizationFailed)
		}
		registered, registerErr := client.Register(ctx, principal)
		if registerErr != nil {
			return nil, registerErr
		}
		// Carry the new-user signal forward for welcome messaging.
		registered.IsNew = true
		return registered, nil
	}
	return &bundle, nil
}

// Register submits the multipart profile-creation request populated from the
// principal, with empty-string defaults for every unknown profile field and a
// best-effort profile photo attachment.
func (client *Client) Register(ctx context.Context, principal *identity.Principal) (*authstore.AuthBundle, error) {
	firstName, lastName := splitDisplayName(principal.DisplayName)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"Email":     principal.Email,
		"FirstName": firstName,
		"LastName":  lastName,
		"Provider":  identityProviderName,
		"Username":  principal.Email,
		"FuelUnit":  "0",
	}
	for name, value := range fields {
		if writeErr := form.WriteField(name, value); writeErr != nil {
			return nil, fmt.Errorf("api.register.form: %w", writeErr)
		}
	}
	for _, name := range registerEmptyFields {
		if writeErr := form.WriteField(name, ""); writeErr != nil {
			return nil, fmt.Errorf("api.register.form: %w", writeErr)
		}
	}
	client.attachProfilePhoto(ctx, form, principal.PhotoURL)
	if closeErr := form.Close(); closeErr != nil {
		return nil, fmt.Errorf("api.register.form: %w", closeErr)
	}

	payload, doErr := client.do(ctx, requestSpec{
		method:      http.MethodPost,
		path:        registerPath + "?role=renter",
		body:        body.Bytes(),
		contentType: form.FormDataContentType(),
		skipAuth:    true,
	})
	if doErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationFailed, doErr)
	}

	var bundle authstore.AuthBundle
	if decodeErr := json.Unmarshal(payload, &bundle); decodeErr != nil {
		return nil, fmt.Errorf("api.register.decode: %w", decodeErr)
	}
	bundle.IsNew = true
	return &bundle, nil
}

// Refresh exchanges the current refresh token for a new pair. Single-flight
// coordination lives in the request layer; this call is the bare exchange.
func (client *Client) Refresh(ctx context.Context, bundle authstore.AuthBundle) (string, string, error) {
	requestBody, encodeErr := json.Marshal(map[string]string{
		"refreshToken": bundle.RefreshToken,
		"token":        bundle.Token,
	})
	if encodeErr != nil {
		return "", "", fmt.Errorf("api.refresh.encode: %w", encodeErr)
	}

	payload, doErr := client.do(ctx, requestSpec{
		method:   http.MethodPost,
		path:     refreshPath,
		body:     requestBody,
		skipAuth: true,
	})
	if doErr != nil {
		return "", "", doErr
	}

	var decoded struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	}
	if decodeErr := json.Unmarshal(payload, &decoded); decodeErr != nil {
		return "", "", fmt.Errorf("api.refresh.decode: %w", decodeErr)
	}
	return decoded.Token, decoded.RefreshToken, nil
}

// attachProfilePhoto fetches the identity provider's photo and adds it as a
// file part. Fetch failures are swallowed; registration proceeds without it.
func (client *Client) attachProfilePhoto(ctx context.Context, form *multipart.Writer, photoURL string) {
	if photoURL == "" {
		return
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if requestErr != nil {
		client.logger.Debug("profile photo request build failed", zap.Error(requestErr))
		return
	}
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		client.logger.Debug("profile photo fetch failed", zap.Error(doErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		client.logger.Debug("profile photo fetch rejected", zap.Int("status", response.StatusCode))
		return
	}
	photo, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		client.logger.Debug("profile photo read failed", zap.Error(readErr))
		return
	}
	part, partErr := form.CreateFormFile("ProfilePicture", "profile.jpg")
	if partErr != nil {
		client.logger.Debug("profile photo part failed", zap.Error(partErr))
		return
	}
	if _, writeErr := part.Write(photo); writeErr != nil {
		client.logger.Debug("profile photo write failed", zap.Error(writeErr))
	}
}

func splitDisplayName(displayName string) (string, string) {
	trimmed := strings.TrimSpace(displayName)
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
