package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	webassets "github.com/driveease/rentctl/web"
)

const (
	googleIssuerHTTPS = "https://accounts.google.com"
	googleIssuerBare  = "accounts.google.com"
	defaultRevokeURL  = "https://oauth2.googleapis.com/revoke"

	callbackPath = "/callback"
)

// GoogleTokenValidator validates a raw Google ID token against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, rawIDToken string, audience string) (*idtoken.Payload, error)
}

type googleTokenValidator struct{}

func (googleTokenValidator) Validate(ctx context.Context, rawIDToken string, audience string) (*idtoken.Payload, error) {
	return idtoken.Validate(ctx, rawIDToken, audience)
}

// GoogleConfig configures the Google identity provider client.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// SessionPath is the file holding the durable provider session.
	SessionPath string
	// ListenAddr is the loopback address for the redirect listener.
	// Defaults to 127.0.0.1:0 (ephemeral port).
	ListenAddr string
	// OpenBrowser launches the consent URL. Defaults to the platform opener.
	OpenBrowser func(consentURL string) error
	// Endpoint overrides the OAuth endpoint; used by tests.
	Endpoint *oauth2.Endpoint
	// Validator overrides ID token validation; used by tests.
	Validator GoogleTokenValidator
	// RevokeURL overrides the token revocation endpoint; used by tests.
	RevokeURL string
	Logger    *zap.Logger
}

// GoogleProvider implements Provider with the OAuth authorization-code flow:
// the system browser is opened at the consent page and the redirect lands on
// a loopback HTTP server. The resulting session is persisted to disk so the
// provider identity survives process restarts.
type GoogleProvider struct {
	config    GoogleConfig
	logger    *zap.Logger
	validator GoogleTokenValidator

	mutex       sync.Mutex
	current     *Principal
	subscribers map[int]func(*Principal)
	nextToken   int
}

type persistedSession struct {
	Principal  Principal     `json:"principal"`
	OAuthToken *oauth2.Token `json:"oauthToken"`
}

var (
	errMissingClientID    = errors.New("identity.google.missing_client_id")
	errMissingSessionPath = errors.New("identity.google.missing_session_path")
)

// NewGoogleProvider validates the configuration and loads any persisted
// provider session so PrincipalChanges can replay it.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.ClientID) == "" {
		return nil, fmt.Errorf("identity.google.new: %w", errMissingClientID)
	}
	if strings.TrimSpace(config.SessionPath) == "" {
		return nil, fmt.Errorf("identity.google.new: %w", errMissingSessionPath)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := config.Validator
	if validator == nil {
		validator = googleTokenValidator{}
	}
	provider := &GoogleProvider{
		config:      config,
		logger:      logger,
		validator:   validator,
		subscribers: make(map[int]func(*Principal)),
	}
	provider.current = provider.loadPersisted()
	return provider, nil
}

// SignIn runs the interactive consent flow and returns the signed-in
// principal. The session file's directory is created before the browser
// opens, so the resulting session is durable from the start.
func (provider *GoogleProvider) SignIn(ctx context.Context) (*Principal, error) {
	if mkdirErr := os.MkdirAll(filepath.Dir(provider.config.SessionPath), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("identity.google.persistence: %w", mkdirErr)
	}

	listenAddr := provider.config.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}
	listener, listenErr := net.Listen("tcp", listenAddr)
	if listenErr != nil {
		return nil, fmt.Errorf("identity.google.listen: %w", listenErr)
	}
	defer func() { _ = listener.Close() }()

	redirectURL := fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)
	oauthConfig := provider.oauthConfig(redirectURL)

	stateNonce, nonceErr := newStateNonce()
	if nonceErr != nil {
		return nil, fmt.Errorf("identity.google.nonce: %w", nonceErr)
	}

	results := make(chan callbackResult, 1)
	server := &http.Server{
		Handler:           newCallbackRouter(stateNonce, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			provider.logger.Warn("callback server stopped", zap.Error(serveErr))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	consentURL := oauthConfig.AuthCodeURL(stateNonce, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	openBrowser := provider.config.OpenBrowser
	if openBrowser == nil {
		openBrowser = launchBrowser
	}
	if openErr := openBrowser(consentURL); openErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserLaunch, openErr)
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrFlowCanceled, ctx.Err())
	case result = <-results:
	}
	if result.err != nil {
		return nil, result.err
	}

	exchanged, exchangeErr := oauthConfig.Exchange(ctx, result.code)
	if exchangeErr != nil {
		return nil, fmt.Errorf("identity.google.exchange: %w", exchangeErr)
	}
	rawIDToken, ok := exchanged.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}

	payload, validateErr := provider.validator.Validate(ctx, rawIDToken, provider.config.ClientID)
	if validateErr != nil {
		return nil, fmt.Errorf("identity.google.validate: %w", validateErr)
	}
	principal, principalErr := principalFromClaims(payload.Claims)
	if principalErr != nil {
		return nil, principalErr
	}

	if persistErr := provider.persist(persistedSession{Principal: *principal, OAuthToken: exchanged}); persistErr != nil {
		return nil, persistErr
	}
	provider.setCurrent(principal)
	return principal, nil
}

// SignOut revokes the provider session and removes the persisted copy. The
// revocation request completes before local state changes, so a stale
// sign-in event cannot resurrect the session afterwards.
func (provider *GoogleProvider) SignOut(ctx context.Context) error {
	session := provider.loadPersisted()
	if session != nil {
		provider.revoke(ctx)
	}
	if removeErr := os.Remove(provider.config.SessionPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("identity.google.sign_out: %w", removeErr)
	}
	provider.setCurrent(nil)
	return nil
}

// PrincipalChanges registers a callback fired immediately with the current
// principal and again on each subsequent change.
func (provider *GoogleProvider) PrincipalChanges(callback func(*Principal)) func() {
	provider.mutex.Lock()
	token := provider.nextToken
	provider.nextToken++
	provider.subscribers[token] = callback
	current := provider.current
	provider.mutex.Unlock()

	callback(current)
	return func() {
		provider.mutex.Lock()
		defer provider.mutex.Unlock()
		delete(provider.subscribers, token)
	}
}

func (provider *GoogleProvider) oauthConfig(redirectURL string) *oauth2.Config {
	endpoint := google.Endpoint
	if provider.config.Endpoint != nil {
		endpoint = *provider.config.Endpoint
	}
	return &oauth2.Config{
		ClientID:     provider.config.ClientID,
		ClientSecret: provider.config.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoint,
		Scopes:       []string{"openid", "email", "profile"},
	}
}

func (provider *GoogleProvider) revoke(ctx context.Context) {
	session := provider.loadPersistedToken()
	if session == nil {
		return
	}
	revokeURL := provider.config.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultRevokeURL
	}
	form := url.Values{"token": {session.AccessToken}}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if requestErr != nil {
		provider.logger.Warn("revocation request build failed", zap.Error(requestErr))
		return
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, doErr := http.DefaultClient.Do(request)
	if doErr != nil {
		provider.logger.Warn("revocation request failed", zap.Error(doErr))
		return
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= 300 {
		provider.logger.Warn("revocation rejected", zap.Int("status", response.StatusCode))
	}
}

func (provider *GoogleProvider) setCurrent(principal *Principal) {
	provider.mutex.Lock()
	provider.current = principal
	callbacks := make([]func(*Principal), 0, len(provider.subscribers))
	for _, callback := range provider.subscribers {
		callbacks = append(callbacks, callback)
	}
	provider.mutex.Unlock()
	for _, callback := range callbacks {
		callback(principal)
	}
}

func (provider *GoogleProvider) persist(session persistedSession) error {
	encoded, encodeErr := json.Marshal(session)
	if encodeErr != nil {
		return fmt.Errorf("identity.google.persist: %w", encodeErr)
	}
	if writeErr := os.WriteFile(provider.config.SessionPath, encoded, 0o600); writeErr != nil {
		return fmt.Errorf("identity.google.persist: %w", writeErr)
	}
	return nil
}

func (provider *GoogleProvider) loadPersisted() *Principal {
	session := provider.loadPersistedSession()
	if session == nil {
		return nil
	}
	principal := session.Principal
	return &principal
}

func (provider *GoogleProvider) loadPersistedToken() *oauth2.Token {
	session := provider.loadPersistedSession()
	if session == nil {
		return nil
	}
	return session.OAuthToken
}

func (provider *GoogleProvider) loadPersistedSession() *persistedSession {
	raw, readErr := os.ReadFile(provider.config.SessionPath)
	if readErr != nil {
		return nil
	}
	var session persistedSession
	if decodeErr := json.Unmarshal(raw, &session); decodeErr != nil {
		provider.logger.Debug("ignoring malformed provider session", zap.Error(decodeErr))
		return nil
	}
	if session.Principal.Email == "" {
		return nil
	}
	return &session
}

type callbackResult struct {
	code string
	err  error
}

// newCallbackRouter serves the loopback redirect: one-shot, state-checked.
func newCallbackRouter(stateNonce string, results chan<- callbackResult) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET(callbackPath, func(contextGin *gin.Context) {
		deliver := func(result callbackResult) {
			select {
			case results <- result:
			default:
			}
		}
		if errorCode := contextGin.Query("error"); errorCode != "" {
			contextGin.Data(http.StatusOK, "text/html; charset=utf-8", webassets.SignInDeniedHTML)
			deliver(callbackResult{err: fmt.Errorf("%w: %s", ErrFlowCanceled, errorCode)})
			return
		}
		if contextGin.Query("state") != stateNonce {
			contextGin.AbortWithStatus(http.StatusBadRequest)
			deliver(callbackResult{err: ErrStateMismatch})
			return
		}
		code := contextGin.Query("code")
		if code == "" {
			contextGin.AbortWithStatus(http.StatusBadRequest)
			deliver(callbackResult{err: ErrFlowCanceled})
			return
		}
		contextGin.Data(http.StatusOK, "text/html; charset=utf-8", webassets.SignInCompleteHTML)
		deliver(callbackResult{code: code})
	})
	return router
}

func principalFromClaims(claims map[string]interface{}) (*Principal, error) {
	issuerValue, _ := claims["iss"].(string)
	if issuerValue != googleIssuerHTTPS && issuerValue != googleIssuerBare {
		return nil, fmt.Errorf("%w: issuer %q", ErrUnverifiedIdentity, issuerValue)
	}
	email, _ := claims["email"].(string)
	emailVerified, _ := claims["email_verified"].(bool)
	if email == "" || !emailVerified {
		return nil, ErrUnverifiedIdentity
	}
	displayName, _ := claims["name"].(string)
	photoURL, _ := claims["picture"].(string)
	return &Principal{
		Email:       email,
		DisplayName: displayName,
		PhotoURL:    photoURL,
	}, nil
}

func launchBrowser(consentURL string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", consentURL).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", consentURL).Start()
	default:
		return exec.Command("xdg-open", consentURL).Start()
	}
}
