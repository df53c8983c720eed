// Package api is the HTTP access layer for the rental marketplace backend:
// bearer-token attachment, transparent refresh-and-retry on 401, typed
// response envelopes, and the login-or-register authorization flow.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/driveease/rentctl/internal/authstore"
)

const (
	// DefaultTimeout bounds every request so a hung backend cannot block
	// callers indefinitely.
	DefaultTimeout = 30 * time.Second

	vehicleCacheTTL  = 5 * time.Minute
	customerCacheTTL = 10 * time.Minute
)

// Config configures the backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Store   authstore.Store
	Logger  *zap.Logger
	// HTTPClient overrides the transport; used by tests.
	HTTPClient *http.Client
}

// Client talks to the rental backend. Authenticated requests read the bearer
// token from the store on every call; a 401 triggers exactly one
// refresh-and-retry cycle, with concurrent callers sharing a single refresh.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      authstore.Store
	logger     *zap.Logger

	refreshGroup  singleflight.Group
	vehicleCache  *gocache.Cache
	customerCache *gocache.Cache
}

// NewClient validates the configuration and builds a Client.
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("api.new_client: %w", errEmptyBaseURL)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("api.new_client: %w", errMissingStore)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		httpClient:    httpClient,
		store:         config.Store,
		logger:        logger,
		vehicleCache:  gocache.New(vehicleCacheTTL, 2*vehicleCacheTTL),
		customerCache: gocache.New(customerCacheTTL, 2*customerCacheTTL),
	}, nil
}

// InvalidateCaches drops every cached read. Called on logout so a following
// sign-in never sees another account's cached responses.
func (client *Client) InvalidateCaches() {
	client.vehicleCache.Flush()
	client.customerCache.Flush()
}

// requestSpec describes one backend call. The body is a byte slice rather
// than a reader so the 401 retry can replay it.
type requestSpec struct {
	method      string
	path        string
	body        []byte
	contentType string
	// skipAuth marks endpoints (login, register, refresh) that never carry a
	// bearer token and never enter the refresh cycle.
	skipAuth bool
}

// do executes a request: attach token, send, and on 401 run the single-flight
// refresh followed by exactly one retry. Any other non-2xx becomes a
// RequestError for the caller to handle.
func (client *Client) do(ctx context.Context, spec requestSpec) ([]byte, error) {
	token := ""
	if !spec.skipAuth {
		token = client.currentToken()
	}

	payload, status, sendErr := client.send(ctx, spec, token)
	if sendErr != nil {
		return nil, sendErr
	}
	if status >= 200 && status < 300 {
		return payload, nil
	}
	if status != http.StatusUnauthorized || spec.skipAuth {
		return nil, &RequestError{StatusCode: status}
	}

	newToken, refreshErr := client.refreshTokens(ctx)
	if refreshErr != nil {
		return nil, refreshErr
	}

	retryPayload, retryStatus, retryErr := client.send(ctx, spec, newToken)
	if retryErr != nil {
		// The retry is the last chance after a refresh; a transport failure
		// here ends the session the same way a rejected retry does.
		client.expireSession()
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationExpired, retryErr)
	}
	if retryStatus >= 200 && retryStatus < 300 {
		return retryPayload, nil
	}
	client.expireSession()
	return nil, fmt.Errorf("%w: retry status %d", ErrAuthenticationExpired, retryStatus)
}

func (client *Client) send(ctx context.Context, spec requestSpec, token string) ([]byte, int, error) {
	var body io.Reader
	if spec.body != nil {
		body = bytes.NewReader(spec.body)
	}
	request, requestErr := http.NewRequestWithContext(ctx, spec.method, client.baseURL+spec.path, body)
	if requestErr != nil {
		return nil, 0, fmt.Errorf("api.build_request: %w", requestErr)
	}
	contentType := spec.contentType
	if contentType == "" && spec.body != nil {
		contentType = "application/json"
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, 0, fmt.Errorf("api.send: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	payload, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return nil, 0, fmt.Errorf("api.read_body: %w", readErr)
	}
	return payload, response.StatusCode, nil
}

// refreshTokens exchanges the stored refresh token for a new pair. Concurrent
// 401s share one in-flight exchange; two overlapping refreshes would each
// invalidate the other's new token.
func (client *Client) refreshTokens(ctx context.Context) (string, error) {
	result, refreshErr, _ := client.refreshGroup.Do("refresh", func() (interface{}, error) {
		bundle, readErr := client.store.ReadBundle()
		if readErr != nil {
			return nil, readErr
		}
		if bundle == nil || bundle.RefreshToken == "" {
			// Nothing to exchange; do not attempt a network refresh.
			client.expireSession()
			return nil, ErrAuthenticationExpired
		}

		newToken, newRefreshToken, exchangeErr := client.Refresh(ctx, *bundle)
		if exchangeErr != nil {
			client.expireSession()
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationExpired, exchangeErr)
		}

		// Token pair is replaced in place; profile fields are retained.
		bundle.Token = newToken
		bundle.RefreshToken = newRefreshToken
		if saveErr := client.store.SaveBundle(*bundle); saveErr != nil {
			client.expireSession()
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationExpired, saveErr)
		}
		return newToken, nil
	})
	if refreshErr != nil {
		return "", refreshErr
	}
	token, _ := result.(string)
	return token, nil
}

func (client *Client) expireSession() {
	if clearErr := client.store.Clear(); clearErr != nil {
		client.logger.Warn("session clear failed", zap.Error(clearErr))
	}
	client.InvalidateCaches()
}

func (client *Client) currentToken() string {
	bundle, readErr := client.store.ReadBundle()
	if readErr != nil {
		client.logger.Warn("stored bundle unreadable", zap.Error(readErr))
		return ""
	}
	if bundle == nil {
		return ""
	}
	return bundle.Token
}
