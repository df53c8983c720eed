package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/driveease/rentctl/internal/authstore"
)

func storedBundle(token string, refreshToken string) authstore.AuthBundle {
	return authstore.AuthBundle{
		Token:        token,
		RefreshToken: refreshToken,
		UserDetails:  authstore.CustomerRecord{CustomerID: 7, FirstName: "Ada", Email: "ada@example.com"},
	}
}

func newTestClient(t *testing.T, baseURL string, store authstore.Store) *Client {
	t.Helper()
	client, clientErr := NewClient(Config{
		BaseURL: baseURL,
		Store:   store,
		Logger:  zaptest.NewLogger(t),
	})
	if clientErr != nil {
		t.Fatalf("client error: %v", clientErr)
	}
	return client
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, clientErr := NewClient(Config{Store: authstore.NewMemoryStore()}); clientErr == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, clientErr := NewClient(Config{BaseURL: "http://x"}); clientErr == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	const concurrentCallers = 5

	var refreshCalls atomic.Int64
	var unauthorizedSeen atomic.Int64
	allUnauthorized := make(chan struct{})
	var closeOnce sync.Once

	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/Login/RefreshToken":
			refreshCalls.Add(1)
			// Hold the refresh until every caller has taken its 401, so all
			// of them join the same in-flight exchange.
			<-allUnauthorized
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"token":"new-token","refreshToken":"new-refresh"}`))
		case "/api/Vehicle/1":
			if request.Header.Get("Authorization") != "Bearer new-token" {
				if unauthorizedSeen.Add(1) >= concurrentCallers {
					closeOnce.Do(func() { close(allUnauthorized) })
				}
				writer.WriteHeader(http.StatusUnauthorized)
				return
			}
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"result":{"vehicleId":1,"make":"Tesla"},"hasError":false}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("stale-token", "stale-refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	var waitGroup sync.WaitGroup
	callErrors := make([]error, concurrentCallers)
	for index := 0; index < concurrentCallers; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			_, callErrors[slot] = client.VehicleDetails(context.Background(), 1)
		}(index)
	}
	waitGroup.Wait()

	for slot, callErr := range callErrors {
		if callErr != nil {
			t.Fatalf("caller %d failed: %v", slot, callErr)
		}
	}
	if got := refreshCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}

	bundle, _ := store.ReadBundle()
	if bundle == nil || bundle.Token != "new-token" || bundle.RefreshToken != "new-refresh" {
		t.Fatalf("expected rotated token pair in store, got %+v", bundle)
	}
	if bundle.UserDetails.FirstName != "Ada" {
		t.Fatalf("refresh must retain profile fields, got %+v", bundle.UserDetails)
	}
}

func TestMissingRefreshTokenExpiresWithoutNetworkRefresh(t *testing.T) {
	var refreshCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path == "/api/Login/RefreshToken" {
			refreshCalls.Add(1)
			writer.WriteHeader(http.StatusOK)
			return
		}
		writer.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("stale-token", "")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	_, callErr := client.VehicleDetails(context.Background(), 1)
	if !errors.Is(callErr, ErrAuthenticationExpired) {
		t.Fatalf("expected authentication expired, got %v", callErr)
	}
	if got := refreshCalls.Load(); got != 0 {
		t.Fatalf("expected no network refresh attempt, got %d", got)
	}
	if bundle, _ := store.ReadBundle(); bundle != nil {
		t.Fatalf("expected stored session cleared, got %+v", bundle)
	}
}

func TestRetryAfter401HappensExactlyOnce(t *testing.T) {
	var vehicleCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/Login/RefreshToken":
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"token":"new-token","refreshToken":"new-refresh"}`))
		case "/api/Vehicle/1":
			vehicleCalls.Add(1)
			// Still 401 even with the fresh token.
			writer.WriteHeader(http.StatusUnauthorized)
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("stale-token", "stale-refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	_, callErr := client.VehicleDetails(context.Background(), 1)
	if !errors.Is(callErr, ErrAuthenticationExpired) {
		t.Fatalf("expected authentication expired, got %v", callErr)
	}
	if got := vehicleCalls.Load(); got != 2 {
		t.Fatalf("expected original request plus one retry, got %d", got)
	}
	if bundle, _ := store.ReadBundle(); bundle != nil {
		t.Fatalf("expected stored session cleared after failed retry")
	}
}

// droppingTransport forwards requests until a matching path has been seen
// failAfter times, then fails the connection instead of sending.
type droppingTransport struct {
	pathPrefix string
	failAfter  int64
	seen       atomic.Int64
}

func (transport *droppingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	if strings.HasPrefix(request.URL.Path, transport.pathPrefix) {
		if transport.seen.Add(1) > transport.failAfter {
			return nil, errors.New("connection reset by peer")
		}
	}
	return http.DefaultTransport.RoundTrip(request)
}

func TestRetryTransportFailureExpiresSession(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/Login/RefreshToken":
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"token":"new-token","refreshToken":"new-refresh"}`))
		case "/api/Vehicle/1":
			writer.WriteHeader(http.StatusUnauthorized)
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("stale-token", "stale-refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client, clientErr := NewClient(Config{
		BaseURL: backend.URL,
		Store:   store,
		Logger:  zaptest.NewLogger(t),
		HTTPClient: &http.Client{
			Transport: &droppingTransport{pathPrefix: "/api/Vehicle/", failAfter: 1},
		},
	})
	if clientErr != nil {
		t.Fatalf("client error: %v", clientErr)
	}

	_, callErr := client.VehicleDetails(context.Background(), 1)
	if !errors.Is(callErr, ErrAuthenticationExpired) {
		t.Fatalf("expected authentication expired, got %v", callErr)
	}
	if bundle, _ := store.ReadBundle(); bundle != nil {
		t.Fatalf("expected stored session cleared after retry failure, got %+v", bundle)
	}
}

func TestNon401FailureDoesNotForceLogout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("token", "refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	_, callErr := client.VehicleDetails(context.Background(), 404)
	var requestErr *RequestError
	if !errors.As(callErr, &requestErr) {
		t.Fatalf("expected request error, got %v", callErr)
	}
	if requestErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", requestErr.StatusCode)
	}
	if bundle, _ := store.ReadBundle(); bundle == nil {
		t.Fatalf("feature-level failure must not clear the session")
	}
}

func TestEnvelopeHasErrorIsApplicationFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"result":null,"hasError":true,"errorCode":1402,"errorMessage":"vehicle offline"}`))
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("token", "refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	_, callErr := client.VehicleDetails(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(callErr, &apiErr) {
		t.Fatalf("expected application error on HTTP 200, got %v", callErr)
	}
	if apiErr.Code != 1402 || apiErr.Message != "vehicle offline" {
		t.Fatalf("unexpected application error %+v", apiErr)
	}
}

func TestVehicleDetailsUsesCache(t *testing.T) {
	var vehicleCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		vehicleCalls.Add(1)
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"result":{"vehicleId":1,"make":"Tesla"},"hasError":false}`))
	}))
	defer backend.Close()

	store := authstore.NewMemoryStore()
	if saveErr := store.SaveBundle(storedBundle("token", "refresh")); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}
	client := newTestClient(t, backend.URL, store)

	for round := 0; round < 3; round++ {
		vehicle, callErr := client.VehicleDetails(context.Background(), 1)
		if callErr != nil {
			t.Fatalf("round %d error: %v", round, callErr)
		}
		if vehicle.Make != "Tesla" {
			t.Fatalf("unexpected vehicle %+v", vehicle)
		}
	}
	if got := vehicleCalls.Load(); got != 1 {
		t.Fatalf("expected one backend hit for cached reads, got %d", got)
	}

	client.InvalidateCaches()
	if _, callErr := client.VehicleDetails(context.Background(), 1); callErr != nil {
		t.Fatalf("post-invalidation error: %v", callErr)
	}
	if got := vehicleCalls.Load(); got != 2 {
		t.Fatalf("expected cache invalidation to hit backend again, got %d", got)
	}
}

func TestVehicleFiltersOmitZeroValues(t *testing.T) {
	filters := VehicleFilters{
		MinPrice: 1000,
		Make:     "Tesla",
		MinYear:  2020,
	}
	encoded := filters.encode()
	if encoded != "make=Tesla&minPrice=1000&minYear=2020" {
		t.Fatalf("unexpected query %q", encoded)
	}
	if empty := (VehicleFilters{}).encode(); empty != "" {
		t.Fatalf("expected empty query for zero filters, got %q", empty)
	}
}
