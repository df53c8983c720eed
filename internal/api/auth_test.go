package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/driveease/rentctl/internal/authstore"
	"github.com/driveease/rentctl/internal/identity"
)

func testPrincipal() *identity.Principal {
	return &identity.Principal{
		Email:       "ada@example.com",
		DisplayName: "Ada Lovelace",
	}
}

func TestAuthorizeKnownUserReturnsBundleDirectly(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/Login/Authenticate" {
			t.Errorf("unexpected path %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		if request.Header.Get("Authorization") != "" {
			t.Errorf("login must not carry a bearer token")
		}
		query := request.URL.Query()
		if query.Get("provider") != "google" || query.Get("email") != "ada@example.com" {
			t.Errorf("unexpected query %s", request.URL.RawQuery)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"token":"t1","refreshToken":"r1","isNew":false,"userDetails":{"firstName":"Ada"}}`))
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())
	bundle, authorizeErr := client.Authorize(context.Background(), "ada@example.com", testPrincipal())
	if authorizeErr != nil {
		t.Fatalf("authorize error: %v", authorizeErr)
	}
	if bundle.Token != "t1" || bundle.RefreshToken != "r1" || bundle.IsNew {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if bundle.UserDetails.FirstName != "Ada" {
		t.Fatalf("expected embedded customer, got %+v", bundle.UserDetails)
	}
}

func TestAuthorizeNewUserRegistersExactlyOnce(t *testing.T) {
	var registerCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/Login/Authenticate":
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"isNew":true}`))
		case "/api/Customer":
			registerCalls.Add(1)
			if request.URL.Query().Get("role") != "renter" {
				t.Errorf("expected role=renter, got %s", request.URL.RawQuery)
			}
			if parseErr := request.ParseMultipartForm(1 << 20); parseErr != nil {
				t.Errorf("parse multipart: %v", parseErr)
			}
			if got := request.FormValue("Email"); got != "ada@example.com" {
				t.Errorf("expected principal email, got %q", got)
			}
			if got := request.FormValue("FuelUnit"); got != "0" {
				t.Errorf("expected FuelUnit 0, got %q", got)
			}
			if got := request.FormValue("FirstName"); got != "Ada" {
				t.Errorf("expected split first name, got %q", got)
			}
			if got := request.FormValue("LastName"); got != "Lovelace" {
				t.Errorf("expected split last name, got %q", got)
			}
			if got := request.FormValue("Provider"); got != "google" {
				t.Errorf("expected provider google, got %q", got)
			}
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"token":"t2","refreshToken":"r2","userDetails":{"firstName":"Ada"}}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())
	bundle, authorizeErr := client.Authorize(context.Background(), "ada@example.com", testPrincipal())
	if authorizeErr != nil {
		t.Fatalf("authorize error: %v", authorizeErr)
	}
	if got := registerCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one registration call, got %d", got)
	}
	if !bundle.IsNew {
		t.Fatalf("expected new-user signal carried forward, got %+v", bundle)
	}
	if bundle.Token != "t2" {
		t.Fatalf("expected registration bundle, got %+v", bundle)
	}
}

func TestAuthorizeFailureFallsBackToRegistration(t *testing.T) {
	var registerCalls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/Login/Authenticate":
			writer.WriteHeader(http.StatusBadGateway)
		case "/api/Customer":
			registerCalls.Add(1)
			writer.Header().Set("Content-Type", "application/json")
			_, _ = writer.Write([]byte(`{"token":"t3","refreshToken":"r3"}`))
		default:
			writer.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())
	bundle, authorizeErr := client.Authorize(context.Background(), "ada@example.com", testPrincipal())
	if authorizeErr != nil {
		t.Fatalf("authorize error: %v", authorizeErr)
	}
	if got := registerCalls.Load(); got != 1 {
		t.Fatalf("expected one fallback registration, got %d", got)
	}
	if bundle.Token != "t3" || !bundle.IsNew {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
}

func TestAuthorizeFailureWithoutPrincipalIsAuthorizationFailed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())
	_, authorizeErr := client.Authorize(context.Background(), "ada@example.com", nil)
	if !errors.Is(authorizeErr, ErrAuthorizationFailed) {
		t.Fatalf("expected authorization failed, got %v", authorizeErr)
	}
}

func TestAuthorizeAndRegistrationBothFailing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())
	_, authorizeErr := client.Authorize(context.Background(), "ada@example.com", testPrincipal())
	if !errors.Is(authorizeErr, ErrAuthorizationFailed) {
		t.Fatalf("expected authorization failed after fallback, got %v", authorizeErr)
	}
}

func TestRegisterAttachesProfilePhotoBestEffort(t *testing.T) {
	photoServer := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte("jpeg-bytes"))
	}))
	defer photoServer.Close()

	var photoSeen atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if parseErr := request.ParseMultipartForm(1 << 20); parseErr != nil {
			t.Errorf("parse multipart: %v", parseErr)
		}
		if request.MultipartForm != nil && len(request.MultipartForm.File["ProfilePicture"]) == 1 {
			photoSeen.Store(true)
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"token":"t1","refreshToken":"r1"}`))
	}))
	defer backend.Close()

	client := newTestClient(t, backend.URL, authstore.NewMemoryStore())

	principal := testPrincipal()
	principal.PhotoURL = photoServer.URL + "/photo.jpg"
	if _, registerErr := client.Register(context.Background(), principal); registerErr != nil {
		t.Fatalf("register error: %v", registerErr)
	}
	if !photoSeen.Load() {
		t.Fatalf("expected profile photo attached")
	}

	// A dead photo URL must not fail registration.
	photoServer.Close()
	if _, registerErr := client.Register(context.Background(), principal); registerErr != nil {
		t.Fatalf("register with unreachable photo must still succeed: %v", registerErr)
	}
}

func TestSplitDisplayName(t *testing.T) {
	cases := []struct {
		input     string
		firstName string
		lastName  string
	}{
		{"Ada Lovelace", "Ada", "Lovelace"},
		{"Ada", "Ada", ""},
		{"Ada Byron Lovelace", "Ada", "Byron Lovelace"},
		{"  ", "", ""},
	}
	for _, testCase := range cases {
		firstName, lastName := splitDisplayName(testCase.input)
		if firstName != testCase.firstName || lastName != testCase.lastName {
			t.Fatalf("split %q: expected %q/%q, got %q/%q", testCase.input, testCase.firstName, testCase.lastName, firstName, lastName)
		}
	}
}
