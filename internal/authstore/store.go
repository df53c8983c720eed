package authstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Storage keys shared by every Store implementation. The flat token keys
// duplicate fields of the combined record so that legacy direct reads keep
// working.
const (
	keyAuthBundle   = "auth_data"
	keyAuthToken    = "authToken"
	keyRefreshToken = "refreshToken"
	keyCustomer     = "userdetails"
	keyRedirect     = "redirectUrl"
)

var (
	// ErrUnsupportedScheme indicates that no Store implementation is available for the storage URL scheme.
	ErrUnsupportedScheme = errors.New("authstore.unsupported_scheme")

	errEmptyStorageURL = errors.New("authstore.empty_storage_url")
	errNoScheme        = errors.New("authstore.no_scheme")
)

// Store persists the session bundle and customer snapshot in durable storage
// shared with other processes. Reads never fail on malformed stored data;
// such data is treated as absent.
type Store interface {
	// SaveBundle overwrites the combined bundle record, the flat token keys,
	// and the customer record. No merge is performed.
	SaveBundle(bundle AuthBundle) error
	// ReadBundle returns the stored bundle, or nil when absent or malformed.
	ReadBundle() (*AuthBundle, error)
	// ReadCustomer returns the cached customer record, or nil when absent or malformed.
	ReadCustomer() (*CustomerRecord, error)
	// Clear removes the bundle and every derived key. Clearing an already
	// empty store is a no-op.
	Clear() error
	// SaveRedirectTarget remembers where to return the user after sign-in.
	SaveRedirectTarget(target string) error
	// TakeRedirectTarget returns and removes the stored redirect target.
	TakeRedirectTarget() (string, error)
	// Subscribe registers a callback fired when the storage content changes,
	// including changes made by other processes sharing the storage.
	// Delivery is eventual; callers re-read the store on notification.
	Subscribe(callback func()) (cancel func())
	// Close releases watchers and connections.
	Close() error
}

// OpenOptions tune Store construction.
type OpenOptions struct {
	Logger       *zap.Logger
	PollInterval time.Duration
}

// Open constructs a Store from a storage URL. Supported schemes:
// file:// for a directory of JSON records, sqlite:// and postgres:// for a
// GORM-backed shared table.
func Open(storageURL string, options OpenOptions) (Store, error) {
	if strings.TrimSpace(storageURL) == "" {
		return nil, fmt.Errorf("authstore.open: %w", errEmptyStorageURL)
	}
	parsed, parseErr := url.Parse(storageURL)
	if parseErr != nil {
		return nil, fmt.Errorf("authstore.open.parse_url: %w", parseErr)
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("authstore.open: %w", errNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "file":
		directory := filePathFromURL(parsed)
		return NewFileStore(directory, options.Logger)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseStore(storageURL, options)
	default:
		return nil, fmt.Errorf("authstore.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func filePathFromURL(parsed *url.URL) string {
	if parsed.Opaque != "" {
		return parsed.Opaque
	}
	if parsed.Host != "" {
		return parsed.Host + parsed.Path
	}
	return parsed.Path
}
