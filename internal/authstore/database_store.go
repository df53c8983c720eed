package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultPollInterval = 2 * time.Second

var (
	errSQLiteEmptyPath  = errors.New("authstore.sqlite.empty_path")
	errSQLiteInvalidURL = errors.New("authstore.sqlite.invalid_url")
)

// DatabaseStore persists the session in a shared key/value table using GORM.
// It serves setups where several hosts share one session, such as a kiosk
// fleet pointed at the same database. Cross-process change notification is
// polling based; eventual delivery is all the contract requires.
type DatabaseStore struct {
	db           *gorm.DB
	driverLabel  string
	logger       *zap.Logger
	pollInterval time.Duration

	mutex       sync.Mutex
	subscribers map[int]func()
	nextToken   int
	pollStop    chan struct{}
	pollDone    chan struct{}
	lastStamp   string
}

type sessionRecord struct {
	Key         string `gorm:"column:key;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	UpdatedNano int64  `gorm:"column:updated_nano;not null"`
}

func (sessionRecord) TableName() string {
	return "session_state"
}

// NewDatabaseStore constructs a GORM-backed store from a sqlite:// or
// postgres:// storage URL.
func NewDatabaseStore(storageURL string, options OpenOptions) (*DatabaseStore, error) {
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dialector, driverLabel, dialectErr := resolveDialector(storageURL)
	if dialectErr != nil {
		return nil, dialectErr
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("authstore.db.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("authstore.db.migrate.%s: %w", driverLabel, migrateErr)
	}
	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &DatabaseStore{
		db:           gormDB,
		driverLabel:  driverLabel,
		logger:       log,
		pollInterval: pollInterval,
		subscribers:  make(map[int]func()),
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// SaveBundle upserts the combined record, the flat token keys, and the
// customer snapshot.
func (store *DatabaseStore) SaveBundle(bundle AuthBundle) error {
	encoded, encodeErr := json.Marshal(bundle)
	if encodeErr != nil {
		return fmt.Errorf("authstore.db.encode_bundle: %w", encodeErr)
	}
	customerEncoded, customerErr := json.Marshal(bundle.UserDetails)
	if customerErr != nil {
		return fmt.Errorf("authstore.db.encode_customer: %w", customerErr)
	}
	writes := map[string]string{
		keyAuthBundle:   string(encoded),
		keyAuthToken:    bundle.Token,
		keyRefreshToken: bundle.RefreshToken,
		keyCustomer:     string(customerEncoded),
	}
	for key, value := range writes {
		if writeErr := store.upsert(key, value); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// ReadBundle returns the stored bundle, or nil when absent or malformed.
func (store *DatabaseStore) ReadBundle() (*AuthBundle, error) {
	raw, readErr := store.readValue(keyAuthBundle)
	if readErr != nil || raw == nil {
		return nil, readErr
	}
	var bundle AuthBundle
	if decodeErr := json.Unmarshal([]byte(*raw), &bundle); decodeErr != nil {
		store.logger.Debug("ignoring malformed stored bundle", zap.Error(decodeErr))
		return nil, nil
	}
	return &bundle, nil
}

// ReadCustomer returns the cached customer record, or nil when absent or malformed.
func (store *DatabaseStore) ReadCustomer() (*CustomerRecord, error) {
	raw, readErr := store.readValue(keyCustomer)
	if readErr != nil || raw == nil {
		return nil, readErr
	}
	var customer CustomerRecord
	if decodeErr := json.Unmarshal([]byte(*raw), &customer); decodeErr != nil {
		store.logger.Debug("ignoring malformed stored customer", zap.Error(decodeErr))
		return nil, nil
	}
	return &customer, nil
}

// Clear removes the bundle and all derived keys. Deleting absent rows is a
// no-op, so Clear is idempotent.
func (store *DatabaseStore) Clear() error {
	keys := []string{keyAuthBundle, keyAuthToken, keyRefreshToken, keyCustomer}
	result := store.db.Where("key IN ?", keys).Delete(&sessionRecord{})
	if result.Error != nil {
		return fmt.Errorf("authstore.db.clear.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// SaveRedirectTarget remembers the post-login return target.
func (store *DatabaseStore) SaveRedirectTarget(target string) error {
	return store.upsert(keyRedirect, target)
}

// TakeRedirectTarget returns and removes the stored redirect target.
func (store *DatabaseStore) TakeRedirectTarget() (string, error) {
	raw, readErr := store.readValue(keyRedirect)
	if readErr != nil || raw == nil {
		return "", readErr
	}
	result := store.db.Where("key = ?", keyRedirect).Delete(&sessionRecord{})
	if result.Error != nil {
		return "", fmt.Errorf("authstore.db.take_redirect.%s: %w", store.driverLabel, result.Error)
	}
	return *raw, nil
}

// Subscribe registers a change callback. The polling loop starts on the first
// subscription and compares a fingerprint of the table on every tick.
func (store *DatabaseStore) Subscribe(callback func()) func() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.pollStop == nil {
		store.lastStamp = store.fingerprint()
		store.pollStop = make(chan struct{})
		store.pollDone = make(chan struct{})
		go store.pollLoop(store.pollStop, store.pollDone)
	}
	token := store.nextToken
	store.nextToken++
	store.subscribers[token] = callback
	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		delete(store.subscribers, token)
	}
}

// Close stops the polling loop and closes the database handle.
func (store *DatabaseStore) Close() error {
	store.mutex.Lock()
	stop := store.pollStop
	done := store.pollDone
	store.pollStop = nil
	store.pollDone = nil
	store.mutex.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	sqlDB, dbErr := store.db.DB()
	if dbErr != nil {
		return fmt.Errorf("authstore.db.close.%s: %w", store.driverLabel, dbErr)
	}
	return sqlDB.Close()
}

func (store *DatabaseStore) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(store.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := store.fingerprint()
			store.mutex.Lock()
			changed := current != store.lastStamp
			store.lastStamp = current
			callbacks := make([]func(), 0, len(store.subscribers))
			for _, callback := range store.subscribers {
				callbacks = append(callbacks, callback)
			}
			store.mutex.Unlock()
			if !changed {
				continue
			}
			for _, callback := range callbacks {
				callback()
			}
		}
	}
}

func (store *DatabaseStore) fingerprint() string {
	var records []sessionRecord
	if err := store.db.Find(&records).Error; err != nil {
		store.logger.Warn("storage poll failed", zap.Error(err))
		return ""
	}
	parts := make([]string, 0, len(records))
	for _, record := range records {
		parts = append(parts, fmt.Sprintf("%s:%d", record.Key, record.UpdatedNano))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func (store *DatabaseStore) upsert(key string, value string) error {
	record := sessionRecord{
		Key:         key,
		Value:       value,
		UpdatedNano: time.Now().UTC().UnixNano(),
	}
	result := store.db.Save(&record)
	if result.Error != nil {
		return fmt.Errorf("authstore.db.write.%s.%s: %w", store.driverLabel, key, result.Error)
	}
	return nil
}

func (store *DatabaseStore) readValue(key string) (*string, error) {
	var record sessionRecord
	err := store.db.Where("key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("authstore.db.read.%s.%s: %w", store.driverLabel, key, err)
	}
	return &record.Value, nil
}

func resolveDialector(storageURL string) (gorm.Dialector, string, error) {
	parsed, parseErr := url.Parse(storageURL)
	if parseErr != nil {
		return nil, "", fmt.Errorf("authstore.db.parse_url: %w", parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(storageURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("authstore.db.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("authstore.db.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
