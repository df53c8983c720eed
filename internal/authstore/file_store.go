package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const fileStoreDebounce = 200 * time.Millisecond

// FileStore persists the session as one file per storage key inside a single
// directory. Other processes pointed at the same directory observe writes via
// an fsnotify watcher, which is how a logout in one process reaches the rest.
type FileStore struct {
	directory string
	logger    *zap.Logger

	mutex       sync.Mutex
	subscribers map[int]func()
	nextToken   int
	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
}

// NewFileStore creates the backing directory if needed and returns a store
// over it. The watcher starts lazily on the first Subscribe call.
func NewFileStore(directory string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if directory == "" {
		return nil, fmt.Errorf("authstore.file.open: %w", errEmptyStorageURL)
	}
	if mkdirErr := os.MkdirAll(directory, 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("authstore.file.mkdir: %w", mkdirErr)
	}
	return &FileStore{
		directory:   directory,
		logger:      logger,
		subscribers: make(map[int]func()),
	}, nil
}

// SaveBundle writes the combined record plus the flat token keys and the
// customer snapshot, overwriting whatever is present.
func (store *FileStore) SaveBundle(bundle AuthBundle) error {
	encoded, encodeErr := json.Marshal(bundle)
	if encodeErr != nil {
		return fmt.Errorf("authstore.file.encode_bundle: %w", encodeErr)
	}
	customerEncoded, customerErr := json.Marshal(bundle.UserDetails)
	if customerErr != nil {
		return fmt.Errorf("authstore.file.encode_customer: %w", customerErr)
	}
	writes := map[string][]byte{
		keyAuthBundle:   encoded,
		keyAuthToken:    []byte(bundle.Token),
		keyRefreshToken: []byte(bundle.RefreshToken),
		keyCustomer:     customerEncoded,
	}
	for key, payload := range writes {
		if writeErr := store.writeKey(key, payload); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// ReadBundle returns the stored bundle, or nil when absent or malformed.
func (store *FileStore) ReadBundle() (*AuthBundle, error) {
	raw, readErr := store.readKey(keyAuthBundle)
	if readErr != nil || raw == nil {
		return nil, readErr
	}
	var bundle AuthBundle
	if decodeErr := json.Unmarshal(raw, &bundle); decodeErr != nil {
		store.logger.Debug("ignoring malformed stored bundle", zap.Error(decodeErr))
		return nil, nil
	}
	return &bundle, nil
}

// ReadCustomer returns the cached customer record, or nil when absent or malformed.
func (store *FileStore) ReadCustomer() (*CustomerRecord, error) {
	raw, readErr := store.readKey(keyCustomer)
	if readErr != nil || raw == nil {
		return nil, readErr
	}
	var customer CustomerRecord
	if decodeErr := json.Unmarshal(raw, &customer); decodeErr != nil {
		store.logger.Debug("ignoring malformed stored customer", zap.Error(decodeErr))
		return nil, nil
	}
	return &customer, nil
}

// Clear removes the bundle and every derived key. Missing files are skipped,
// so clearing twice leaves the directory in the same state as clearing once.
func (store *FileStore) Clear() error {
	for _, key := range []string{keyAuthBundle, keyAuthToken, keyRefreshToken, keyCustomer} {
		path := store.keyPath(key)
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return fmt.Errorf("authstore.file.clear.%s: %w", key, removeErr)
		}
	}
	return nil
}

// SaveRedirectTarget remembers the post-login return target.
func (store *FileStore) SaveRedirectTarget(target string) error {
	return store.writeKey(keyRedirect, []byte(target))
}

// TakeRedirectTarget returns and removes the stored redirect target.
func (store *FileStore) TakeRedirectTarget() (string, error) {
	raw, readErr := store.readKey(keyRedirect)
	if readErr != nil || raw == nil {
		return "", readErr
	}
	if removeErr := os.Remove(store.keyPath(keyRedirect)); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return "", fmt.Errorf("authstore.file.take_redirect: %w", removeErr)
	}
	return string(raw), nil
}

// Subscribe registers a change callback and returns its cancel function. The
// directory watcher is created on first use; watch failures are logged and
// leave subscribers silent rather than failing the caller.
func (store *FileStore) Subscribe(callback func()) func() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.watcher == nil {
		if watchErr := store.startWatcherLocked(); watchErr != nil {
			store.logger.Warn("storage watcher unavailable", zap.Error(watchErr))
		}
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

// Close stops the directory watcher.
func (store *FileStore) Close() error {
	store.mutex.Lock()
	watcher := store.watcher
	done := store.watcherDone
	store.watcher = nil
	store.watcherDone = nil
	store.mutex.Unlock()
	if watcher == nil {
		return nil
	}
	closeErr := watcher.Close()
	if done != nil {
		<-done
	}
	return closeErr
}

func (store *FileStore) startWatcherLocked() error {
	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr != nil {
		return fmt.Errorf("authstore.file.watch: %w", watchErr)
	}
	if addErr := watcher.Add(store.directory); addErr != nil {
		_ = watcher.Close()
		return fmt.Errorf("authstore.file.watch_add: %w", addErr)
	}
	store.watcher = watcher
	store.watcherDone = make(chan struct{})
	changed := make(chan struct{}, 1)
	go store.dispatchChanges(changed, store.watcherDone)
	go store.consumeEvents(watcher, changed)
	return nil
}

func (store *FileStore) consumeEvents(watcher *fsnotify.Watcher, changed chan<- struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				close(changed)
				return
			}
			if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				close(changed)
				return
			}
			store.logger.Warn("storage watcher error", zap.Error(watchErr))
		}
	}
}

// dispatchChanges coalesces bursts of filesystem events into one callback per
// debounce window; SaveBundle alone touches four files.
func (store *FileStore) dispatchChanges(changed <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case _, ok := <-changed:
			if !ok {
				return
			}
			if timer != nil {
				timer.Reset(fileStoreDebounce)
			} else {
				timer = time.NewTimer(fileStoreDebounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			store.notify()
		}
	}
}

func (store *FileStore) notify() {
	store.mutex.Lock()
	callbacks := make([]func(), 0, len(store.subscribers))
	for _, callback := range store.subscribers {
		callbacks = append(callbacks, callback)
	}
	store.mutex.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}

func (store *FileStore) keyPath(key string) string {
	return filepath.Join(store.directory, key+".json")
}

func (store *FileStore) writeKey(key string, payload []byte) error {
	if writeErr := os.WriteFile(store.keyPath(key), payload, 0o600); writeErr != nil {
		return fmt.Errorf("authstore.file.write.%s: %w", key, writeErr)
	}
	return nil
}

func (store *FileStore) readKey(key string) ([]byte, error) {
	raw, readErr := os.ReadFile(store.keyPath(key))
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("authstore.file.read.%s: %w", key, readErr)
	}
	return raw, nil
}
