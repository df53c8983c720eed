package authstore

import (
	"encoding/json"
	"sync"
)

// MemoryStore keeps the session in process memory. It is intended for tests
// and for ephemeral sessions that should not outlive the process. Change
// notifications are delivered synchronously to every subscriber, so two
// controllers sharing one MemoryStore observe each other's writes.
type MemoryStore struct {
	mutex       sync.Mutex
	entries     map[string]string
	subscribers map[int]func()
	nextToken   int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]string),
		subscribers: make(map[int]func()),
	}
}

// SaveBundle stores the combined record, the flat token keys, and the
// embedded customer snapshot.
func (store *MemoryStore) SaveBundle(bundle AuthBundle) error {
	encoded, encodeErr := json.Marshal(bundle)
	if encodeErr != nil {
		return encodeErr
	}
	customerEncoded, customerErr := json.Marshal(bundle.UserDetails)
	if customerErr != nil {
		return customerErr
	}
	store.mutex.Lock()
	store.entries[keyAuthBundle] = string(encoded)
	store.entries[keyAuthToken] = bundle.Token
	store.entries[keyRefreshToken] = bundle.RefreshToken
	store.entries[keyCustomer] = string(customerEncoded)
	store.mutex.Unlock()
	store.notify()
	return nil
}

// ReadBundle returns the stored bundle, or nil when absent or malformed.
func (store *MemoryStore) ReadBundle() (*AuthBundle, error) {
	store.mutex.Lock()
	raw, ok := store.entries[keyAuthBundle]
	store.mutex.Unlock()
	if !ok {
		return nil, nil
	}
	var bundle AuthBundle
	if decodeErr := json.Unmarshal([]byte(raw), &bundle); decodeErr != nil {
		return nil, nil
	}
	return &bundle, nil
}

// ReadCustomer returns the cached customer record, or nil when absent or malformed.
func (store *MemoryStore) ReadCustomer() (*CustomerRecord, error) {
	store.mutex.Lock()
	raw, ok := store.entries[keyCustomer]
	store.mutex.Unlock()
	if !ok {
		return nil, nil
	}
	var customer CustomerRecord
	if decodeErr := json.Unmarshal([]byte(raw), &customer); decodeErr != nil {
		return nil, nil
	}
	return &customer, nil
}

// Clear removes the bundle and all derived keys. Idempotent.
func (store *MemoryStore) Clear() error {
	store.mutex.Lock()
	changed := false
	for _, key := range []string{keyAuthBundle, keyAuthToken, keyRefreshToken, keyCustomer} {
		if _, ok := store.entries[key]; ok {
			delete(store.entries, key)
			changed = true
		}
	}
	store.mutex.Unlock()
	if changed {
		store.notify()
	}
	return nil
}

// SaveRedirectTarget remembers the post-login return target.
func (store *MemoryStore) SaveRedirectTarget(target string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[keyRedirect] = target
	return nil
}

// TakeRedirectTarget returns and removes the stored redirect target.
func (store *MemoryStore) TakeRedirectTarget() (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	target, ok := store.entries[keyRedirect]
	if !ok {
		return "", nil
	}
	delete(store.entries, keyRedirect)
	return target, nil
}

// Subscribe registers a change callback and returns its cancel function.
func (store *MemoryStore) Subscribe(callback func()) func() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	token := store.nextToken
	store.nextToken++
	store.subscribers[token] = callback
	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		delete(store.subscribers, token)
	}
}

// Close releases nothing for the in-memory store.
func (store *MemoryStore) Close() error {
	return nil
}

func (store *MemoryStore) notify() {
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
