package authstore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, openErr := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	if openErr != nil {
		t.Fatalf("open error: %v", openErr)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	if saveErr := store.SaveBundle(sampleBundle()); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}

	bundle, readErr := store.ReadBundle()
	if readErr != nil {
		t.Fatalf("read error: %v", readErr)
	}
	if bundle == nil {
		t.Fatalf("expected stored bundle")
	}
	if expected := sampleBundle(); !reflect.DeepEqual(*bundle, expected) {
		t.Fatalf("expected %+v, got %+v", expected, *bundle)
	}
}

func TestFileStoreWritesFlatTokenKeys(t *testing.T) {
	store := newTestFileStore(t)
	if saveErr := store.SaveBundle(sampleBundle()); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}

	rawToken, tokenErr := os.ReadFile(filepath.Join(store.directory, "authToken.json"))
	if tokenErr != nil {
		t.Fatalf("read flat token key: %v", tokenErr)
	}
	if string(rawToken) != "access-token" {
		t.Fatalf("expected raw access token in flat key, got %q", rawToken)
	}

	rawRefresh, refreshErr := os.ReadFile(filepath.Join(store.directory, "refreshToken.json"))
	if refreshErr != nil {
		t.Fatalf("read flat refresh key: %v", refreshErr)
	}
	if string(rawRefresh) != "refresh-token" {
		t.Fatalf("expected raw refresh token in flat key, got %q", rawRefresh)
	}
}

func TestFileStoreMalformedBundleReadAsAbsent(t *testing.T) {
	store := newTestFileStore(t)

	garbage := []byte("{not json at all")
	if writeErr := os.WriteFile(store.keyPath(keyAuthBundle), garbage, 0o600); writeErr != nil {
		t.Fatalf("write garbage: %v", writeErr)
	}

	bundle, readErr := store.ReadBundle()
	if readErr != nil {
		t.Fatalf("malformed data must not surface an error, got %v", readErr)
	}
	if bundle != nil {
		t.Fatalf("malformed data must read as absent, got %+v", bundle)
	}

	// The garbage is left in place, not auto-repaired.
	if _, statErr := os.Stat(store.keyPath(keyAuthBundle)); statErr != nil {
		t.Fatalf("expected stored entry untouched: %v", statErr)
	}
}

func TestFileStoreClearIsIdempotent(t *testing.T) {
	store := newTestFileStore(t)
	if saveErr := store.SaveBundle(sampleBundle()); saveErr != nil {
		t.Fatalf("save error: %v", saveErr)
	}

	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("first clear error: %v", clearErr)
	}
	firstState := listDir(t, store.directory)

	if clearErr := store.Clear(); clearErr != nil {
		t.Fatalf("second clear error: %v", clearErr)
	}
	secondState := listDir(t, store.directory)

	if !reflect.DeepEqual(firstState, secondState) {
		t.Fatalf("expected identical directory state, got %v then %v", firstState, secondState)
	}
	if bundle, _ := store.ReadBundle(); bundle != nil {
		t.Fatalf("expected no bundle after clear")
	}
}

func TestFileStoreRedirectTargetConsumedOnRead(t *testing.T) {
	store := newTestFileStore(t)
	if saveErr := store.SaveRedirectTarget("/vehicles/3"); saveErr != nil {
		t.Fatalf("save redirect error: %v", saveErr)
	}

	target, takeErr := store.TakeRedirectTarget()
	if takeErr != nil {
		t.Fatalf("take redirect error: %v", takeErr)
	}
	if target != "/vehicles/3" {
		t.Fatalf("expected stored target, got %q", target)
	}
	if second, _ := store.TakeRedirectTarget(); second != "" {
		t.Fatalf("expected target consumed, got %q", second)
	}
}

func listDir(t *testing.T, directory string) []string {
	t.Helper()
	entries, readErr := os.ReadDir(directory)
	if readErr != nil {
		t.Fatalf("read dir: %v", readErr)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
