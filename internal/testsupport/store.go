package testsupport

import (
	"context"
	"testing"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
)

// MustOpenStore opens a checkpoint.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *checkpoint.Store {
	t.Helper()

	store, err := checkpoint.Open(cfg)
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewPendingItem persists a fresh pending item for tests and returns it.
func NewPendingItem(t testing.TB, store *checkpoint.Store, itemID, configJSON string) *checkpoint.Item {
	t.Helper()

	item := &checkpoint.Item{
		ID:         itemID,
		Attempt:    1,
		Status:     checkpoint.StatusPending,
		ConfigJSON: configJSON,
	}
	if err := store.Put(context.Background(), item); err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return item
}
