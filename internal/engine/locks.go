package engine

import (
	"sync"
	"sync/atomic"
)

// itemState serializes work on one item and carries its cancellation flag.
// The lock is held for the duration of a single stage execution, never across
// an awaiting-review pause.
type itemState struct {
	mu        sync.Mutex
	cancelled atomic.Bool
}

type lockTable struct {
	mu    sync.Mutex
	items map[string]*itemState
}

func newLockTable() *lockTable {
	return &lockTable{items: make(map[string]*itemState)}
}

func (t *lockTable) get(itemID string) *itemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.items[itemID]
	if !ok {
		state = &itemState{}
		t.items[itemID] = state
	}
	return state
}
