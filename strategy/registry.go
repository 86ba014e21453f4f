// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package strategy

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
)

// Registry maps strategy addresses to their adapters. Registration is
// explicit and duplicates are rejected; iteration order is deterministic
// (sorted by address) so dependent components behave reproducibly.
type Registry struct {
	mu       sync.RWMutex
	adapters map[common.Address]Adapter
	order    []common.Address
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[common.Address]Adapter),
	}
}

// Register binds an adapter to a strategy address
func (r *Registry) Register(addr common.Address, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if adapter == nil {
		return fmt.Errorf("nil adapter for strategy %s", addr)
	}
	if _, exists := r.adapters[addr]; exists {
		return fmt.Errorf("strategy already registered at %s", addr)
	}

	r.adapters[addr] = adapter
	r.order = append(r.order, addr)
	sort.Slice(r.order, func(i, j int) bool {
		return bytes.Compare(r.order[i][:], r.order[j][:]) < 0
	})
	return nil
}

// Get returns the adapter for a strategy address
func (r *Registry) Get(addr common.Address) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[addr]
	return adapter, ok
}

// Addresses returns all registered strategy addresses in sorted order
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}
