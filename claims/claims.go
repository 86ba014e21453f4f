// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package claims implements the timelocked withdrawal queue on the
// origin chain. A redeemed exit parks here for a configured delay
// before the user can claim the released stake.
package claims

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
)

// MaxWithdrawDelay bounds the configurable claim delay
const MaxWithdrawDelay = 30 * 24 * time.Hour

// Claim errors
var (
	ErrDelayTooLong  = errors.New("withdraw delay exceeds maximum")
	ErrClaimNotFound = errors.New("claim not found")
	ErrNotEligible   = errors.New("claim not eligible")
	ErrZeroAmount    = errors.New("zero amount")
)

// Claim is one pending withdrawal
type Claim struct {
	ID         uint64
	Strategy   common.Address
	User       common.Address
	Amount     *big.Int
	UnlockTime int64
	Claimed    bool
}

// Registry holds pending claims behind a delay
type Registry struct {
	mu      sync.RWMutex
	delay   time.Duration
	nextID  uint64
	entries map[uint64]*Claim

	// now is swappable for tests
	now func() int64
}

// NewRegistry creates a registry with the given claim delay
func NewRegistry(delay time.Duration) (*Registry, error) {
	if delay > MaxWithdrawDelay {
		return nil, ErrDelayTooLong
	}
	return &Registry{
		delay:   delay,
		entries: make(map[uint64]*Claim),
		now:     func() int64 { return time.Now().Unix() },
	}, nil
}

// SetClock overrides the time source. Test use only.
func (r *Registry) SetClock(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetDelay updates the claim delay for future enqueues
func (r *Registry) SetDelay(delay time.Duration) error {
	if delay > MaxWithdrawDelay {
		return ErrDelayTooLong
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = delay
	return nil
}

// Delay returns the current claim delay
func (r *Registry) Delay() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delay
}

// Enqueue records a released exit and returns its claim ID. The unlock
// time is stamped from the registry clock plus the current delay.
func (r *Registry) Enqueue(strategy, user common.Address, amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrZeroAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.entries[id] = &Claim{
		ID:         id,
		Strategy:   strategy,
		User:       user,
		Amount:     new(big.Int).Set(amount),
		UnlockTime: r.now() + int64(r.delay/time.Second),
	}
	return id, nil
}

// Withdraw releases a matured claim to its owner. A claim can be
// withdrawn exactly once; a second attempt fails ErrNotEligible.
func (r *Registry) Withdraw(caller common.Address, id uint64) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.entries[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	if claim.Claimed || claim.User != caller || r.now() < claim.UnlockTime {
		return nil, ErrNotEligible
	}

	claim.Claimed = true
	return new(big.Int).Set(claim.Amount), nil
}

// Get returns a copy of the claim, or ErrClaimNotFound
func (r *Registry) Get(id uint64) (Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.entries[id]
	if !ok {
		return Claim{}, ErrClaimNotFound
	}
	out := *claim
	out.Amount = new(big.Int).Set(claim.Amount)
	return out, nil
}

// PendingFor returns the IDs of unclaimed entries owned by user
func (r *Registry) PendingFor(user common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []uint64
	for id, claim := range r.entries {
		if claim.User == user && !claim.Claimed {
			ids = append(ids, id)
		}
	}
	return ids
}
