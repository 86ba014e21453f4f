// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package claims

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
)

var (
	strat = common.HexToAddress("0x0000000000000000000000000000000000000A01")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000BB")
)

func newTestRegistry(t *testing.T, delay time.Duration) (*Registry, *int64) {
	t.Helper()
	reg, err := NewRegistry(delay)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	clock := int64(1_000_000)
	reg.SetClock(func() int64 { return clock })
	return reg, &clock
}

// TestWithdrawLifecycle tests enqueue, maturity gating, and single claim
func TestWithdrawLifecycle(t *testing.T) {
	reg, clock := newTestRegistry(t, time.Hour)

	id, err := reg.Enqueue(strat, alice, big.NewInt(500))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Locked until the delay elapses
	if _, err := reg.Withdraw(alice, id); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible before unlock, got %v", err)
	}

	*clock += 3600
	got, err := reg.Withdraw(alice, id)
	if err != nil {
		t.Fatalf("Withdraw after unlock failed: %v", err)
	}
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("Expected 500, got %v", got)
	}

	// Exactly once
	if _, err := reg.Withdraw(alice, id); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible on double claim, got %v", err)
	}
}

// TestWithdrawWrongOwner tests the ownership gate
func TestWithdrawWrongOwner(t *testing.T) {
	reg, clock := newTestRegistry(t, time.Hour)
	id, _ := reg.Enqueue(strat, alice, big.NewInt(100))
	*clock += 7200

	if _, err := reg.Withdraw(bob, id); !errors.Is(err, ErrNotEligible) {
		t.Errorf("Expected ErrNotEligible for wrong owner, got %v", err)
	}
	if _, err := reg.Withdraw(alice, 999); !errors.Is(err, ErrClaimNotFound) {
		t.Errorf("Expected ErrClaimNotFound, got %v", err)
	}
}

// TestDelayBounds tests the delay cap at construction and reconfiguration
func TestDelayBounds(t *testing.T) {
	if _, err := NewRegistry(MaxWithdrawDelay + time.Second); !errors.Is(err, ErrDelayTooLong) {
		t.Errorf("Expected ErrDelayTooLong, got %v", err)
	}

	reg, _ := newTestRegistry(t, time.Hour)
	if err := reg.SetDelay(MaxWithdrawDelay + time.Second); !errors.Is(err, ErrDelayTooLong) {
		t.Errorf("Expected ErrDelayTooLong from SetDelay, got %v", err)
	}
	if err := reg.SetDelay(MaxWithdrawDelay); err != nil {
		t.Errorf("SetDelay at the cap failed: %v", err)
	}
}

// TestEnqueueZero tests amount validation
func TestEnqueueZero(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Hour)

	if _, err := reg.Enqueue(strat, alice, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("Expected ErrZeroAmount, got %v", err)
	}
	if _, err := reg.Enqueue(strat, alice, nil); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("Expected ErrZeroAmount for nil, got %v", err)
	}
}

// TestPendingFor tests the per-user index
func TestPendingFor(t *testing.T) {
	reg, clock := newTestRegistry(t, 0)

	idA1, _ := reg.Enqueue(strat, alice, big.NewInt(1))
	_, _ = reg.Enqueue(strat, bob, big.NewInt(2))
	idA2, _ := reg.Enqueue(strat, alice, big.NewInt(3))

	if got := reg.PendingFor(alice); len(got) != 2 {
		t.Fatalf("Expected 2 pending claims, got %d", len(got))
	}

	*clock += 1
	_, _ = reg.Withdraw(alice, idA1)
	pending := reg.PendingFor(alice)
	if len(pending) != 1 || pending[0] != idA2 {
		t.Errorf("Expected only claim %d pending, got %v", idA2, pending)
	}
}
