// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package strategy

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
)

var testCurrency = Currency{Address: common.HexToAddress("0x1000000000000000000000000000000000000001")}

// TestRateAdapterConversion tests stake<->allocation conversion at 2:1
func TestRateAdapterConversion(t *testing.T) {
	a := NewRateAdapter(testCurrency, 2, 1) // 2 stake per allocation

	alloc, err := a.ConvertToAllocation(big.NewInt(1000))
	if err != nil {
		t.Fatalf("ConvertToAllocation failed: %v", err)
	}
	if alloc.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("Expected allocation 500, got %v", alloc)
	}

	// Exit at the same rate returns the deposit
	out, err := a.Exit(big.NewInt(500))
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if out.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Expected exit 1000, got %v", out)
	}
}

// TestRateAdapterAppreciation tests rate movement after deposit
func TestRateAdapterAppreciation(t *testing.T) {
	a := NewRateAdapter(testCurrency, 2, 1)
	alloc, _ := a.ConvertToAllocation(big.NewInt(1000))

	// Price rises to 3:1
	a.SetRate(3, 1)

	value := a.PreviewExit(alloc)
	if value.Cmp(big.NewInt(1500)) != 0 {
		t.Errorf("Expected exit preview 1500, got %v", value)
	}
}

// TestRateAdapterInsufficientLiquidity tests exit past available funds
func TestRateAdapterInsufficientLiquidity(t *testing.T) {
	a := NewRateAdapter(testCurrency, 1, 1)
	_, _ = a.ConvertToAllocation(big.NewInt(100))

	// Rate appreciation makes the allocation worth more than held liquidity
	a.SetRate(2, 1)
	_, err := a.Exit(big.NewInt(100))
	if err != ErrInsufficientLiquidity {
		t.Errorf("Expected ErrInsufficientLiquidity, got %v", err)
	}
}

// TestRateAdapterZeroAmount tests deposit validation
func TestRateAdapterZeroAmount(t *testing.T) {
	a := NewRateAdapter(testCurrency, 1, 1)
	if _, err := a.ConvertToAllocation(big.NewInt(0)); err != ErrZeroAmount {
		t.Errorf("Expected ErrZeroAmount, got %v", err)
	}
	if err := a.Allocate(big.NewInt(0)); err != ErrZeroAmount {
		t.Errorf("Expected ErrZeroAmount, got %v", err)
	}
}

// TestDirectAdapter tests the 1:1 adapter
func TestDirectAdapter(t *testing.T) {
	a := NewDirectAdapter(testCurrency)

	alloc, err := a.ConvertToAllocation(big.NewInt(777))
	if err != nil {
		t.Fatalf("ConvertToAllocation failed: %v", err)
	}
	if alloc.Cmp(big.NewInt(777)) != 0 {
		t.Errorf("Expected allocation 777, got %v", alloc)
	}
	if a.PreviewExit(alloc).Cmp(big.NewInt(777)) != 0 {
		t.Error("Direct adapter preview must be 1:1")
	}

	out, err := a.Exit(big.NewInt(777))
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if out.Cmp(big.NewInt(777)) != 0 {
		t.Errorf("Expected exit 777, got %v", out)
	}
}

// TestRegistryDuplicate tests duplicate registration rejection
func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	addr := common.HexToAddress("0x2000000000000000000000000000000000000002")

	if err := r.Register(addr, NewDirectAdapter(testCurrency)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(addr, NewDirectAdapter(testCurrency)); err == nil {
		t.Error("Expected error for duplicate registration")
	}
}

// TestRegistryOrder tests deterministic iteration order
func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	hi := common.HexToAddress("0xF000000000000000000000000000000000000000")
	lo := common.HexToAddress("0x0000000000000000000000000000000000000001")

	_ = r.Register(hi, NewDirectAdapter(testCurrency))
	_ = r.Register(lo, NewDirectAdapter(testCurrency))

	addrs := r.Addresses()
	if len(addrs) != 2 {
		t.Fatalf("Expected 2 addresses, got %d", len(addrs))
	}
	if addrs[0] != lo || addrs[1] != hi {
		t.Error("Expected sorted address order")
	}
}

// TestRegistryGetUnknown tests lookup miss
func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get(common.HexToAddress("0xdead")); ok {
		t.Error("Expected lookup miss for unregistered strategy")
	}
}
