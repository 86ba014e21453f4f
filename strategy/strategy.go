// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package strategy defines the capability surface a yield strategy exposes
// to the bridging protocol, plus concrete adapters and an address-keyed
// registry. Strategies are interchangeable implementations selected by
// address lookup; the protocol never depends on a concrete adapter type.
package strategy

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
)

// Currency represents a stake token (native or ERC20)
// Native currency uses the zero address
type Currency struct {
	Address common.Address
}

// NativeCurrency represents the chain's native token
var NativeCurrency = Currency{Address: common.Address{}}

// IsNative returns true if this is the native currency
func (c Currency) IsNative() bool {
	return c.Address == (common.Address{})
}

// ToBytes serializes currency for message payloads
func (c Currency) ToBytes() []byte {
	return c.Address.Bytes()
}

// CurrencyFromBytes deserializes currency from a payload
func CurrencyFromBytes(data []byte) Currency {
	return Currency{Address: common.BytesToAddress(data)}
}

// Adapter is the four-method capability surface every yield strategy
// exposes. Amounts are stake-currency units; allocations are the strategy's
// own accounting units. Exit may fail when the strategy cannot source
// liquidity; callers that run inside an inbound bridge message must catch
// that failure rather than propagate it.
type Adapter interface {
	// StakeCurrency returns the currency this strategy accepts
	StakeCurrency() Currency

	// ConvertToAllocation deposits amount of stake currency and returns the
	// allocation units credited for it at the current exchange rate
	ConvertToAllocation(amount *big.Int) (*big.Int, error)

	// PreviewAllocation returns the allocation units amount would convert
	// to at the current rate, without moving funds
	PreviewAllocation(amount *big.Int) *big.Int

	// PreviewExit returns the stake currency value of the given allocation
	// at the current rate, without moving funds
	PreviewExit(allocation *big.Int) *big.Int

	// Allocate deposits stake currency without reporting an allocation
	Allocate(amount *big.Int) error

	// Exit redeems allocation units for stake currency and returns the
	// amount paid out
	Exit(allocation *big.Int) (*big.Int, error)
}

// Adapter errors
var (
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientLiquidity = errors.New("insufficient strategy liquidity")
)
