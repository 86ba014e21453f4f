// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package strategy

import (
	"math/big"
	"sync"
)

// RateAdapter is a strategy with an explicit stake<->allocation exchange
// rate and bounded payout liquidity. The rate is expressed as a fraction:
// rateStake units of stake currency per rateAlloc allocation units. Raising
// rateStake models yield accrual (each allocation unit is worth more stake).
type RateAdapter struct {
	mu sync.Mutex

	currency  Currency
	rateStake *big.Int // stake units per rateAlloc allocation units
	rateAlloc *big.Int

	// Stake currency the adapter can pay out on exit
	liquidity *big.Int
}

// NewRateAdapter creates an adapter at the given rate with zero liquidity
func NewRateAdapter(currency Currency, rateStake, rateAlloc int64) *RateAdapter {
	return &RateAdapter{
		currency:  currency,
		rateStake: big.NewInt(rateStake),
		rateAlloc: big.NewInt(rateAlloc),
		liquidity: big.NewInt(0),
	}
}

// SetRate updates the exchange rate (rateStake stake per rateAlloc allocation)
func (a *RateAdapter) SetRate(rateStake, rateAlloc int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateStake = big.NewInt(rateStake)
	a.rateAlloc = big.NewInt(rateAlloc)
}

// SetLiquidity overrides the payout liquidity (testing knob)
func (a *RateAdapter) SetLiquidity(amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.liquidity = new(big.Int).Set(amount)
}

// Liquidity returns the currently withdrawable stake currency
func (a *RateAdapter) Liquidity() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.liquidity)
}

func (a *RateAdapter) StakeCurrency() Currency {
	return a.currency
}

func (a *RateAdapter) ConvertToAllocation(amount *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	a.liquidity.Add(a.liquidity, amount)
	return a.toAllocation(amount), nil
}

func (a *RateAdapter) PreviewAllocation(amount *big.Int) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.toAllocation(amount)
}

func (a *RateAdapter) PreviewExit(allocation *big.Int) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.toStake(allocation)
}

func (a *RateAdapter) Allocate(amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	a.liquidity.Add(a.liquidity, amount)
	return nil
}

func (a *RateAdapter) Exit(allocation *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.toStake(allocation)
	if out.Cmp(a.liquidity) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	a.liquidity.Sub(a.liquidity, out)
	return out, nil
}

// toAllocation converts stake -> allocation at the current rate
func (a *RateAdapter) toAllocation(amount *big.Int) *big.Int {
	alloc := new(big.Int).Mul(amount, a.rateAlloc)
	return alloc.Div(alloc, a.rateStake)
}

// toStake converts allocation -> stake at the current rate
func (a *RateAdapter) toStake(allocation *big.Int) *big.Int {
	out := new(big.Int).Mul(allocation, a.rateStake)
	return out.Div(out, a.rateAlloc)
}

// DirectAdapter is a 1:1 strategy used by direct vaults: allocation units
// equal stake units and the rate never moves.
type DirectAdapter struct {
	mu        sync.Mutex
	currency  Currency
	liquidity *big.Int
}

// NewDirectAdapter creates a 1:1 adapter
func NewDirectAdapter(currency Currency) *DirectAdapter {
	return &DirectAdapter{
		currency:  currency,
		liquidity: big.NewInt(0),
	}
}

func (a *DirectAdapter) StakeCurrency() Currency {
	return a.currency
}

func (a *DirectAdapter) ConvertToAllocation(amount *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	a.liquidity.Add(a.liquidity, amount)
	return new(big.Int).Set(amount), nil
}

func (a *DirectAdapter) PreviewAllocation(amount *big.Int) *big.Int {
	return new(big.Int).Set(amount)
}

func (a *DirectAdapter) PreviewExit(allocation *big.Int) *big.Int {
	return new(big.Int).Set(allocation)
}

func (a *DirectAdapter) Allocate(amount *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	a.liquidity.Add(a.liquidity, amount)
	return nil
}

func (a *DirectAdapter) Exit(allocation *big.Int) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if allocation.Cmp(a.liquidity) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	a.liquidity.Sub(a.liquidity, allocation)
	return new(big.Int).Set(allocation), nil
}
