// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger implements the allocation accounting engine: per-strategy
// stake/allocation totals, revenue and fee computation, and the migration
// bookkeeping between strategies. All mutation funnels through Ledger
// methods so each per-strategy record has a single writer.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/stakebridge/strategy"
)

// Fee and margin caps (basis points)
const (
	MaxFeeRateBps      = 2000 // 20%
	MaxSafetyMarginBps = 9999 // strictly below 100%
	BpsDenominator     = 10000
)

// VaultInfo is the per-strategy configuration record. Created on strategy
// registration and mutated only by the vault manager.
type VaultInfo struct {
	Enabled               bool
	Direct                bool // 1:1 mint, bypasses allocation conversion
	StakeCurrency         strategy.Currency
	Strategy              common.Address
	RevenueAsset          common.Address
	FeeRecipient          common.Address
	FeeRateBps            uint32
	BridgeSafetyMarginBps uint32
}

// StakeInfo tracks the stake and allocation reserve backing a strategy
type StakeInfo struct {
	TotalStake       *big.Int // stake-currency units
	TotalAllocation  *big.Int // allocation units
	PendingExitStake *big.Int // exited but not yet claimed
}

// ReportResult is the outcome of a revenue report: the fee was exited to
// the recipient on this chain; Net is for the caller to bridge.
type ReportResult struct {
	Strategy      common.Address
	FeeRecipient  common.Address
	FeeRateBps    uint32
	Revenue       *big.Int
	Fee           *big.Int
	FeeAllocation *big.Int
	Net           *big.Int
}

// Ledger errors
var (
	ErrZeroAmount          = errors.New("zero amount")
	ErrUnknownStrategy     = errors.New("strategy not registered")
	ErrStrategyExists      = errors.New("strategy already registered")
	ErrStrategyDisabled    = errors.New("strategy disabled")
	ErrFeeRateTooHigh      = errors.New("fee rate above cap")
	ErrSafetyMarginTooHigh = errors.New("safety margin above cap")
	ErrFeeRecipientUnset   = errors.New("fee recipient not configured")
	ErrNotVaultManager     = errors.New("caller is not the vault manager")
	ErrSameStrategy        = errors.New("source and target strategy are identical")
	ErrInvalidCurrency     = errors.New("stake currency mismatch")
	ErrDirectStrategy      = errors.New("direct strategy cannot be a migration target")
	ErrInsufficientAmount  = errors.New("insufficient strategy funding")
)

// Ledger owns all per-strategy VaultInfo and StakeInfo records
type Ledger struct {
	mu sync.RWMutex

	vaultManager common.Address
	adapters     *strategy.Registry

	vaults map[common.Address]*VaultInfo
	stakes map[common.Address]*StakeInfo

	log log.Logger
}

// New creates a ledger bound to an adapter registry. The vault manager is
// the only address allowed to register vaults and mutate fee settings.
func New(vaultManager common.Address, adapters *strategy.Registry, logger log.Logger) *Ledger {
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	return &Ledger{
		vaultManager: vaultManager,
		adapters:     adapters,
		vaults:       make(map[common.Address]*VaultInfo),
		stakes:       make(map[common.Address]*StakeInfo),
		log:          logger,
	}
}

// RegisterVault creates the VaultInfo and zeroed StakeInfo for a strategy.
// The strategy's adapter must already be in the registry.
func (l *Ledger) RegisterVault(caller common.Address, info VaultInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.vaultManager {
		return ErrNotVaultManager
	}
	if _, exists := l.vaults[info.Strategy]; exists {
		return ErrStrategyExists
	}
	adapter, ok := l.adapters.Get(info.Strategy)
	if !ok {
		return ErrUnknownStrategy
	}
	if info.FeeRateBps > MaxFeeRateBps {
		return ErrFeeRateTooHigh
	}
	if info.BridgeSafetyMarginBps > MaxSafetyMarginBps {
		return ErrSafetyMarginTooHigh
	}

	stored := info
	stored.StakeCurrency = adapter.StakeCurrency()
	l.vaults[info.Strategy] = &stored
	l.stakes[info.Strategy] = &StakeInfo{
		TotalStake:       big.NewInt(0),
		TotalAllocation:  big.NewInt(0),
		PendingExitStake: big.NewInt(0),
	}

	l.log.Info("vault registered", "strategy", info.Strategy, "direct", info.Direct)
	return nil
}

// RecordDeposit books a deposit into a strategy and returns the allocation
// delta credited for it
func (l *Ledger) RecordDeposit(strategyAddr common.Address, amount *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	vault, info, adapter, err := l.lookup(strategyAddr)
	if err != nil {
		return nil, err
	}
	if !vault.Enabled {
		return nil, ErrStrategyDisabled
	}

	var delta *big.Int
	if vault.Direct {
		if err := adapter.Allocate(amount); err != nil {
			return nil, err
		}
		delta = new(big.Int).Set(amount)
	} else {
		delta, err = adapter.ConvertToAllocation(amount)
		if err != nil {
			return nil, err
		}
	}

	info.TotalStake.Add(info.TotalStake, amount)
	info.TotalAllocation.Add(info.TotalAllocation, delta)
	return delta, nil
}

// CheckRevenue returns the reportable revenue for a strategy: the current
// exit value of the allocation reserve, less total stake and the bridge
// safety reserve. Pure view, idempotent, never negative.
func (l *Ledger) CheckRevenue(strategyAddr common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	vault, info, adapter, err := l.lookup(strategyAddr)
	if err != nil {
		return nil, err
	}
	return revenueLocked(vault, info, adapter), nil
}

func revenueLocked(vault *VaultInfo, info *StakeInfo, adapter strategy.Adapter) *big.Int {
	current := adapter.PreviewExit(info.TotalAllocation)
	reserve := new(big.Int).Mul(info.TotalStake, big.NewInt(int64(vault.BridgeSafetyMarginBps)))
	reserve.Div(reserve, big.NewInt(BpsDenominator))

	revenue := new(big.Int).Sub(current, info.TotalStake)
	revenue.Sub(revenue, reserve)
	if revenue.Sign() < 0 {
		return big.NewInt(0)
	}
	return revenue
}

// Report computes revenue, exits the fee portion directly to the fee
// recipient on this chain, and books the net revenue into total stake.
// The returned Net is the amount the caller bridges as a StakeReward.
func (l *Ledger) Report(strategyAddr common.Address) (*ReportResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault, info, adapter, err := l.lookup(strategyAddr)
	if err != nil {
		return nil, err
	}
	if vault.FeeRecipient == (common.Address{}) {
		return nil, ErrFeeRecipientUnset
	}

	revenue := revenueLocked(vault, info, adapter)
	result := &ReportResult{
		Strategy:      strategyAddr,
		FeeRecipient:  vault.FeeRecipient,
		FeeRateBps:    vault.FeeRateBps,
		Revenue:       revenue,
		Fee:           big.NewInt(0),
		FeeAllocation: big.NewInt(0),
		Net:           big.NewInt(0),
	}
	if revenue.Sign() == 0 {
		return result, nil
	}

	fee := new(big.Int).Mul(revenue, big.NewInt(int64(vault.FeeRateBps)))
	fee.Div(fee, big.NewInt(BpsDenominator))

	// Exit the fee's allocation to the recipient before booking the net,
	// so a failed fee exit leaves the ledger untouched
	feeAlloc := big.NewInt(0)
	if fee.Sign() > 0 {
		feeAlloc = adapter.PreviewAllocation(fee)
		if feeAlloc.Sign() > 0 {
			if _, err := adapter.Exit(feeAlloc); err != nil {
				return nil, fmt.Errorf("fee exit: %w", err)
			}
			info.TotalAllocation.Sub(info.TotalAllocation, feeAlloc)
		}
	}

	net := new(big.Int).Sub(revenue, fee)
	info.TotalStake.Add(info.TotalStake, net)

	result.Fee = fee
	result.FeeAllocation = feeAlloc
	result.Net = net

	l.log.Info("revenue reported",
		"strategy", strategyAddr, "revenue", revenue, "fee", fee, "net", net)
	return result, nil
}

// ApplyRedeem settles a successful inbound redeem exit: stake and
// allocation leave the books and the exited amount parks in
// PendingExitStake until the claim is collected
func (l *Ledger) ApplyRedeem(strategyAddr common.Address, amount, allocation *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, info, _, err := l.lookup(strategyAddr)
	if err != nil {
		return err
	}
	if amount.Cmp(info.TotalStake) > 0 || allocation.Cmp(info.TotalAllocation) > 0 {
		return ErrInsufficientAmount
	}

	info.TotalStake.Sub(info.TotalStake, amount)
	info.TotalAllocation.Sub(info.TotalAllocation, allocation)
	info.PendingExitStake.Add(info.PendingExitStake, amount)
	return nil
}

// CompleteExit clears pending exit stake once the matching claim is paid
func (l *Ledger) CompleteExit(strategyAddr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, info, _, err := l.lookup(strategyAddr)
	if err != nil {
		return err
	}
	if amount.Cmp(info.PendingExitStake) > 0 {
		return ErrInsufficientAmount
	}
	info.PendingExitStake.Sub(info.PendingExitStake, amount)
	return nil
}

// MoveStake migrates amount of stake value from one strategy into another.
// The source is exited at its current rate and the proceeds re-allocated
// into the target. Returns the stake amount actually moved.
func (l *Ledger) MoveStake(from, to common.Address, amount *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if from == to {
		return nil, ErrSameStrategy
	}
	fromVault, fromInfo, fromAdapter, err := l.lookup(from)
	if err != nil {
		return nil, err
	}
	toVault, toInfo, toAdapter, err := l.lookup(to)
	if err != nil {
		return nil, err
	}
	if fromVault.StakeCurrency != toVault.StakeCurrency {
		return nil, ErrInvalidCurrency
	}
	if toVault.Direct {
		return nil, ErrDirectStrategy
	}
	if fromAdapter.PreviewExit(fromInfo.TotalAllocation).Cmp(amount) < 0 {
		return nil, ErrInsufficientAmount
	}

	allocOut := fromAdapter.PreviewAllocation(amount)
	if allocOut.Cmp(fromInfo.TotalAllocation) > 0 {
		allocOut = new(big.Int).Set(fromInfo.TotalAllocation)
	}
	moved, err := fromAdapter.Exit(allocOut)
	if err != nil {
		return nil, fmt.Errorf("migration exit: %w", err)
	}
	allocIn, err := toAdapter.ConvertToAllocation(moved)
	if err != nil {
		return nil, fmt.Errorf("migration allocate: %w", err)
	}

	// Source stake shrinks by at most its booked total; appreciation beyond
	// book value rides along as target-side stake
	debit := new(big.Int).Set(moved)
	if debit.Cmp(fromInfo.TotalStake) > 0 {
		debit = new(big.Int).Set(fromInfo.TotalStake)
	}
	fromInfo.TotalStake.Sub(fromInfo.TotalStake, debit)
	fromInfo.TotalAllocation.Sub(fromInfo.TotalAllocation, allocOut)

	toInfo.TotalStake.Add(toInfo.TotalStake, moved)
	toInfo.TotalAllocation.Add(toInfo.TotalAllocation, allocIn)

	l.log.Info("stake migrated", "from", from, "to", to, "amount", moved)
	return moved, nil
}

// SetFeeRate updates a vault's fee rate (vault manager only, capped)
func (l *Ledger) SetFeeRate(caller, strategyAddr common.Address, bps uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault, err := l.vaultLocked(caller, strategyAddr)
	if err != nil {
		return err
	}
	if bps > MaxFeeRateBps {
		return ErrFeeRateTooHigh
	}
	vault.FeeRateBps = bps
	return nil
}

// SetFeeRecipient updates a vault's fee recipient (vault manager only)
func (l *Ledger) SetFeeRecipient(caller, strategyAddr, recipient common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault, err := l.vaultLocked(caller, strategyAddr)
	if err != nil {
		return err
	}
	vault.FeeRecipient = recipient
	return nil
}

// SetBridgeSafetyMargin updates a vault's safety margin (vault manager only, capped)
func (l *Ledger) SetBridgeSafetyMargin(caller, strategyAddr common.Address, bps uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault, err := l.vaultLocked(caller, strategyAddr)
	if err != nil {
		return err
	}
	if bps > MaxSafetyMarginBps {
		return ErrSafetyMarginTooHigh
	}
	vault.BridgeSafetyMarginBps = bps
	return nil
}

// SetEnabled toggles deposits for a strategy (vault manager only)
func (l *Ledger) SetEnabled(caller, strategyAddr common.Address, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault, err := l.vaultLocked(caller, strategyAddr)
	if err != nil {
		return err
	}
	vault.Enabled = enabled
	return nil
}

// VaultInfoOf returns a copy of the vault configuration
func (l *Ledger) VaultInfoOf(strategyAddr common.Address) (VaultInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	vault, ok := l.vaults[strategyAddr]
	if !ok {
		return VaultInfo{}, false
	}
	return *vault, true
}

// StakeInfoOf returns a copy of the stake record
func (l *Ledger) StakeInfoOf(strategyAddr common.Address) (StakeInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info, ok := l.stakes[strategyAddr]
	if !ok {
		return StakeInfo{}, false
	}
	return StakeInfo{
		TotalStake:       new(big.Int).Set(info.TotalStake),
		TotalAllocation:  new(big.Int).Set(info.TotalAllocation),
		PendingExitStake: new(big.Int).Set(info.PendingExitStake),
	}, true
}

// lookup resolves the vault, stake record, and adapter for a strategy.
// Callers must hold l.mu.
func (l *Ledger) lookup(strategyAddr common.Address) (*VaultInfo, *StakeInfo, strategy.Adapter, error) {
	vault, ok := l.vaults[strategyAddr]
	if !ok {
		return nil, nil, nil, ErrUnknownStrategy
	}
	adapter, ok := l.adapters.Get(strategyAddr)
	if !ok {
		return nil, nil, nil, ErrUnknownStrategy
	}
	return vault, l.stakes[strategyAddr], adapter, nil
}

func (l *Ledger) vaultLocked(caller, strategyAddr common.Address) (*VaultInfo, error) {
	if caller != l.vaultManager {
		return nil, ErrNotVaultManager
	}
	vault, ok := l.vaults[strategyAddr]
	if !ok {
		return nil, ErrUnknownStrategy
	}
	return vault, nil
}
