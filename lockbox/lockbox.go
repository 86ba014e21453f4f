// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package lockbox implements the origin-chain gateway. Deposits lock
// stake into a strategy and announce it to the destination chain;
// inbound redeems exit the strategy and park the proceeds behind the
// withdrawal delay. An inbound redeem whose exit cannot be settled is
// captured as a FailedRedeem instead of rejecting the message, and can
// be reexecuted later.
package lockbox

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/stakebridge/claims"
	"github.com/luxfi/stakebridge/codec"
	"github.com/luxfi/stakebridge/ledger"
	"github.com/luxfi/stakebridge/strategy"
	"github.com/luxfi/stakebridge/transport"
)

// RotationDelay is the timelock on destination and transport rotation
const RotationDelay = 24 * time.Hour

// Lockbox errors
var (
	ErrNotManager         = errors.New("caller is not the vault manager")
	ErrBadOriginSender    = errors.New("unauthorized origin or sender")
	ErrZeroUser           = errors.New("zero user")
	ErrSameDomain         = errors.New("destination domain equals the local domain")
	ErrUnexpectedMessage  = errors.New("unexpected inbound message type")
	ErrRedeemNotFound     = errors.New("failed redeem not found")
	ErrZeroAllocationExit = errors.New("redeem converts to zero allocation")
	ErrNoPendingChange    = errors.New("no pending change")
	ErrTimelockActive     = errors.New("timelock has not elapsed")
)

// Event kinds emitted by the lockbox
const (
	EventDeposit        = "StakeDeposited"
	EventRouteAnnounced = "RouteAnnounced"
	EventReported       = "RevenueReported"
	EventRedeemed       = "StakeRedeemed"
	EventRedeemFailed   = "StakeRedeemFailed"
	EventReexecuted     = "FailedRedeemReexecuted"
	EventClaimed        = "WithdrawClaimed"
)

// Event is one emitted lockbox event
type Event struct {
	Kind     string
	Strategy common.Address
	User     common.Address
	Amount   *big.Int
	RedeemID uint64
}

// StrategyConfig describes a strategy being added to the bridge and the
// route announcement sent for it
type StrategyConfig struct {
	Strategy              common.Address
	Direct                bool
	RevenueAsset          common.Address
	FeeRecipient          common.Address
	FeeRateBps            uint32
	BridgeSafetyMarginBps uint32

	// Route announcement fields for the destination-side tokens
	Name     string
	Symbol   string
	Decimals uint8
	RwaAsset common.Address
}

// Config wires a Lockbox to its collaborators
type Config struct {
	VaultManager       common.Address
	LocalDomain        uint32
	DestinationDomain  uint32
	DestinationFactory common.Address
	Transport          transport.Transport
	DB                 database.Database
	Adapters           *strategy.Registry
	ClaimDelay         time.Duration
	Logger             log.Logger
}

type pendingDestination struct {
	domain  uint32
	factory common.Address
	eta     int64
}

type pendingTransport struct {
	transport transport.Transport
	eta       int64
}

// Lockbox is the origin-chain gateway
type Lockbox struct {
	mu sync.Mutex

	log      log.Logger
	store    redeemStore
	ledger   *ledger.Ledger
	adapters *strategy.Registry
	claims   *claims.Registry

	vaultManager common.Address
	localDomain  uint32
	transport    transport.Transport

	destinationDomain  uint32
	destinationFactory common.Address

	pendingDest      *pendingDestination
	pendingTransport *pendingTransport

	outNonce   uint64
	seenNonces map[uint64]bool

	// in-memory index of failed redeem IDs per user; records are durable
	failedByUser map[common.Address][]uint64

	events []Event
	now    func() int64
}

// New creates a lockbox with its own ledger and claim registry
func New(cfg Config) (*Lockbox, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewTestLogger(log.InfoLevel)
	}
	if cfg.DestinationDomain == cfg.LocalDomain {
		return nil, ErrSameDomain
	}
	claimRegistry, err := claims.NewRegistry(cfg.ClaimDelay)
	if err != nil {
		return nil, err
	}
	return &Lockbox{
		log:                cfg.Logger,
		store:              redeemStore{db: cfg.DB},
		ledger:             ledger.New(cfg.VaultManager, cfg.Adapters, cfg.Logger),
		adapters:           cfg.Adapters,
		claims:             claimRegistry,
		vaultManager:       cfg.VaultManager,
		localDomain:        cfg.LocalDomain,
		transport:          cfg.Transport,
		destinationDomain:  cfg.DestinationDomain,
		destinationFactory: cfg.DestinationFactory,
		seenNonces:         make(map[uint64]bool),
		failedByUser:       make(map[common.Address][]uint64),
		now:                func() int64 { return time.Now().Unix() },
	}, nil
}

var _ transport.Handler = (*Lockbox)(nil)

// SetClock overrides the time source. Test use only.
func (b *Lockbox) SetClock(now func() int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.claims.SetClock(now)
}

// Ledger exposes the allocation ledger for views and manager operations
func (b *Lockbox) Ledger() *ledger.Ledger { return b.ledger }

// Claims exposes the withdrawal claim registry
func (b *Lockbox) Claims() *claims.Registry { return b.claims }

// AddStrategy registers a strategy vault and announces its route to the
// destination chain. The payment must cover the transport quote for the
// announcement.
func (b *Lockbox) AddStrategy(caller common.Address, cfg StrategyConfig, payment *big.Int) ([32]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.vaultManager {
		return [32]byte{}, ErrNotManager
	}

	msg := &codec.RouteRegistry{
		Nonce:    b.outNonce,
		Strategy: cfg.Strategy,
		Name:     cfg.Name,
		Symbol:   cfg.Symbol,
		Decimals: cfg.Decimals,
		Metadata: cfg.RwaAsset.Bytes(),
	}
	encoded, err := msg.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	if err := b.checkPayment(encoded, payment); err != nil {
		return [32]byte{}, err
	}

	err = b.ledger.RegisterVault(caller, ledger.VaultInfo{
		Enabled:               true,
		Direct:                cfg.Direct,
		Strategy:              cfg.Strategy,
		RevenueAsset:          cfg.RevenueAsset,
		FeeRecipient:          cfg.FeeRecipient,
		FeeRateBps:            cfg.FeeRateBps,
		BridgeSafetyMarginBps: cfg.BridgeSafetyMarginBps,
	})
	if err != nil {
		return [32]byte{}, err
	}

	id, err := b.dispatch(encoded, payment)
	if err != nil {
		return [32]byte{}, err
	}
	b.emit(Event{Kind: EventRouteAnnounced, Strategy: cfg.Strategy})
	return id, nil
}

// Deposit locks amount into a strategy and reports the stake to the
// destination chain, where shares are minted for the caller
func (b *Lockbox) Deposit(caller, strategyAddr common.Address, amount, payment *big.Int) ([32]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller == (common.Address{}) {
		return [32]byte{}, ErrZeroUser
	}
	msg := &codec.StakeInfo{
		Nonce:    b.outNonce,
		Strategy: strategyAddr,
		User:     caller,
		Stake:    amount,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	// Reject underpayment before the ledger moves
	if err := b.checkPayment(encoded, payment); err != nil {
		return [32]byte{}, err
	}

	if _, err := b.ledger.RecordDeposit(strategyAddr, amount); err != nil {
		return [32]byte{}, err
	}

	id, err := b.dispatch(encoded, payment)
	if err != nil {
		return [32]byte{}, err
	}
	b.emit(Event{Kind: EventDeposit, Strategy: strategyAddr, User: caller, Amount: amount})
	return id, nil
}

// Report realizes a strategy's revenue: the fee share exits to the fee
// recipient on this chain and the net share is bridged as a reward that
// compounds destination-side principal. No message is sent when the net
// is zero.
func (b *Lockbox) Report(strategyAddr common.Address, payment *big.Int) (*ledger.ReportResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// StakeReward has a fixed layout, so the quote can be checked with a
	// placeholder amount before the ledger moves
	probe, err := (&codec.StakeReward{Nonce: b.outNonce, Strategy: strategyAddr, StakeAdded: big.NewInt(0)}).Encode()
	if err != nil {
		return nil, err
	}
	if err := b.checkPayment(probe, payment); err != nil {
		return nil, err
	}

	result, err := b.ledger.Report(strategyAddr)
	if err != nil {
		return nil, err
	}
	if result.Net.Sign() == 0 {
		return result, nil
	}

	msg := &codec.StakeReward{Nonce: b.outNonce, Strategy: strategyAddr, StakeAdded: result.Net}
	encoded, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := b.dispatch(encoded, payment); err != nil {
		return nil, err
	}
	b.emit(Event{Kind: EventReported, Strategy: strategyAddr, Amount: result.Net})
	return result, nil
}

// Handle processes an inbound message from the destination chain. Only
// StakeRedeem messages are expected. Replayed nonces are dropped without
// error; a redeem whose settlement fails is captured as a FailedRedeem
// rather than rejected, so the transport never sees it as undelivered.
func (b *Lockbox) Handle(originDomain uint32, sender common.Address, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if originDomain != b.destinationDomain || sender != b.destinationFactory {
		return fmt.Errorf("%w: domain %d sender %s", ErrBadOriginSender, originDomain, sender)
	}

	decoded, err := codec.Decode(payload)
	if err != nil {
		return err
	}
	if b.seenNonces[decoded.MsgNonce()] {
		b.log.Debug("replayed message dropped", "nonce", decoded.MsgNonce())
		return nil
	}
	redeem, ok := decoded.(*codec.StakeRedeem)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnexpectedMessage, decoded.MsgType())
	}
	b.seenNonces[decoded.MsgNonce()] = true

	if err := b.settleRedeem(redeem.Strategy, redeem.User, redeem.RedeemAmount); err != nil {
		b.captureFailedRedeem(redeem, err)
	}
	return nil
}

// settleRedeem exits the strategy and parks the proceeds behind the
// withdrawal delay. Callers must hold b.mu.
func (b *Lockbox) settleRedeem(strategyAddr, user common.Address, amount *big.Int) error {
	adapter, ok := b.adapters.Get(strategyAddr)
	if !ok {
		return ledger.ErrUnknownStrategy
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.ErrZeroAmount
	}

	// A redeem too small to pay out any stake must not touch the books.
	// Checked on the preview and again after the clamp so every ledger
	// mutation is matched by a positive claim.
	alloc := adapter.PreviewAllocation(amount)
	if alloc.Sign() == 0 || adapter.PreviewExit(alloc).Sign() == 0 {
		return ErrZeroAllocationExit
	}

	// Bound the exit against the books before touching the strategy
	info, ok := b.ledger.StakeInfoOf(strategyAddr)
	if !ok {
		return ledger.ErrUnknownStrategy
	}
	if alloc.Cmp(info.TotalAllocation) > 0 {
		return ledger.ErrInsufficientAmount
	}

	exited, err := adapter.Exit(alloc)
	if err != nil {
		return err
	}
	if exited.Cmp(info.TotalStake) > 0 {
		exited = new(big.Int).Set(info.TotalStake)
	}
	if exited.Sign() == 0 {
		return ErrZeroAllocationExit
	}
	if err := b.ledger.ApplyRedeem(strategyAddr, exited, alloc); err != nil {
		return err
	}
	if _, err := b.claims.Enqueue(strategyAddr, user, exited); err != nil {
		return err
	}

	b.emit(Event{Kind: EventRedeemed, Strategy: strategyAddr, User: user, Amount: exited})
	return nil
}

func (b *Lockbox) captureFailedRedeem(redeem *codec.StakeRedeem, cause error) {
	id, err := b.store.nextID()
	if err != nil {
		b.log.Error("failed redeem sequence unavailable", "err", err)
		return
	}
	record := &FailedRedeem{
		ID:       id,
		Strategy: redeem.Strategy,
		User:     redeem.User,
		Amount:   redeem.RedeemAmount,
	}
	if err := b.store.put(record); err != nil {
		b.log.Error("failed redeem not persisted", "id", id, "err", err)
		return
	}
	b.failedByUser[redeem.User] = append(b.failedByUser[redeem.User], id)

	b.log.Warn("redeem settlement failed, captured for reexecution",
		"id", id, "strategy", redeem.Strategy, "user", redeem.User,
		"amount", redeem.RedeemAmount, "cause", cause)
	b.emit(Event{
		Kind:     EventRedeemFailed,
		Strategy: redeem.Strategy,
		User:     redeem.User,
		Amount:   redeem.RedeemAmount,
		RedeemID: id,
	})
}

// ReexecuteFailedRedeem retries a captured redeem. On success the record
// is deleted, so a redeem settles at most once.
func (b *Lockbox) ReexecuteFailedRedeem(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, err := b.store.get(id)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrRedeemNotFound
	}

	if err := b.settleRedeem(record.Strategy, record.User, record.Amount); err != nil {
		return err
	}
	if err := b.store.delete(id); err != nil {
		return err
	}
	b.dropUserIndex(record.User, id)
	b.emit(Event{Kind: EventReexecuted, Strategy: record.Strategy, User: record.User, RedeemID: id})
	return nil
}

// GetFailedRedeem returns the stored record, or a zeroed record when the
// ID is unknown or already settled
func (b *Lockbox) GetFailedRedeem(id uint64) (FailedRedeem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, err := b.store.get(id)
	if err != nil {
		return FailedRedeem{}, err
	}
	if record == nil {
		return FailedRedeem{Amount: big.NewInt(0)}, nil
	}
	return *record, nil
}

// FailedRedeemsFor returns the outstanding failed redeem IDs for a user
func (b *Lockbox) FailedRedeemsFor(user common.Address) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]uint64, len(b.failedByUser[user]))
	copy(out, b.failedByUser[user])
	return out
}

// ClaimWithdraw pays out a matured withdrawal claim and clears its
// pending exit stake from the ledger
func (b *Lockbox) ClaimWithdraw(caller common.Address, claimID uint64) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	claim, err := b.claims.Get(claimID)
	if err != nil {
		return nil, err
	}
	amount, err := b.claims.Withdraw(caller, claimID)
	if err != nil {
		return nil, err
	}
	if err := b.ledger.CompleteExit(claim.Strategy, amount); err != nil {
		return nil, err
	}

	b.emit(Event{Kind: EventClaimed, Strategy: claim.Strategy, User: caller, Amount: amount})
	return amount, nil
}

// ExecuteMigration moves stake value between two origin strategies. It
// is driven by the destination handler after route validation there.
func (b *Lockbox) ExecuteMigration(from, to common.Address, amount *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.MoveStake(from, to, amount)
}

// ProposeDestination stages a rotation of the trusted destination
// domain and factory, effective after RotationDelay
func (b *Lockbox) ProposeDestination(caller common.Address, domain uint32, factory common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.vaultManager {
		return ErrNotManager
	}
	if domain == b.localDomain {
		return ErrSameDomain
	}
	b.pendingDest = &pendingDestination{
		domain:  domain,
		factory: factory,
		eta:     b.now() + int64(RotationDelay/time.Second),
	}
	b.log.Info("destination rotation proposed", "domain", domain, "factory", factory)
	return nil
}

// ApplyDestination commits a staged destination rotation once its
// timelock has elapsed
func (b *Lockbox) ApplyDestination(caller common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.vaultManager {
		return ErrNotManager
	}
	if b.pendingDest == nil {
		return ErrNoPendingChange
	}
	if b.now() < b.pendingDest.eta {
		return ErrTimelockActive
	}
	b.destinationDomain = b.pendingDest.domain
	b.destinationFactory = b.pendingDest.factory
	b.pendingDest = nil
	b.log.Info("destination rotated", "domain", b.destinationDomain, "factory", b.destinationFactory)
	return nil
}

// ProposeTransport stages a transport rotation, effective after RotationDelay
func (b *Lockbox) ProposeTransport(caller common.Address, t transport.Transport) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.vaultManager {
		return ErrNotManager
	}
	b.pendingTransport = &pendingTransport{
		transport: t,
		eta:       b.now() + int64(RotationDelay/time.Second),
	}
	return nil
}

// ApplyTransport commits a staged transport rotation once its timelock
// has elapsed
func (b *Lockbox) ApplyTransport(caller common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.vaultManager {
		return ErrNotManager
	}
	if b.pendingTransport == nil {
		return ErrNoPendingChange
	}
	if b.now() < b.pendingTransport.eta {
		return ErrTimelockActive
	}
	b.transport = b.pendingTransport.transport
	b.pendingTransport = nil
	return nil
}

// Destination returns the trusted destination domain and factory
func (b *Lockbox) Destination() (uint32, common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destinationDomain, b.destinationFactory
}

// QuoteAddStrategy returns the exact payment AddStrategy requires
func (b *Lockbox) QuoteAddStrategy(cfg StrategyConfig) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded, err := (&codec.RouteRegistry{
		Nonce:    b.outNonce,
		Strategy: cfg.Strategy,
		Name:     cfg.Name,
		Symbol:   cfg.Symbol,
		Decimals: cfg.Decimals,
		Metadata: cfg.RwaAsset.Bytes(),
	}).Encode()
	if err != nil {
		return nil, err
	}
	return b.transport.Quote(b.destinationDomain, encoded), nil
}

// QuoteReport returns the exact payment Report requires
func (b *Lockbox) QuoteReport(strategyAddr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded, err := (&codec.StakeReward{
		Nonce: b.outNonce, Strategy: strategyAddr, StakeAdded: big.NewInt(0),
	}).Encode()
	if err != nil {
		return nil, err
	}
	return b.transport.Quote(b.destinationDomain, encoded), nil
}

// QuoteDeposit returns the exact payment Deposit requires
func (b *Lockbox) QuoteDeposit(strategyAddr common.Address, amount *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	encoded, err := (&codec.StakeInfo{
		Nonce: b.outNonce, Strategy: strategyAddr, User: common.Address{}, Stake: amount,
	}).Encode()
	if err != nil {
		return nil, err
	}
	return b.transport.Quote(b.destinationDomain, encoded), nil
}

// Events returns the emitted event log
func (b *Lockbox) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *Lockbox) dropUserIndex(user common.Address, id uint64) {
	ids := b.failedByUser[user]
	for i, have := range ids {
		if have == id {
			b.failedByUser[user] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (b *Lockbox) checkPayment(encoded []byte, payment *big.Int) error {
	fee := b.transport.Quote(b.destinationDomain, encoded)
	if payment == nil || payment.Cmp(fee) < 0 {
		return transport.ErrInsufficientValue
	}
	return nil
}

// dispatch sends an already-encoded message and advances the outbound
// nonce. Callers must hold b.mu and must have checked the payment.
func (b *Lockbox) dispatch(encoded []byte, payment *big.Int) ([32]byte, error) {
	id, err := b.transport.Dispatch(b.destinationDomain, b.destinationFactory, encoded, payment)
	if err != nil {
		return [32]byte{}, err
	}
	b.outNonce++
	return id, nil
}

func (b *Lockbox) emit(e Event) {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	b.events = append(b.events, e)
}
