// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package destination implements the destination-chain gateway. Route
// announcements from an origin lockbox create a vault share token;
// inbound stake reports mint shares, rewards compound the share price,
// and redeems burn shares and dispatch an exit request back to the
// origin. Strategy migration is validated here and executed against the
// origin ledger through the OriginMigrator.
package destination

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/stakebridge/codec"
	"github.com/luxfi/stakebridge/transport"
)

// Handler errors
var (
	ErrNotAdmin              = errors.New("caller is not the admin")
	ErrUnauthorizedOrigin    = errors.New("unauthorized origin or sender")
	ErrUnknownRoute          = errors.New("no route for strategy")
	ErrZeroAmount            = errors.New("zero amount")
	ErrZeroUser              = errors.New("zero user")
	ErrZeroReceiver          = errors.New("zero receiver")
	ErrLocalOrigin           = errors.New("origin domain equals the local domain")
	ErrSameStrategy          = errors.New("source and target strategy are identical")
	ErrIncompatibleMigration = errors.New("strategies settle into different rwa assets")
	ErrNoMigration           = errors.New("no migrated balance between strategies")
	ErrInsufficientMigration = errors.New("migrated balance exhausted")
	ErrUnexpectedMessage     = errors.New("unexpected inbound message type")
	ErrNoMigrator            = errors.New("no origin migrator configured")
)

// Event kinds emitted by the handler
const (
	EventRouteCreated      = "RouteCreated"
	EventSharesMinted      = "SharesMinted"
	EventRewardCompounded  = "RewardCompounded"
	EventSharesRedeemed    = "SharesRedeemed"
	EventMigrationRecorded = "MigrationRecorded"
	EventMigratedRedeem    = "MigratedRwaRedeemed"
)

// Event is one emitted handler event
type Event struct {
	Kind     string
	Strategy common.Address
	User     common.Address
	Amount   *big.Int
}

// OriginMigrator executes a validated strategy migration against the
// origin-chain ledger and returns the stake amount actually moved
type OriginMigrator interface {
	ExecuteMigration(from, to common.Address, amount *big.Int) (*big.Int, error)
}

// RouteInfo describes one bridged strategy and its derived tokens
type RouteInfo struct {
	Strategy      common.Address
	OriginDomain  uint32
	OriginLockbox common.Address
	AssetToken    common.Address
	VaultShares   common.Address
	RwaAsset      common.Address
	Name          string
	Symbol        string
	Decimals      uint8
}

type migrationKey struct {
	from common.Address
	to   common.Address
}

// Config wires a Handler to its collaborators
type Config struct {
	Admin       common.Address
	LocalDomain uint32
	Transport   transport.Transport
	Migrator    OriginMigrator
	Logger      log.Logger
}

// Handler is the destination-chain gateway
type Handler struct {
	mu sync.Mutex

	log       log.Logger
	admin     common.Address
	transport transport.Transport
	migrator  OriginMigrator

	localDomain uint32
	outNonce    uint64

	// trusted lockbox sender per origin domain
	authorized map[uint32]common.Address
	// replayed inbound nonces, namespaced by origin domain
	seen map[uint32]map[uint64]bool

	routes     map[common.Address]*RouteInfo
	books      map[common.Address]*shareBook
	principal  map[common.Address]*big.Int
	migrations map[migrationKey]*big.Int

	events []Event
}

// NewHandler creates a destination gateway
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.NewTestLogger(log.InfoLevel)
	}
	return &Handler{
		log:         cfg.Logger,
		admin:       cfg.Admin,
		transport:   cfg.Transport,
		migrator:    cfg.Migrator,
		localDomain: cfg.LocalDomain,
		authorized:  make(map[uint32]common.Address),
		seen:        make(map[uint32]map[uint64]bool),
		routes:      make(map[common.Address]*RouteInfo),
		books:       make(map[common.Address]*shareBook),
		principal:   make(map[common.Address]*big.Int),
		migrations:  make(map[migrationKey]*big.Int),
	}
}

var _ transport.Handler = (*Handler)(nil)

// AuthorizeOrigin trusts a lockbox address as the sender for an origin
// domain (admin only)
func (h *Handler) AuthorizeOrigin(caller common.Address, domain uint32, lockbox common.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if caller != h.admin {
		return ErrNotAdmin
	}
	if domain == h.localDomain {
		return ErrLocalOrigin
	}
	h.authorized[domain] = lockbox
	return nil
}

// Handle processes an inbound message from an authorized origin lockbox.
// Replayed nonces are dropped without error. A deposit that arrives
// before its route announcement fails and is left to redelivery.
func (h *Handler) Handle(originDomain uint32, sender common.Address, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if trusted, ok := h.authorized[originDomain]; !ok || trusted != sender {
		return fmt.Errorf("%w: domain %d sender %s", ErrUnauthorizedOrigin, originDomain, sender)
	}

	decoded, err := codec.Decode(payload)
	if err != nil {
		return err
	}
	if h.seen[originDomain][decoded.MsgNonce()] {
		h.log.Debug("replayed message dropped", "origin", originDomain, "nonce", decoded.MsgNonce())
		return nil
	}

	switch msg := decoded.(type) {
	case *codec.RouteRegistry:
		err = h.createRoute(originDomain, sender, msg)
	case *codec.StakeInfo:
		err = h.mintForStake(msg)
	case *codec.StakeReward:
		err = h.compoundReward(msg)
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedMessage, decoded.MsgType())
	}
	if err != nil {
		return err
	}

	// Marked only after success so redelivery can settle a message that
	// raced ahead of its route announcement
	if h.seen[originDomain] == nil {
		h.seen[originDomain] = make(map[uint64]bool)
	}
	h.seen[originDomain][decoded.MsgNonce()] = true
	return nil
}

func (h *Handler) createRoute(origin uint32, lockbox common.Address, msg *codec.RouteRegistry) error {
	if _, exists := h.routes[msg.Strategy]; exists {
		h.log.Warn("duplicate route announcement ignored", "strategy", msg.Strategy)
		return nil
	}

	route := &RouteInfo{
		Strategy:      msg.Strategy,
		OriginDomain:  origin,
		OriginLockbox: lockbox,
		AssetToken:    deriveTokenAddress(origin, msg.Strategy, "asset"),
		VaultShares:   deriveTokenAddress(origin, msg.Strategy, "shares"),
		RwaAsset:      common.BytesToAddress(msg.Metadata),
		Name:          msg.Name,
		Symbol:        msg.Symbol,
		Decimals:      msg.Decimals,
	}
	h.routes[msg.Strategy] = route
	h.books[msg.Strategy] = newShareBook()
	h.principal[msg.Strategy] = big.NewInt(0)

	h.log.Info("route created",
		"strategy", msg.Strategy, "symbol", msg.Symbol, "shares", route.VaultShares)
	h.emit(Event{Kind: EventRouteCreated, Strategy: msg.Strategy})
	return nil
}

// mintForStake mints vault shares for a reported deposit. The first
// depositor mints 1:1; afterwards shares price in accrued rewards.
func (h *Handler) mintForStake(msg *codec.StakeInfo) error {
	route, book, principal, err := h.lookup(msg.Strategy)
	if err != nil {
		return err
	}
	if msg.Stake.Sign() <= 0 {
		return ErrZeroAmount
	}
	if msg.User == (common.Address{}) {
		return ErrZeroUser
	}

	shares := new(big.Int).Set(msg.Stake)
	if book.total.Sign() > 0 {
		shares.Mul(msg.Stake, book.total)
		shares.Div(shares, principal)
	}
	book.mint(msg.User, shares)
	principal.Add(principal, msg.Stake)

	h.log.Info("shares minted",
		"strategy", route.Strategy, "user", msg.User, "stake", msg.Stake, "shares", shares)
	h.emit(Event{Kind: EventSharesMinted, Strategy: msg.Strategy, User: msg.User, Amount: shares})
	return nil
}

// compoundReward grows principal without minting, raising the share price
func (h *Handler) compoundReward(msg *codec.StakeReward) error {
	_, _, principal, err := h.lookup(msg.Strategy)
	if err != nil {
		return err
	}
	if msg.StakeAdded.Sign() <= 0 {
		return ErrZeroAmount
	}
	principal.Add(principal, msg.StakeAdded)

	h.emit(Event{Kind: EventRewardCompounded, Strategy: msg.Strategy, Amount: msg.StakeAdded})
	return nil
}

// Redeem burns shares and dispatches an exit request to the origin
// lockbox. The receiver is credited on the origin chain once the exit
// settles there. A spender redeeming on behalf of an owner consumes
// allowance; payment must cover the transport quote.
func (h *Handler) Redeem(caller, strategyAddr, owner, receiver common.Address, shares, payment *big.Int) ([32]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	route, book, principal, err := h.lookup(strategyAddr)
	if err != nil {
		return [32]byte{}, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return [32]byte{}, ErrZeroAmount
	}
	if receiver == (common.Address{}) {
		return [32]byte{}, ErrZeroReceiver
	}
	if book.balanceOf(owner).Cmp(shares) < 0 {
		return [32]byte{}, ErrInsufficientShares
	}

	// Principal out is priced before the burn
	principalOut := new(big.Int).Mul(shares, principal)
	principalOut.Div(principalOut, book.total)

	msg := &codec.StakeRedeem{
		Nonce:        h.outNonce,
		Strategy:     strategyAddr,
		User:         receiver,
		RedeemAmount: principalOut,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	// Reject underpayment before any share state moves
	fee := h.transport.Quote(route.OriginDomain, encoded)
	if payment == nil || payment.Cmp(fee) < 0 {
		return [32]byte{}, transport.ErrInsufficientValue
	}

	if caller != owner {
		if err := book.spendAllowance(owner, caller, shares); err != nil {
			return [32]byte{}, err
		}
	}
	if err := book.burn(owner, shares); err != nil {
		return [32]byte{}, err
	}
	principal.Sub(principal, principalOut)

	id, err := h.transport.Dispatch(route.OriginDomain, route.OriginLockbox, encoded, payment)
	if err != nil {
		return [32]byte{}, err
	}
	h.outNonce++

	h.emit(Event{Kind: EventSharesRedeemed, Strategy: strategyAddr, User: owner, Amount: shares})
	return id, nil
}

// MigrateStrategy moves amount of stake value from one route's strategy
// into another on the origin chain (admin only). Both routes must
// settle into the same RWA asset. The moved amount is recorded so
// holders of the source route can later redeem against the target.
func (h *Handler) MigrateStrategy(caller, from, to common.Address, amount *big.Int) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if caller != h.admin {
		return nil, ErrNotAdmin
	}
	if h.migrator == nil {
		return nil, ErrNoMigrator
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if from == to {
		return nil, ErrSameStrategy
	}
	fromRoute, ok := h.routes[from]
	if !ok {
		return nil, ErrUnknownRoute
	}
	toRoute, ok := h.routes[to]
	if !ok {
		return nil, ErrUnknownRoute
	}
	if fromRoute.RwaAsset != toRoute.RwaAsset {
		return nil, ErrIncompatibleMigration
	}

	moved, err := h.migrator.ExecuteMigration(from, to, amount)
	if err != nil {
		return nil, err
	}

	key := migrationKey{from: from, to: to}
	if h.migrations[key] == nil {
		h.migrations[key] = big.NewInt(0)
	}
	h.migrations[key].Add(h.migrations[key], moved)

	h.log.Info("strategy migrated", "from", from, "to", to, "moved", moved)
	h.emit(Event{Kind: EventMigrationRecorded, Strategy: to, Amount: moved})
	return new(big.Int).Set(moved), nil
}

// HandleMigratedRwaRedeem redeems source-route shares against the
// target strategy after a migration moved their backing. The redeem
// draws down the recorded migrated balance; once exhausted, remaining
// source shares can only redeem against their own strategy.
func (h *Handler) HandleMigratedRwaRedeem(caller, from, to common.Address, shares *big.Int, receiver common.Address, payment *big.Int) ([32]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, fromBook, fromPrincipal, err := h.lookup(from)
	if err != nil {
		return [32]byte{}, err
	}
	toRoute, ok := h.routes[to]
	if !ok {
		return [32]byte{}, ErrUnknownRoute
	}
	if shares == nil || shares.Sign() <= 0 {
		return [32]byte{}, ErrZeroAmount
	}
	if receiver == (common.Address{}) {
		return [32]byte{}, ErrZeroReceiver
	}
	if fromBook.balanceOf(caller).Cmp(shares) < 0 {
		return [32]byte{}, ErrInsufficientShares
	}

	principalOut := new(big.Int).Mul(shares, fromPrincipal)
	principalOut.Div(principalOut, fromBook.total)

	remaining := h.migrations[migrationKey{from: from, to: to}]
	if remaining == nil {
		return [32]byte{}, ErrNoMigration
	}
	if remaining.Cmp(principalOut) < 0 {
		return [32]byte{}, ErrInsufficientMigration
	}

	msg := &codec.StakeRedeem{
		Nonce:        h.outNonce,
		Strategy:     to,
		User:         receiver,
		RedeemAmount: principalOut,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	fee := h.transport.Quote(toRoute.OriginDomain, encoded)
	if payment == nil || payment.Cmp(fee) < 0 {
		return [32]byte{}, transport.ErrInsufficientValue
	}

	if err := fromBook.burn(caller, shares); err != nil {
		return [32]byte{}, err
	}
	fromPrincipal.Sub(fromPrincipal, principalOut)
	remaining.Sub(remaining, principalOut)

	id, err := h.transport.Dispatch(toRoute.OriginDomain, toRoute.OriginLockbox, encoded, payment)
	if err != nil {
		return [32]byte{}, err
	}
	h.outNonce++

	h.emit(Event{Kind: EventMigratedRedeem, Strategy: to, User: caller, Amount: principalOut})
	return id, nil
}

// Approve grants a spender the right to redeem owner's shares
func (h *Handler) Approve(owner, spender, strategyAddr common.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, book, _, err := h.lookup(strategyAddr)
	if err != nil {
		return err
	}
	book.approve(owner, spender, amount)
	return nil
}

// Allowance returns the remaining spender allowance on owner's shares
func (h *Handler) Allowance(owner, spender, strategyAddr common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	book, ok := h.books[strategyAddr]
	if !ok {
		return big.NewInt(0)
	}
	return book.allowance(owner, spender)
}

// BalanceOf returns owner's share balance for a strategy route
func (h *Handler) BalanceOf(strategyAddr, owner common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	book, ok := h.books[strategyAddr]
	if !ok {
		return big.NewInt(0)
	}
	return book.balanceOf(owner)
}

// TotalShares returns the share supply for a strategy route
func (h *Handler) TotalShares(strategyAddr common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	book, ok := h.books[strategyAddr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(book.total)
}

// PrincipalOf returns the bridged principal backing a strategy route
func (h *Handler) PrincipalOf(strategyAddr common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	principal, ok := h.principal[strategyAddr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(principal)
}

// PreviewRedeem returns the principal shares would redeem for right now
func (h *Handler) PreviewRedeem(strategyAddr common.Address, shares *big.Int) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	book, ok := h.books[strategyAddr]
	if !ok || book.total.Sign() == 0 || shares == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(shares, h.principal[strategyAddr])
	return out.Div(out, book.total)
}

// QuoteRedeem returns the exact payment Redeem requires for shares
func (h *Handler) QuoteRedeem(strategyAddr common.Address, shares *big.Int) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	route, book, principal, err := h.lookup(strategyAddr)
	if err != nil {
		return nil, err
	}
	return h.quoteExit(route.OriginDomain, strategyAddr, book, principal, shares)
}

// QuoteMigratedRedeem returns the exact payment HandleMigratedRwaRedeem
// requires for source-route shares redeeming against the target
func (h *Handler) QuoteMigratedRedeem(from, to common.Address, shares *big.Int) (*big.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, fromBook, fromPrincipal, err := h.lookup(from)
	if err != nil {
		return nil, err
	}
	toRoute, ok := h.routes[to]
	if !ok {
		return nil, ErrUnknownRoute
	}
	return h.quoteExit(toRoute.OriginDomain, to, fromBook, fromPrincipal, shares)
}

// quoteExit prices shares against a book and quotes the redeem message
// that carries the resulting principal. Callers must hold h.mu.
func (h *Handler) quoteExit(domain uint32, strategyAddr common.Address, book *shareBook, principal, shares *big.Int) (*big.Int, error) {
	principalOut := big.NewInt(0)
	if shares != nil && shares.Sign() > 0 && book.total.Sign() > 0 {
		principalOut.Mul(shares, principal)
		principalOut.Div(principalOut, book.total)
	}
	encoded, err := (&codec.StakeRedeem{
		Nonce:        h.outNonce,
		Strategy:     strategyAddr,
		User:         common.Address{},
		RedeemAmount: principalOut,
	}).Encode()
	if err != nil {
		return nil, err
	}
	return h.transport.Quote(domain, encoded), nil
}

// RouteOf returns a copy of the route for a strategy
func (h *Handler) RouteOf(strategyAddr common.Address) (RouteInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	route, ok := h.routes[strategyAddr]
	if !ok {
		return RouteInfo{}, false
	}
	return *route, true
}

// MigratedBalance returns the remaining migrated principal between two
// strategies
func (h *Handler) MigratedBalance(from, to common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining, ok := h.migrations[migrationKey{from: from, to: to}]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(remaining)
}

// Events returns the emitted event log
func (h *Handler) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

// lookup resolves the route, share book, and principal for a strategy.
// Callers must hold h.mu.
func (h *Handler) lookup(strategyAddr common.Address) (*RouteInfo, *shareBook, *big.Int, error) {
	route, ok := h.routes[strategyAddr]
	if !ok {
		return nil, nil, nil, ErrUnknownRoute
	}
	return route, h.books[strategyAddr], h.principal[strategyAddr], nil
}

func (h *Handler) emit(e Event) {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	h.events = append(h.events, e)
}
