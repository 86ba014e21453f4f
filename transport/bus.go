// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
)

// Bus is an in-memory message channel connecting two (or more) chain
// domains. Dispatched envelopes queue until a Deliver* call drains them;
// tests drive Shuffle/Duplicate to exercise adversarial delivery orders.
// Handler errors never block the queue: an inbound message is consumed
// whether or not its handler succeeds, mirroring real relays.
type Bus struct {
	mu sync.Mutex

	baseFee    *big.Int
	feePerByte *big.Int

	pending   []*Envelope
	delivered uint64
	nonce     uint64
	collected *big.Int

	handlers map[uint32]map[common.Address]Handler
	failures []DeliveryFailure
}

// DeliveryFailure records a consumed envelope whose handler errored
type DeliveryFailure struct {
	Envelope *Envelope
	Err      error
}

// NewBus creates a bus with the given fee schedule
func NewBus(baseFee, feePerByte int64) *Bus {
	return &Bus{
		baseFee:    big.NewInt(baseFee),
		feePerByte: big.NewInt(feePerByte),
		collected:  big.NewInt(0),
		handlers:   make(map[uint32]map[common.Address]Handler),
	}
}

// RegisterHandler binds an inbound handler for a recipient on a domain
func (b *Bus) RegisterHandler(domain uint32, recipient common.Address, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[domain] == nil {
		b.handlers[domain] = make(map[common.Address]Handler)
	}
	b.handlers[domain][recipient] = h
}

// Endpoint returns the Transport view of this bus for one local domain
func (b *Bus) Endpoint(localDomain uint32, sender common.Address) *Endpoint {
	return &Endpoint{bus: b, domain: localDomain, sender: sender}
}

// Endpoint stamps outbound envelopes with its local domain and sender
type Endpoint struct {
	bus    *Bus
	domain uint32
	sender common.Address
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) Quote(destDomain uint32, payload []byte) *big.Int {
	return e.bus.quote(payload)
}

func (e *Endpoint) Dispatch(destDomain uint32, recipient common.Address, payload []byte, value *big.Int) ([32]byte, error) {
	return e.bus.dispatch(e.domain, destDomain, e.sender, recipient, payload, value)
}

func (b *Bus) quote(payload []byte) *big.Int {
	fee := new(big.Int).Mul(b.feePerByte, big.NewInt(int64(len(payload))))
	return fee.Add(fee, b.baseFee)
}

func (b *Bus) dispatch(origin, dest uint32, sender, recipient common.Address, payload []byte, value *big.Int) ([32]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fee := b.quote(payload)
	if value == nil || value.Cmp(fee) < 0 {
		return [32]byte{}, ErrInsufficientValue
	}

	env := &Envelope{
		origin:    origin,
		dest:      dest,
		sender:    sender,
		recipient: recipient,
		payload:   append([]byte(nil), payload...),
		nonce:     b.nonce,
		createdAt: time.Now(),
	}
	env.id = envelopeID(env)
	b.nonce++

	b.pending = append(b.pending, env)
	b.collected.Add(b.collected, fee) // excess above the quote is retained
	return env.id, nil
}

// Pending returns the number of queued envelopes
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// DeliverAll drains the queue in its current order
func (b *Bus) DeliverAll() {
	for {
		if !b.DeliverNext() {
			return
		}
	}
}

// DeliverNext delivers the head of the queue; returns false when empty
func (b *Bus) DeliverNext() bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	env := b.pending[0]
	b.pending = b.pending[1:]
	handler := b.handlerFor(env)
	b.mu.Unlock()

	b.deliver(env, handler)
	return true
}

// Shuffle permutes the pending queue with the given seed
func (b *Bus) Shuffle(seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(b.pending), func(i, j int) {
		b.pending[i], b.pending[j] = b.pending[j], b.pending[i]
	})
}

// DuplicateHead requeues a copy of the head envelope at the tail,
// modeling at-least-once redelivery
func (b *Bus) DuplicateHead() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return
	}
	b.pending = append(b.pending, b.pending[0])
}

// Failures returns handler errors observed during delivery
func (b *Bus) Failures() []DeliveryFailure {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeliveryFailure, len(b.failures))
	copy(out, b.failures)
	return out
}

// Delivered returns the count of consumed envelopes
func (b *Bus) Delivered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}

// CollectedFees returns the total relay fees retained by the bus
func (b *Bus) CollectedFees() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.collected)
}

func (b *Bus) handlerFor(env *Envelope) Handler {
	if domainHandlers := b.handlers[env.dest]; domainHandlers != nil {
		return domainHandlers[env.recipient]
	}
	return nil
}

func (b *Bus) deliver(env *Envelope, handler Handler) {
	var err error
	if handler == nil {
		err = fmt.Errorf("%w: domain %d recipient %s", ErrNoHandler, env.dest, env.recipient)
	} else {
		err = handler.Handle(env.origin, env.sender, env.payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered++
	if err != nil {
		b.failures = append(b.failures, DeliveryFailure{Envelope: env, Err: err})
	}
}
