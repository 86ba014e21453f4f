// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport models the asynchronous message channel between the
// origin and destination chains. Delivery is at-least-once and unordered:
// a dispatched envelope may arrive late, duplicated, or interleaved
// arbitrarily with other traffic. Handlers must therefore be idempotent
// and must not rely on cross-message ordering.
package transport

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	"github.com/luxfi/geth/common"
	warptypes "github.com/luxfi/warp/types"
	"github.com/zeebo/blake3"
)

// Transport errors
var (
	ErrInsufficientValue = errors.New("dispatch underpaid")
	ErrNoHandler         = errors.New("no handler for recipient")
)

// Transport is the outbound half of the channel. Quote returns the exact
// relay fee Dispatch will require for the same payload; Dispatch rejects
// underpayment before any state change.
type Transport interface {
	Quote(destDomain uint32, payload []byte) *big.Int
	Dispatch(destDomain uint32, recipient common.Address, payload []byte, value *big.Int) ([32]byte, error)
}

// Handler is the inbound half: a gateway registered as the recipient of
// envelopes addressed to it on a given domain
type Handler interface {
	Handle(originDomain uint32, sender common.Address, payload []byte) error
}

// Envelope is one in-flight message. It satisfies the warp cross-chain
// message interfaces so relaying infrastructure can treat it uniformly.
type Envelope struct {
	id        [32]byte
	origin    uint32
	dest      uint32
	sender    common.Address
	recipient common.Address
	payload   []byte
	nonce     uint64
	createdAt time.Time
}

var (
	_ warptypes.Message          = (*Envelope)(nil)
	_ warptypes.AddressedMessage = (*Envelope)(nil)
	_ warptypes.UnsignedMessage  = (*Envelope)(nil)
)

func (e *Envelope) ID() warptypes.ID { return warptypes.ID(e.id) }

func (e *Envelope) SourceChainID() warptypes.ID { return DomainID(e.origin) }

func (e *Envelope) DestinationChainID() warptypes.ID { return DomainID(e.dest) }

func (e *Envelope) Payload() []byte { return e.payload }

func (e *Envelope) SourceAddress() warptypes.Address { return e.sender.Bytes() }

func (e *Envelope) DestinationAddress() warptypes.Address { return e.recipient.Bytes() }

func (e *Envelope) Timestamp() time.Time { return e.createdAt }

func (e *Envelope) Nonce() uint64 { return e.nonce }

// Serialize returns the canonical byte representation:
// [4 origin][4 dest][20 sender][20 recipient][8 nonce][payload]
func (e *Envelope) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 56+len(e.payload))
	buf = binary.BigEndian.AppendUint32(buf, e.origin)
	buf = binary.BigEndian.AppendUint32(buf, e.dest)
	buf = append(buf, e.sender.Bytes()...)
	buf = append(buf, e.recipient.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, e.nonce)
	buf = append(buf, e.payload...)
	return buf, nil
}

// DomainID widens a 32-bit routing domain into a warp chain ID
func DomainID(domain uint32) warptypes.ID {
	var id warptypes.ID
	binary.BigEndian.PutUint32(id[28:], domain)
	return id
}

func envelopeID(e *Envelope) [32]byte {
	raw, _ := e.Serialize()
	h := blake3.New()
	h.Write(raw)
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}
