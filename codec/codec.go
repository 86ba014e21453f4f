// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec implements the fixed binary encodings for the four
// cross-chain message kinds. Every message starts with a 1-byte type
// discriminant and an 8-byte big-endian nonce; amounts are 32-byte
// big-endian words. Delivery order is not guaranteed, so the nonce is a
// replay tag, not a sequence number.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Message type discriminants
const (
	MsgTypeRouteRegistry uint8 = 1
	MsgTypeStakeInfo     uint8 = 2
	MsgTypeStakeReward   uint8 = 3
	MsgTypeStakeRedeem   uint8 = 4
)

// Fixed field sizes
const (
	headerSize  = 1 + 8 // type + nonce
	addressSize = 20
	amountSize  = 32
)

// Codec errors
var (
	ErrShortMessage   = errors.New("message too short")
	ErrTrailingBytes  = errors.New("unexpected trailing bytes")
	ErrUnknownType    = errors.New("unknown message type")
	ErrAmountOverflow = errors.New("amount exceeds 32 bytes")
	ErrStringTooLong  = errors.New("string field exceeds 65535 bytes")
)

// Message is any decoded cross-chain message
type Message interface {
	// MsgType returns the wire discriminant
	MsgType() uint8

	// MsgNonce returns the replay-protection nonce
	MsgNonce() uint64

	// Encode returns the canonical wire bytes
	Encode() ([]byte, error)
}

// RouteRegistry announces a new strategy route to the destination chain.
// Metadata carries the RWA asset the strategy's redemptions settle into.
type RouteRegistry struct {
	Nonce    uint64
	Strategy common.Address
	Name     string
	Symbol   string
	Decimals uint8
	Metadata []byte
}

// StakeInfo reports a user deposit to the destination chain
type StakeInfo struct {
	Nonce    uint64
	Strategy common.Address
	User     common.Address
	Stake    *big.Int
}

// StakeReward compounds reported net revenue into the destination-side
// principal supply
type StakeReward struct {
	Nonce      uint64
	Strategy   common.Address
	StakeAdded *big.Int
}

// StakeRedeem requests an exit against the origin-side strategy
type StakeRedeem struct {
	Nonce        uint64
	Strategy     common.Address
	User         common.Address
	RedeemAmount *big.Int
}

func (m *RouteRegistry) MsgType() uint8  { return MsgTypeRouteRegistry }
func (m *RouteRegistry) MsgNonce() uint64 { return m.Nonce }

func (m *StakeInfo) MsgType() uint8  { return MsgTypeStakeInfo }
func (m *StakeInfo) MsgNonce() uint64 { return m.Nonce }

func (m *StakeReward) MsgType() uint8  { return MsgTypeStakeReward }
func (m *StakeReward) MsgNonce() uint64 { return m.Nonce }

func (m *StakeRedeem) MsgType() uint8  { return MsgTypeStakeRedeem }
func (m *StakeRedeem) MsgNonce() uint64 { return m.Nonce }

// Encode serializes a RouteRegistry message:
// [1 type][8 nonce][20 strategy][2 nameLen][name][2 symLen][symbol][1 decimals][metadata]
func (m *RouteRegistry) Encode() ([]byte, error) {
	if len(m.Name) > 0xFFFF || len(m.Symbol) > 0xFFFF {
		return nil, ErrStringTooLong
	}

	buf := header(MsgTypeRouteRegistry, m.Nonce)
	buf = append(buf, m.Strategy.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Name)))
	buf = append(buf, m.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Symbol)))
	buf = append(buf, m.Symbol...)
	buf = append(buf, m.Decimals)
	buf = append(buf, m.Metadata...)
	return buf, nil
}

// Encode serializes a StakeInfo message:
// [1 type][8 nonce][20 strategy][20 user][32 stake]
func (m *StakeInfo) Encode() ([]byte, error) {
	buf := header(MsgTypeStakeInfo, m.Nonce)
	buf = append(buf, m.Strategy.Bytes()...)
	buf = append(buf, m.User.Bytes()...)
	return appendAmount(buf, m.Stake)
}

// Encode serializes a StakeReward message:
// [1 type][8 nonce][20 strategy][32 stakeAdded]
func (m *StakeReward) Encode() ([]byte, error) {
	buf := header(MsgTypeStakeReward, m.Nonce)
	buf = append(buf, m.Strategy.Bytes()...)
	return appendAmount(buf, m.StakeAdded)
}

// Encode serializes a StakeRedeem message:
// [1 type][8 nonce][20 strategy][20 user][32 redeemAmount]
func (m *StakeRedeem) Encode() ([]byte, error) {
	buf := header(MsgTypeStakeRedeem, m.Nonce)
	buf = append(buf, m.Strategy.Bytes()...)
	buf = append(buf, m.User.Bytes()...)
	return appendAmount(buf, m.RedeemAmount)
}

// Decode parses any wire message by its discriminant
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return nil, ErrShortMessage
	}
	msgType := data[0]
	nonce := binary.BigEndian.Uint64(data[1:9])
	body := data[headerSize:]

	switch msgType {
	case MsgTypeRouteRegistry:
		return decodeRouteRegistry(nonce, body)
	case MsgTypeStakeInfo:
		return decodeStakeInfo(nonce, body)
	case MsgTypeStakeReward:
		return decodeStakeReward(nonce, body)
	case MsgTypeStakeRedeem:
		return decodeStakeRedeem(nonce, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, msgType)
	}
}

// MessageID returns the blake3 digest identifying an encoded message
func MessageID(encoded []byte) [32]byte {
	h := blake3.New()
	h.Write(encoded)
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

func decodeRouteRegistry(nonce uint64, body []byte) (*RouteRegistry, error) {
	if len(body) < addressSize+2 {
		return nil, ErrShortMessage
	}
	m := &RouteRegistry{Nonce: nonce}
	m.Strategy = common.BytesToAddress(body[:addressSize])
	body = body[addressSize:]

	name, body, err := readString(body)
	if err != nil {
		return nil, err
	}
	symbol, body, err := readString(body)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, ErrShortMessage
	}
	m.Name = name
	m.Symbol = symbol
	m.Decimals = body[0]
	if len(body) > 1 {
		m.Metadata = append([]byte(nil), body[1:]...)
	}
	return m, nil
}

func decodeStakeInfo(nonce uint64, body []byte) (*StakeInfo, error) {
	if len(body) != addressSize*2+amountSize {
		return nil, sizeErr(body, addressSize*2+amountSize)
	}
	return &StakeInfo{
		Nonce:    nonce,
		Strategy: common.BytesToAddress(body[:addressSize]),
		User:     common.BytesToAddress(body[addressSize : addressSize*2]),
		Stake:    readAmount(body[addressSize*2:]),
	}, nil
}

func decodeStakeReward(nonce uint64, body []byte) (*StakeReward, error) {
	if len(body) != addressSize+amountSize {
		return nil, sizeErr(body, addressSize+amountSize)
	}
	return &StakeReward{
		Nonce:      nonce,
		Strategy:   common.BytesToAddress(body[:addressSize]),
		StakeAdded: readAmount(body[addressSize:]),
	}, nil
}

func decodeStakeRedeem(nonce uint64, body []byte) (*StakeRedeem, error) {
	if len(body) != addressSize*2+amountSize {
		return nil, sizeErr(body, addressSize*2+amountSize)
	}
	return &StakeRedeem{
		Nonce:        nonce,
		Strategy:     common.BytesToAddress(body[:addressSize]),
		User:         common.BytesToAddress(body[addressSize : addressSize*2]),
		RedeemAmount: readAmount(body[addressSize*2:]),
	}, nil
}

func header(msgType uint8, nonce uint64) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, msgType)
	return binary.BigEndian.AppendUint64(buf, nonce)
}

func appendAmount(buf []byte, amount *big.Int) ([]byte, error) {
	if amount == nil {
		amount = big.NewInt(0)
	}
	word, overflow := uint256.FromBig(amount)
	if overflow || amount.Sign() < 0 {
		return nil, ErrAmountOverflow
	}
	b32 := word.Bytes32()
	return append(buf, b32[:]...), nil
}

func readAmount(b []byte) *big.Int {
	return new(uint256.Int).SetBytes(b[:amountSize]).ToBig()
}

func readString(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, ErrShortMessage
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) < n {
		return "", nil, ErrShortMessage
	}
	return string(body[:n]), body[n:], nil
}

func sizeErr(body []byte, want int) error {
	if len(body) < want {
		return ErrShortMessage
	}
	return ErrTrailingBytes
}
