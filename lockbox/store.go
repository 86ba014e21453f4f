// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lockbox

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// FailedRedeem is a captured inbound redeem whose strategy exit could not
// be settled. It stays on disk until a reexecution succeeds.
type FailedRedeem struct {
	ID       uint64
	Strategy common.Address
	User     common.Address
	Amount   *big.Int
}

var (
	failedRedeemPrefix = []byte("lockbox/failedRedeem")
	redeemSeqKey       = crypto.Keccak256([]byte("lockbox/redeemSeq"))

	errCorruptRecord = errors.New("corrupt failed redeem record")
)

const failedRedeemValueSize = 20 + 20 + 32

// redeemStore persists failed redeems keyed by a monotonic sequence
// number. The per-user index lives in memory and is rebuilt by the
// owner on restart if needed; the records themselves are durable.
type redeemStore struct {
	db database.Database
}

func failedRedeemKey(id uint64) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	return crypto.Keccak256(failedRedeemPrefix, seq[:])
}

// nextID reserves the next redeem sequence number
func (s *redeemStore) nextID() (uint64, error) {
	id := uint64(0)
	raw, err := s.db.Get(redeemSeqKey)
	switch {
	case err == nil:
		id = binary.BigEndian.Uint64(raw)
	case errors.Is(err, database.ErrNotFound):
	default:
		return 0, err
	}

	var next [8]byte
	binary.BigEndian.PutUint64(next[:], id+1)
	if err := s.db.Put(redeemSeqKey, next[:]); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *redeemStore) put(r *FailedRedeem) error {
	amount, overflow := uint256.FromBig(r.Amount)
	if overflow {
		return errCorruptRecord
	}

	value := make([]byte, 0, failedRedeemValueSize)
	value = append(value, r.Strategy.Bytes()...)
	value = append(value, r.User.Bytes()...)
	b32 := amount.Bytes32()
	value = append(value, b32[:]...)
	return s.db.Put(failedRedeemKey(r.ID), value)
}

// get returns the stored record, or (nil, nil) when no record exists
func (s *redeemStore) get(id uint64) (*FailedRedeem, error) {
	raw, err := s.db.Get(failedRedeemKey(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != failedRedeemValueSize {
		return nil, errCorruptRecord
	}
	return &FailedRedeem{
		ID:       id,
		Strategy: common.BytesToAddress(raw[:20]),
		User:     common.BytesToAddress(raw[20:40]),
		Amount:   new(uint256.Int).SetBytes(raw[40:]).ToBig(),
	}, nil
}

func (s *redeemStore) delete(id uint64) error {
	return s.db.Delete(failedRedeemKey(id))
}
