// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package destination

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Share accounting errors
var (
	ErrInsufficientShares    = errors.New("insufficient share balance")
	ErrInsufficientAllowance = errors.New("insufficient share allowance")
)

// shareBook is the vault share token for one route: balances, total
// supply, and spender allowances. Share price is implied by the route's
// principal divided by the book's total.
type shareBook struct {
	total      *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

func newShareBook() *shareBook {
	return &shareBook{
		total:      big.NewInt(0),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (s *shareBook) mint(to common.Address, amount *big.Int) {
	bal, ok := s.balances[to]
	if !ok {
		bal = big.NewInt(0)
		s.balances[to] = bal
	}
	bal.Add(bal, amount)
	s.total.Add(s.total, amount)
}

func (s *shareBook) burn(from common.Address, amount *big.Int) error {
	bal, ok := s.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	bal.Sub(bal, amount)
	s.total.Sub(s.total, amount)
	return nil
}

func (s *shareBook) balanceOf(owner common.Address) *big.Int {
	bal, ok := s.balances[owner]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (s *shareBook) approve(owner, spender common.Address, amount *big.Int) {
	if s.allowances[owner] == nil {
		s.allowances[owner] = make(map[common.Address]*big.Int)
	}
	s.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (s *shareBook) allowance(owner, spender common.Address) *big.Int {
	if granted, ok := s.allowances[owner][spender]; ok {
		return new(big.Int).Set(granted)
	}
	return big.NewInt(0)
}

func (s *shareBook) spendAllowance(owner, spender common.Address, amount *big.Int) error {
	granted, ok := s.allowances[owner][spender]
	if !ok || granted.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	granted.Sub(granted, amount)
	return nil
}

// deriveTokenAddress deterministically derives a token address for a
// route, namespaced by origin domain and token kind
func deriveTokenAddress(origin uint32, strategy common.Address, kind string) common.Address {
	h := blake3.New()
	var domain [4]byte
	binary.BigEndian.PutUint32(domain[:], origin)
	h.Write(domain[:])
	h.Write(strategy.Bytes())
	h.Write([]byte(kind))

	var digest [32]byte
	h.Digest().Read(digest[:])
	return common.BytesToAddress(digest[:20])
}
