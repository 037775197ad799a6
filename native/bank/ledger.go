package bank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientFunds is returned when a sender cannot cover a transfer.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAsset is returned for an empty asset symbol.
	ErrInvalidAsset = errors.New("bank: asset required")
)

// BalanceStore persists per-asset balances.
type BalanceStore interface {
	GetBalance(addr common.Address, asset string) (*uint256.Int, error)
	PutBalance(addr common.Address, asset string, amount *uint256.Int) error
}

// Ledger moves fungible assets between accounts. It backs the custody
// accounts of lending markets.
type Ledger struct {
	store BalanceStore
}

// NewLedger constructs a ledger over the provided balance store.
func NewLedger(store BalanceStore) *Ledger {
	return &Ledger{store: store}
}

func normalizeAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return "", ErrInvalidAsset
	}
	return trimmed, nil
}

// Balance returns the holdings of addr in asset.
func (l *Ledger) Balance(addr common.Address, asset string) (*uint256.Int, error) {
	symbol, err := normalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	return l.store.GetBalance(addr, symbol)
}

// Credit mints amount of asset into addr. It is used to fund accounts from
// outside the protocol.
func (l *Ledger) Credit(addr common.Address, asset string, amount *uint256.Int) error {
	symbol, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	balance, err := l.store.GetBalance(addr, symbol)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("bank: %s balance overflow", symbol)
	}
	return l.store.PutBalance(addr, symbol, next)
}

// Transfer moves amount of asset from one account to another.
func (l *Ledger) Transfer(asset string, from, to common.Address, amount *uint256.Int) error {
	symbol, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}
	fromBalance, err := l.store.GetBalance(from, symbol)
	if err != nil {
		return err
	}
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientFunds, from.Hex(), fromBalance.Dec(), symbol, amount.Dec())
	}
	toBalance, err := l.store.GetBalance(to, symbol)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBalance, amount)
	if overflow {
		return fmt.Errorf("bank: %s balance overflow", symbol)
	}
	if err := l.store.PutBalance(from, symbol, new(uint256.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store.PutBalance(to, symbol, credited)
}
