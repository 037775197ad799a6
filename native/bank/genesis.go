package bank

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var genesisMarkerKey = []byte("bank/genesis-applied")

// Allocation funds one account when a store is initialised.
type Allocation struct {
	Account common.Address
	Asset   string
	Amount  *uint256.Int
}

// GenesisStore is a balance store that can also record whether the genesis
// allocations were applied.
type GenesisStore interface {
	BalanceStore
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// ApplyGenesis credits allocations exactly once per store. It reports
// whether the allocations were applied by this call.
func ApplyGenesis(store GenesisStore, allocations []Allocation) (bool, error) {
	var applied uint64
	ok, err := store.KVGet(genesisMarkerKey, &applied)
	if err != nil {
		return false, fmt.Errorf("bank: genesis marker: %w", err)
	}
	if ok && applied != 0 {
		return false, nil
	}
	ledger := NewLedger(store)
	for _, alloc := range allocations {
		if err := ledger.Credit(alloc.Account, alloc.Asset, alloc.Amount); err != nil {
			return false, fmt.Errorf("bank: genesis %s %s: %w", alloc.Account.Hex(), alloc.Asset, err)
		}
	}
	if err := store.KVPut(genesisMarkerKey, uint64(1)); err != nil {
		return false, fmt.Errorf("bank: genesis marker: %w", err)
	}
	return true, nil
}
