package lending

import "github.com/ethereum/go-ethereum/common"

// Store is the persistence surface consumed by markets and the controller.
// Getters return (nil, nil) for missing records.
type Store interface {
	GetMarket(id string) (*MarketState, error)
	PutMarket(id string, state *MarketState) error
	GetPosition(id string, addr common.Address) (*Position, error)
	PutPosition(id string, addr common.Address, position *Position) error
	GetMarketConfig(id string) (*MarketConfig, error)
	PutMarketConfig(id string, cfg *MarketConfig) error
	GetAccountMarkets(addr common.Address) ([]string, error)
	PutAccountMarkets(addr common.Address, markets []string) error
	GetControllerState() (*ControllerState, error)
	PutControllerState(state *ControllerState) error
}

// Journal is a Store whose writes are staged until Commit. Rollback drops
// every write made since Begin.
type Journal interface {
	Store
	Begin()
	Commit() error
	Rollback()
}
