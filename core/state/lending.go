package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"moneymarket/native/lending"
)

var _ lending.Journal = (*Manager)(nil)

func lendingMarketKey(id string) []byte {
	return append(append([]byte(nil), lendingMarketPrefix...), id...)
}

func lendingPositionKey(id string, addr common.Address) []byte {
	buf := append([]byte(nil), lendingPositionPrefix...)
	buf = append(buf, id...)
	buf = append(buf, '/')
	return append(buf, addr.Bytes()...)
}

func lendingConfigKey(id string) []byte {
	return append(append([]byte(nil), lendingConfigPrefix...), id...)
}

func lendingAccountMarketsKey(addr common.Address) []byte {
	return append(append([]byte(nil), lendingAccountMarketPrefix...), addr.Bytes()...)
}

// GetMarket loads the ledger of a market.
func (m *Manager) GetMarket(id string) (*lending.MarketState, error) {
	state := new(lending.MarketState)
	ok, err := m.KVGet(lendingMarketKey(id), state)
	if err != nil {
		return nil, fmt.Errorf("state: lending market %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return state, nil
}

// PutMarket stores the ledger of a market.
func (m *Manager) PutMarket(id string, state *lending.MarketState) error {
	if state == nil {
		return fmt.Errorf("state: lending market %s: nil state", id)
	}
	return m.KVPut(lendingMarketKey(id), state.Clone())
}

// GetPosition loads the position of addr in market id.
func (m *Manager) GetPosition(id string, addr common.Address) (*lending.Position, error) {
	position := new(lending.Position)
	ok, err := m.KVGet(lendingPositionKey(id, addr), position)
	if err != nil {
		return nil, fmt.Errorf("state: lending position %s/%s: %w", id, addr.Hex(), err)
	}
	if !ok {
		return nil, nil
	}
	return position, nil
}

// PutPosition stores a position. Positions are kept once created, including
// after every share is redeemed and the debt repaid.
func (m *Manager) PutPosition(id string, addr common.Address, position *lending.Position) error {
	if position == nil {
		return fmt.Errorf("state: lending position %s/%s: nil position", id, addr.Hex())
	}
	return m.KVPut(lendingPositionKey(id, addr), position.Clone())
}

// GetMarketConfig loads the risk parameters of a market.
func (m *Manager) GetMarketConfig(id string) (*lending.MarketConfig, error) {
	cfg := new(lending.MarketConfig)
	ok, err := m.KVGet(lendingConfigKey(id), cfg)
	if err != nil {
		return nil, fmt.Errorf("state: lending config %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return cfg, nil
}

// PutMarketConfig stores the risk parameters of a market.
func (m *Manager) PutMarketConfig(id string, cfg *lending.MarketConfig) error {
	if cfg == nil {
		return fmt.Errorf("state: lending config %s: nil config", id)
	}
	return m.KVPut(lendingConfigKey(id), cfg.Clone())
}

// GetAccountMarkets returns the markets addr has entered as collateral.
func (m *Manager) GetAccountMarkets(addr common.Address) ([]string, error) {
	var markets []string
	if _, err := m.KVGet(lendingAccountMarketsKey(addr), &markets); err != nil {
		return nil, fmt.Errorf("state: lending membership %s: %w", addr.Hex(), err)
	}
	return markets, nil
}

// PutAccountMarkets replaces the collateral set of addr.
func (m *Manager) PutAccountMarkets(addr common.Address, markets []string) error {
	key := lendingAccountMarketsKey(addr)
	if len(markets) == 0 {
		return m.KVDelete(key)
	}
	return m.KVPut(key, markets)
}

// GetControllerState loads the cross-market controller record.
func (m *Manager) GetControllerState() (*lending.ControllerState, error) {
	state := new(lending.ControllerState)
	ok, err := m.KVGet(lendingControllerKey, state)
	if err != nil {
		return nil, fmt.Errorf("state: lending controller: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return state, nil
}

// PutControllerState stores the controller record.
func (m *Manager) PutControllerState(state *lending.ControllerState) error {
	if state == nil {
		return fmt.Errorf("state: lending controller: nil state")
	}
	return m.KVPut(lendingControllerKey, state.Clone())
}
