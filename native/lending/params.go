package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Action names a market operation. The values double as metric labels.
type Action string

const (
	ActionAccrue    Action = "accrue"
	ActionMint      Action = "mint"
	ActionRedeem    Action = "redeem"
	ActionBorrow    Action = "borrow"
	ActionRepay     Action = "repay"
	ActionLiquidate Action = "liquidate"
	ActionSeize     Action = "seize"
	ActionTransfer  Action = "transfer"
	ActionEnter     Action = "enter"
	ActionExit      Action = "exit"
	ActionReserves  Action = "reserves"
	ActionBadDebt   Action = "bad_debt"
	ActionList      Action = "list"
	ActionPause     Action = "pause"
	ActionPrices    Action = "prices"
)

// ModuleName is the pause-view key that halts every lending action.
const ModuleName = "lending"

// MaxMarketsPerAccount bounds the collateral set of one account so that a
// liquidity computation touches a bounded number of markets.
const MaxMarketsPerAccount = 8

var (
	maxCollateralFactor     = mustWad("0.9")
	minCloseFactor          = mustWad("0.2")
	maxCloseFactor          = Wad()
	minLiquidationIncentive = mustWad("1.01")
)

// ActionPauses toggles individual market operations.
type ActionPauses struct {
	Mint      bool
	Redeem    bool
	Borrow    bool
	Repay     bool
	Liquidate bool
	Seize     bool
	Transfer  bool
}

// Paused reports whether the given action is halted.
func (p ActionPauses) Paused(action Action) bool {
	switch action {
	case ActionMint:
		return p.Mint
	case ActionRedeem:
		return p.Redeem
	case ActionBorrow:
		return p.Borrow
	case ActionRepay:
		return p.Repay
	case ActionLiquidate:
		return p.Liquidate
	case ActionSeize:
		return p.Seize
	case ActionTransfer:
		return p.Transfer
	default:
		return false
	}
}

// Set toggles the flag of the given action.
func (p *ActionPauses) Set(action Action, paused bool) error {
	switch action {
	case ActionMint:
		p.Mint = paused
	case ActionRedeem:
		p.Redeem = paused
	case ActionBorrow:
		p.Borrow = paused
	case ActionRepay:
		p.Repay = paused
	case ActionLiquidate:
		p.Liquidate = paused
	case ActionSeize:
		p.Seize = paused
	case ActionTransfer:
		p.Transfer = paused
	default:
		return fmt.Errorf("%w: action %q cannot be paused", ErrInvalidParameter, action)
	}
	return nil
}

// MarketConfig holds the controller-owned risk parameters of a market.
type MarketConfig struct {
	Listed     bool
	Underlying string
	// CollateralFactor is the fraction of supplied value that counts
	// towards borrowing power.
	CollateralFactor *uint256.Int
	// CloseFactor caps the share of a debt repayable in one liquidation.
	CloseFactor *uint256.Int
	// LiquidationIncentive is the collateral premium paid to liquidators
	// when this market is seized.
	LiquidationIncentive *uint256.Int
	BorrowCap            *uint256.Int
	SupplyCap            *uint256.Int
	// ProtocolSeizeShare is the fraction of seized shares routed to
	// reserves.
	ProtocolSeizeShare *uint256.Int
	// MinSeizeShares is the smallest liquidator share of a seizure; smaller
	// seizures go to reserves in full.
	MinSeizeShares *uint256.Int
	Pauses         ActionPauses
}

// Clone returns a deep copy of the configuration.
func (c *MarketConfig) Clone() *MarketConfig {
	if c == nil {
		return nil
	}
	return &MarketConfig{
		Listed:               c.Listed,
		Underlying:           c.Underlying,
		CollateralFactor:     clone(c.CollateralFactor),
		CloseFactor:          clone(c.CloseFactor),
		LiquidationIncentive: clone(c.LiquidationIncentive),
		BorrowCap:            clone(c.BorrowCap),
		SupplyCap:            clone(c.SupplyCap),
		ProtocolSeizeShare:   clone(c.ProtocolSeizeShare),
		MinSeizeShares:       clone(c.MinSeizeShares),
		Pauses:               c.Pauses,
	}
}

func (c *MarketConfig) ensureDefaults() {
	c.CollateralFactor = clone(c.CollateralFactor)
	if isZero(c.CloseFactor) {
		c.CloseFactor = mustWad("0.5")
	}
	if isZero(c.LiquidationIncentive) {
		c.LiquidationIncentive = mustWad("1.08")
	}
	c.BorrowCap = clone(c.BorrowCap)
	c.SupplyCap = clone(c.SupplyCap)
	c.ProtocolSeizeShare = clone(c.ProtocolSeizeShare)
	c.MinSeizeShares = clone(c.MinSeizeShares)
}

// Validate checks the parameter bounds enforced at listing time.
func (c *MarketConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: market config required", ErrInvalidParameter)
	}
	if clone(c.CollateralFactor).Gt(maxCollateralFactor) {
		return fmt.Errorf("%w: collateral factor above %s", ErrInvalidParameter, FormatWad(maxCollateralFactor))
	}
	if c.CloseFactor == nil || c.CloseFactor.Lt(minCloseFactor) || c.CloseFactor.Gt(maxCloseFactor) {
		return fmt.Errorf("%w: close factor outside [%s, %s]", ErrInvalidParameter, FormatWad(minCloseFactor), FormatWad(maxCloseFactor))
	}
	if c.LiquidationIncentive == nil || c.LiquidationIncentive.Lt(minLiquidationIncentive) {
		return fmt.Errorf("%w: liquidation incentive below %s", ErrInvalidParameter, FormatWad(minLiquidationIncentive))
	}
	if !clone(c.ProtocolSeizeShare).Lt(wad) {
		return fmt.Errorf("%w: protocol seize share must be below 1", ErrInvalidParameter)
	}
	return nil
}
