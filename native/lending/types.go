package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MarketState is the persisted ledger of a single money market. All amounts
// are denominated in the smallest unit of the market's underlying asset and
// all indexes and rates use wad (1e18) precision.
type MarketState struct {
	Cash          *uint256.Int
	TotalBorrows  *uint256.Int
	TotalReserves *uint256.Int
	TotalSupply   *uint256.Int
	// BorrowIndex starts at one wad and never decreases.
	BorrowIndex      *uint256.Int
	AccrualTimestamp uint64
	ReserveFactor    *uint256.Int
	// InitialExchangeRate is reported while no shares are outstanding.
	InitialExchangeRate *uint256.Int
	// Sub-unit remainders carried from one accrual into the next.
	InterestRemainder *uint256.Int
	ReserveRemainder  *uint256.Int
	IndexRemainder    *uint256.Int
}

// Clone returns a deep copy of the market state.
func (m *MarketState) Clone() *MarketState {
	if m == nil {
		return nil
	}
	return &MarketState{
		Cash:                clone(m.Cash),
		TotalBorrows:        clone(m.TotalBorrows),
		TotalReserves:       clone(m.TotalReserves),
		TotalSupply:         clone(m.TotalSupply),
		BorrowIndex:         clone(m.BorrowIndex),
		AccrualTimestamp:    m.AccrualTimestamp,
		ReserveFactor:       clone(m.ReserveFactor),
		InitialExchangeRate: clone(m.InitialExchangeRate),
		InterestRemainder:   clone(m.InterestRemainder),
		ReserveRemainder:    clone(m.ReserveRemainder),
		IndexRemainder:      clone(m.IndexRemainder),
	}
}

// ensureDefaults replaces nil fields decoded from storage with zero values.
func (m *MarketState) ensureDefaults() {
	m.Cash = clone(m.Cash)
	m.TotalBorrows = clone(m.TotalBorrows)
	m.TotalReserves = clone(m.TotalReserves)
	m.TotalSupply = clone(m.TotalSupply)
	if isZero(m.BorrowIndex) {
		m.BorrowIndex = Wad()
	}
	m.ReserveFactor = clone(m.ReserveFactor)
	if isZero(m.InitialExchangeRate) {
		m.InitialExchangeRate = Wad()
	}
	m.InterestRemainder = clone(m.InterestRemainder)
	m.ReserveRemainder = clone(m.ReserveRemainder)
	m.IndexRemainder = clone(m.IndexRemainder)
}

// ExchangeRate returns (cash + borrows - reserves) / supply in wad, or the
// initial exchange rate when no shares exist.
func (m *MarketState) ExchangeRate() (*uint256.Int, error) {
	if isZero(m.TotalSupply) {
		return clone(m.InitialExchangeRate), nil
	}
	gross, err := add(m.Cash, m.TotalBorrows)
	if err != nil {
		return nil, err
	}
	net, err := sub(gross, m.TotalReserves)
	if err != nil {
		return nil, err
	}
	return wadDiv(net, m.TotalSupply)
}

// Position tracks a single account's shares and debt in one market.
type Position struct {
	Shares          *uint256.Int
	BorrowPrincipal *uint256.Int
	// BorrowIndex is the market index observed when the principal was last
	// updated.
	BorrowIndex *uint256.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Shares:          clone(p.Shares),
		BorrowPrincipal: clone(p.BorrowPrincipal),
		BorrowIndex:     clone(p.BorrowIndex),
	}
}

func (p *Position) ensureDefaults() {
	p.Shares = clone(p.Shares)
	p.BorrowPrincipal = clone(p.BorrowPrincipal)
	p.BorrowIndex = clone(p.BorrowIndex)
}

// borrowBalance scales the principal by the index growth since the snapshot,
// rounding up.
func (p *Position) borrowBalance(index *uint256.Int) (*uint256.Int, error) {
	if isZero(p.BorrowPrincipal) {
		return zero(), nil
	}
	if isZero(p.BorrowIndex) {
		return clone(p.BorrowPrincipal), nil
	}
	return mulDivUp(p.BorrowPrincipal, index, p.BorrowIndex)
}

// ControllerState is the cross-market state owned by the controller.
type ControllerState struct {
	GlobalPause bool
	SeizePause  bool
	// Markets lists market identifiers in listing order.
	Markets []string
}

// Clone returns a deep copy of the controller state.
func (s *ControllerState) Clone() *ControllerState {
	if s == nil {
		return nil
	}
	out := &ControllerState{GlobalPause: s.GlobalPause, SeizePause: s.SeizePause}
	out.Markets = append([]string(nil), s.Markets...)
	return out
}

// AccountLiquidity holds the risk-adjusted collateral value and the borrow
// value of an account, both expressed in the oracle's unit of account.
type AccountLiquidity struct {
	Collateral *uint256.Int
	Borrows    *uint256.Int
}

// Liquidity returns the excess of collateral over borrows, or zero.
func (l AccountLiquidity) Liquidity() *uint256.Int {
	return subFloor(l.Collateral, l.Borrows)
}

// Shortfall returns the excess of borrows over collateral, or zero.
func (l AccountLiquidity) Shortfall() *uint256.Int {
	return subFloor(l.Borrows, l.Collateral)
}

// Negative reports whether the account is under water.
func (l AccountLiquidity) Negative() bool {
	return clone(l.Borrows).Gt(clone(l.Collateral))
}

// Signed returns collateral minus borrows as a signed integer.
func (l AccountLiquidity) Signed() *big.Int {
	return new(big.Int).Sub(clone(l.Collateral).ToBig(), clone(l.Borrows).ToBig())
}

// AccountSnapshot is the view of a position a market hands to the
// controller.
type AccountSnapshot struct {
	Shares        *uint256.Int
	BorrowBalance *uint256.Int
	ExchangeRate  *uint256.Int
}

// MarketSnapshot is a read-only copy of market totals used by events and
// views.
type MarketSnapshot struct {
	ID                  string
	Underlying          string
	Cash                *uint256.Int
	TotalBorrows        *uint256.Int
	TotalReserves       *uint256.Int
	TotalSupply         *uint256.Int
	BorrowIndex         *uint256.Int
	ExchangeRate        *uint256.Int
	BorrowRatePerSecond *uint256.Int
	SupplyRatePerSecond *uint256.Int
	AccrualTimestamp    uint64
	Custody             common.Address
}
