package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"moneymarket/core/events"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/oracle"
)

// MarketReader is the view of a market the controller needs to value
// accounts.
type MarketReader interface {
	ID() string
	Underlying() string
	ExchangeRateStored() (*uint256.Int, error)
	AccountSnapshot(addr common.Address) (AccountSnapshot, error)
}

// Controller owns the cross-market state: listings, risk parameters,
// collateral membership and pause switches. It computes account liquidity
// from oracle prices and authorises every market action.
type Controller struct {
	store   Store
	prices  oracle.Oracle
	markets map[string]MarketReader
	emitter events.Emitter
}

// NewController constructs a controller over the given store and oracle.
func NewController(store Store, prices oracle.Oracle, emitter events.Emitter) *Controller {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Controller{
		store:   store,
		prices:  prices,
		markets: make(map[string]MarketReader),
		emitter: emitter,
	}
}

func (c *Controller) state() (*ControllerState, error) {
	st, err := c.store.GetControllerState()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &ControllerState{}
	}
	return st, nil
}

// attach registers the reader of an already listed market.
func (c *Controller) attach(market MarketReader) {
	c.markets[market.ID()] = market
}

// listMarket records a market and its risk parameters.
func (c *Controller) listMarket(market MarketReader, cfg MarketConfig) error {
	id := market.ID()
	if id == "" {
		return fmt.Errorf("%w: market id required", ErrInvalidParameter)
	}
	existing, err := c.store.GetMarketConfig(id)
	if err != nil {
		return err
	}
	if existing != nil && existing.Listed {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, id)
	}
	cfg.ensureDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.Listed = true
	cfg.Underlying = market.Underlying()
	if err := c.store.PutMarketConfig(id, &cfg); err != nil {
		return err
	}
	st, err := c.state()
	if err != nil {
		return err
	}
	st.Markets = append(st.Markets, id)
	if err := c.store.PutControllerState(st); err != nil {
		return err
	}
	c.attach(market)
	return nil
}

// MarketConfig returns the configuration of a listed market.
func (c *Controller) MarketConfig(id string) (*MarketConfig, error) {
	cfg, err := c.store.GetMarketConfig(id)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Listed {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
	}
	cfg.ensureDefaults()
	return cfg, nil
}

// Markets returns the listed market identifiers in listing order.
func (c *Controller) Markets() ([]string, error) {
	st, err := c.state()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), st.Markets...), nil
}

// AccountMarkets returns the markets addr uses as collateral.
func (c *Controller) AccountMarkets(addr common.Address) ([]string, error) {
	markets, err := c.store.GetAccountMarkets(addr)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), markets...), nil
}

// IsPaused implements common.PauseView with the market id as module. An
// empty action asks about the protocol-wide switch. Storage failures count
// as paused.
func (c *Controller) IsPaused(market, action string) bool {
	st, err := c.state()
	if err != nil {
		return true
	}
	if action == "" {
		return st.GlobalPause
	}
	if Action(action) == ActionSeize && st.SeizePause {
		return true
	}
	cfg, err := c.store.GetMarketConfig(market)
	if err != nil || cfg == nil {
		return true
	}
	return cfg.Pauses.Paused(Action(action))
}

// checkAction verifies the market is listed and the action not paused.
func (c *Controller) checkAction(id string, action Action) (*MarketConfig, error) {
	cfg, err := c.MarketConfig(id)
	if err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(c, id, string(action)); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrMarketPaused, id, action)
	}
	return cfg, nil
}

func (c *Controller) setMarketPaused(id string, action Action, paused bool) error {
	cfg, err := c.MarketConfig(id)
	if err != nil {
		return err
	}
	if err := cfg.Pauses.Set(action, paused); err != nil {
		return err
	}
	if err := c.store.PutMarketConfig(id, cfg); err != nil {
		return err
	}
	c.emitter.Emit(events.LendingPauseChanged{Market: id, Action: string(action), Paused: paused})
	return nil
}

func (c *Controller) setGlobalPause(paused bool) error {
	st, err := c.state()
	if err != nil {
		return err
	}
	st.GlobalPause = paused
	if err := c.store.PutControllerState(st); err != nil {
		return err
	}
	c.emitter.Emit(events.LendingPauseChanged{Action: "all", Paused: paused})
	return nil
}

func (c *Controller) setSeizePaused(paused bool) error {
	st, err := c.state()
	if err != nil {
		return err
	}
	st.SeizePause = paused
	if err := c.store.PutControllerState(st); err != nil {
		return err
	}
	c.emitter.Emit(events.LendingPauseChanged{Action: string(ActionSeize), Paused: paused})
	return nil
}

// enterMarkets adds markets to the account's collateral set. Entering a
// market twice is a no-op.
func (c *Controller) enterMarkets(addr common.Address, ids []string) error {
	current, err := c.store.GetAccountMarkets(addr)
	if err != nil {
		return err
	}
	members := make(map[string]struct{}, len(current))
	for _, id := range current {
		members[id] = struct{}{}
	}
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if _, err := c.MarketConfig(id); err != nil {
			return err
		}
		if _, ok := members[id]; ok {
			continue
		}
		if len(current) >= MaxMarketsPerAccount {
			return fmt.Errorf("%w: limit %d", ErrTooManyMarkets, MaxMarketsPerAccount)
		}
		members[id] = struct{}{}
		current = append(current, id)
		c.emitter.Emit(events.LendingMembership{Market: id, Account: addr, Entered: true})
	}
	return c.store.PutAccountMarkets(addr, current)
}

// exitMarket removes a market from the collateral set if the account stays
// solvent without it.
func (c *Controller) exitMarket(addr common.Address, id string) error {
	id = strings.TrimSpace(id)
	if _, err := c.MarketConfig(id); err != nil {
		return err
	}
	current, err := c.store.GetAccountMarkets(addr)
	if err != nil {
		return err
	}
	idx := -1
	for i, member := range current {
		if member == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	remaining := make([]string, 0, len(current)-1)
	remaining = append(remaining, current[:idx]...)
	remaining = append(remaining, current[idx+1:]...)
	liquidity, err := c.liquidity(addr, remaining, "", nil, nil)
	if err != nil {
		return err
	}
	if liquidity.Negative() {
		return fmt.Errorf("%w: exiting %s leaves shortfall %s", ErrInsufficientCollateral, id, liquidity.Shortfall().Dec())
	}
	if err := c.store.PutAccountMarkets(addr, remaining); err != nil {
		return err
	}
	c.emitter.Emit(events.LendingMembership{Market: id, Account: addr, Entered: false})
	return nil
}

// AccountLiquidity values addr's collateral and borrows at current prices.
func (c *Controller) AccountLiquidity(addr common.Address) (AccountLiquidity, error) {
	return c.HypotheticalLiquidity(addr, "", nil, nil)
}

// HypotheticalLiquidity values addr as if redeemShares were removed from
// and borrowAmount added to the given market.
func (c *Controller) HypotheticalLiquidity(addr common.Address, market string, redeemShares, borrowAmount *uint256.Int) (AccountLiquidity, error) {
	entered, err := c.store.GetAccountMarkets(addr)
	if err != nil {
		return AccountLiquidity{}, err
	}
	return c.liquidity(addr, entered, market, redeemShares, borrowAmount)
}

func (c *Controller) liquidity(addr common.Address, entered []string, modify string, redeemShares, borrowAmount *uint256.Int) (AccountLiquidity, error) {
	st, err := c.state()
	if err != nil {
		return AccountLiquidity{}, err
	}
	collateral := zero()
	borrows := zero()
	prices := make(map[string]*uint256.Int)
	price := func(reader MarketReader) (*uint256.Int, error) {
		if p, ok := prices[reader.ID()]; ok {
			return p, nil
		}
		p, err := c.prices.Price(reader.Underlying())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, reader.Underlying(), err)
		}
		prices[reader.ID()] = p
		return p, nil
	}

	for _, id := range entered {
		reader, ok := c.markets[id]
		if !ok {
			return AccountLiquidity{}, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
		}
		snap, err := reader.AccountSnapshot(addr)
		if err != nil {
			return AccountLiquidity{}, err
		}
		shares := snap.Shares
		if id == modify && !isZero(redeemShares) {
			shares = subFloor(shares, redeemShares)
		}
		if shares.IsZero() {
			continue
		}
		cfg, err := c.MarketConfig(id)
		if err != nil {
			return AccountLiquidity{}, err
		}
		p, err := price(reader)
		if err != nil {
			return AccountLiquidity{}, err
		}
		perShare, err := wadMul(cfg.CollateralFactor, snap.ExchangeRate)
		if err != nil {
			return AccountLiquidity{}, err
		}
		if perShare, err = wadMul(perShare, p); err != nil {
			return AccountLiquidity{}, err
		}
		value, err := wadMul(shares, perShare)
		if err != nil {
			return AccountLiquidity{}, err
		}
		if collateral, err = add(collateral, value); err != nil {
			return AccountLiquidity{}, err
		}
	}

	for _, id := range st.Markets {
		reader, ok := c.markets[id]
		if !ok {
			return AccountLiquidity{}, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
		}
		snap, err := reader.AccountSnapshot(addr)
		if err != nil {
			return AccountLiquidity{}, err
		}
		debt := snap.BorrowBalance
		if id == modify && !isZero(borrowAmount) {
			if debt, err = add(debt, borrowAmount); err != nil {
				return AccountLiquidity{}, err
			}
		}
		if debt.IsZero() {
			continue
		}
		p, err := price(reader)
		if err != nil {
			return AccountLiquidity{}, err
		}
		value, err := wadMulUp(debt, p)
		if err != nil {
			return AccountLiquidity{}, err
		}
		if borrows, err = add(borrows, value); err != nil {
			return AccountLiquidity{}, err
		}
	}
	return AccountLiquidity{Collateral: collateral, Borrows: borrows}, nil
}

func (c *Controller) isMember(addr common.Address, id string) (bool, error) {
	members, err := c.store.GetAccountMarkets(addr)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) requireSolvent(addr common.Address, market string, redeemShares, borrowAmount *uint256.Int) error {
	liquidity, err := c.HypotheticalLiquidity(addr, market, redeemShares, borrowAmount)
	if err != nil {
		return err
	}
	if liquidity.Negative() {
		return fmt.Errorf("%w: shortfall %s", ErrInsufficientCollateral, liquidity.Shortfall().Dec())
	}
	return nil
}

// MintAllowed checks the market is open for deposits and below its supply
// cap.
func (c *Controller) MintAllowed(market string, minter common.Address, amount *uint256.Int) error {
	cfg, err := c.checkAction(market, ActionMint)
	if err != nil {
		return err
	}
	if isZero(cfg.SupplyCap) {
		return nil
	}
	st, err := c.store.GetMarket(market)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, market)
	}
	st.ensureDefaults()
	gross, err := add(st.Cash, st.TotalBorrows)
	if err != nil {
		return err
	}
	supplied, err := add(subFloor(gross, st.TotalReserves), amount)
	if err != nil {
		return err
	}
	if supplied.Gt(cfg.SupplyCap) {
		return fmt.Errorf("%w: %s", ErrSupplyCapExceeded, market)
	}
	return nil
}

// RedeemAllowed re-checks solvency with the redeemed shares removed when
// the market backs the redeemer's borrows.
func (c *Controller) RedeemAllowed(market string, redeemer common.Address, shares *uint256.Int) error {
	if _, err := c.checkAction(market, ActionRedeem); err != nil {
		return err
	}
	return c.redeemSolvent(market, redeemer, shares)
}

func (c *Controller) redeemSolvent(market string, redeemer common.Address, shares *uint256.Int) error {
	member, err := c.isMember(redeemer, market)
	if err != nil {
		return err
	}
	if !member {
		return nil
	}
	return c.requireSolvent(redeemer, market, shares, nil)
}

// BorrowAllowed enforces the borrow cap and post-borrow solvency.
func (c *Controller) BorrowAllowed(market string, borrower common.Address, amount *uint256.Int) error {
	cfg, err := c.checkAction(market, ActionBorrow)
	if err != nil {
		return err
	}
	if !isZero(cfg.BorrowCap) {
		st, err := c.store.GetMarket(market)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("%w: %s", ErrMarketNotListed, market)
		}
		st.ensureDefaults()
		next, err := add(st.TotalBorrows, amount)
		if err != nil {
			return err
		}
		if next.Gt(cfg.BorrowCap) {
			return fmt.Errorf("%w: %s", ErrBorrowCapExceeded, market)
		}
	}
	return c.requireSolvent(borrower, market, nil, amount)
}

// RepayAllowed checks the market accepts repayments.
func (c *Controller) RepayAllowed(market string, payer, borrower common.Address, amount *uint256.Int) error {
	_, err := c.checkAction(market, ActionRepay)
	return err
}

// LiquidateAllowed requires a shortfall and caps the repay at the close
// factor of the outstanding debt.
func (c *Controller) LiquidateAllowed(borrowMarket, collateralMarket string, liquidator, borrower common.Address, amount *uint256.Int) error {
	cfg, err := c.checkAction(borrowMarket, ActionLiquidate)
	if err != nil {
		return err
	}
	if _, err := c.MarketConfig(collateralMarket); err != nil {
		return err
	}
	if liquidator == borrower {
		return ErrSelfLiquidation
	}
	if err := c.requireCollateral(borrower, collateralMarket); err != nil {
		return err
	}
	liquidity, err := c.AccountLiquidity(borrower)
	if err != nil {
		return err
	}
	if !liquidity.Negative() {
		return ErrInsufficientShortfall
	}
	reader, ok := c.markets[borrowMarket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, borrowMarket)
	}
	snap, err := reader.AccountSnapshot(borrower)
	if err != nil {
		return err
	}
	maxClose, err := wadMul(cfg.CloseFactor, snap.BorrowBalance)
	if err != nil {
		return err
	}
	if amount.Gt(maxClose) {
		return fmt.Errorf("%w: close factor allows %s", ErrExcessiveRepay, maxClose.Dec())
	}
	return nil
}

// SeizeAllowed checks both markets are listed and seizing is not paused.
func (c *Controller) SeizeAllowed(collateralMarket, borrowMarket string, liquidator, borrower common.Address, shares *uint256.Int) error {
	if _, err := c.checkAction(collateralMarket, ActionSeize); err != nil {
		return err
	}
	if _, err := c.MarketConfig(borrowMarket); err != nil {
		return err
	}
	if liquidator == borrower {
		return ErrSelfLiquidation
	}
	return c.requireCollateral(borrower, collateralMarket)
}

// requireCollateral rejects seizing from a market the borrower has not
// entered; plain deposits are not collateral.
func (c *Controller) requireCollateral(borrower common.Address, market string) error {
	member, err := c.isMember(borrower, market)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is not collateral for %s", ErrInsufficientCollateral, market, borrower.Hex())
	}
	return nil
}

// TransferAllowed applies the redeem rules to the sender.
func (c *Controller) TransferAllowed(market string, from, to common.Address, shares *uint256.Int) error {
	if _, err := c.checkAction(market, ActionTransfer); err != nil {
		return err
	}
	return c.redeemSolvent(market, from, shares)
}

// BadDebtAllowed requires that the borrower holds no shares in any entered
// market, so no collateral is left to seize.
func (c *Controller) BadDebtAllowed(market string, borrower common.Address) error {
	if _, err := c.MarketConfig(market); err != nil {
		return err
	}
	entered, err := c.store.GetAccountMarkets(borrower)
	if err != nil {
		return err
	}
	for _, id := range entered {
		reader, ok := c.markets[id]
		if !ok {
			continue
		}
		snap, err := reader.AccountSnapshot(borrower)
		if err != nil {
			return err
		}
		if !snap.Shares.IsZero() {
			return fmt.Errorf("%w: collateral remains in %s", ErrNoBadDebt, id)
		}
	}
	return nil
}

// SeizeTokens converts a repay amount in the borrowed asset into collateral
// shares: repay * incentive * priceBorrowed / (priceCollateral * exchangeRate),
// rounded down.
func (c *Controller) SeizeTokens(borrowMarket, collateralMarket string, repayAmount *uint256.Int) (*uint256.Int, error) {
	borrowed, ok := c.markets[borrowMarket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, borrowMarket)
	}
	collateral, ok := c.markets[collateralMarket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, collateralMarket)
	}
	cfg, err := c.MarketConfig(collateralMarket)
	if err != nil {
		return nil, err
	}
	borrowedPrice, err := c.prices.Price(borrowed.Underlying())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, borrowed.Underlying(), err)
	}
	collateralPrice, err := c.prices.Price(collateral.Underlying())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, collateral.Underlying(), err)
	}
	fx, err := collateral.ExchangeRateStored()
	if err != nil {
		return nil, err
	}
	numerator, err := wadMul(cfg.LiquidationIncentive, borrowedPrice)
	if err != nil {
		return nil, err
	}
	denominator, err := wadMul(collateralPrice, fx)
	if err != nil {
		return nil, err
	}
	return mulDiv(repayAmount, numerator, denominator)
}
