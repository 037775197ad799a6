package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"moneymarket/core/events"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/oracle"
)

// PriceFeed accepts pushed oracle prices.
type PriceFeed interface {
	UpdatePrices(reporter common.Address, feeds []oracle.Feed) ([]oracle.Feed, error)
}

// MetricsRecorder observes completed actions. Implementations must tolerate
// concurrent calls.
type MetricsRecorder interface {
	ObserveAction(market string, action Action, err error, elapsed time.Duration)
	ObserveMarket(snapshot MarketSnapshot)
}

// PositionView reports an account's holdings in one market.
type PositionView struct {
	Market        string
	Shares        *uint256.Int
	Underlying    *uint256.Int
	BorrowBalance *uint256.Int
	Collateral    bool
}

// Engine runs each lending action as one all-or-nothing transaction over a
// journaled store. Events raised during an action are released only after
// the journal commits. Engine is not safe for concurrent use.
type Engine struct {
	store      Journal
	ledger     AssetLedger
	prices     oracle.Oracle
	feed       PriceFeed
	controller *Controller
	markets    map[string]*Market
	buffer     events.Buffer
	emitter    events.Emitter
	guard      nativecommon.ReentrancyGuard
	pauses     nativecommon.PauseView
	now        func() uint64
	logger     *slog.Logger
	metrics    MetricsRecorder
}

// NewEngine constructs an engine. Markets must be registered before use.
func NewEngine(store Journal, ledger AssetLedger, prices oracle.Oracle) *Engine {
	e := &Engine{
		store:   store,
		ledger:  ledger,
		prices:  prices,
		markets: make(map[string]*Market),
		emitter: events.NoopEmitter{},
		now:     func() uint64 { return uint64(time.Now().Unix()) },
		logger:  slog.Default(),
	}
	if feed, ok := prices.(PriceFeed); ok {
		e.feed = feed
	}
	e.controller = NewController(store, prices, &e.buffer)
	return e
}

// SetEmitter configures where committed events are delivered.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock replaces the timestamp source (seconds).
func (e *Engine) SetClock(now func() uint64) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetPauses installs a host-level pause view consulted with ModuleName.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetMetrics configures the metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	if e == nil {
		return
	}
	e.metrics = m
}

// SetPriceFeed configures the sink for UpdatePrices when the oracle itself
// does not accept pushed prices.
func (e *Engine) SetPriceFeed(feed PriceFeed) {
	if e == nil {
		return
	}
	e.feed = feed
}

// Controller exposes the solvency engine for read-only queries.
func (e *Engine) Controller() *Controller { return e.controller }

// Timestamp returns the engine clock.
func (e *Engine) Timestamp() uint64 { return e.now() }

func (e *Engine) clock() uint64 { return e.now() }

// RegisterMarket lists a new market or re-attaches one already present in
// the store. Re-attaching never rewrites stored state.
func (e *Engine) RegisterMarket(def MarketDefinition) error {
	if e == nil || e.store == nil {
		return ErrEngineNotConfigured
	}
	if err := def.Validate(); err != nil {
		return err
	}
	id := strings.TrimSpace(def.ID)
	if _, ok := e.markets[id]; ok {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, id)
	}
	market := NewMarket(id, def.Underlying, def.Model.Clone(), e.store, e.controller, e.ledger, &e.buffer, e.clock)
	existing, err := e.store.GetMarket(id)
	if err != nil {
		return err
	}
	if existing != nil {
		e.markets[id] = market
		e.controller.attach(market)
		return nil
	}
	err = e.execute(ActionList, id, func() error {
		st := &MarketState{
			ReserveFactor:       clone(def.ReserveFactor),
			InitialExchangeRate: clone(def.InitialExchangeRate),
			AccrualTimestamp:    e.clock(),
		}
		st.ensureDefaults()
		if err := e.store.PutMarket(id, st); err != nil {
			return err
		}
		if err := e.controller.listMarket(market, def.Config); err != nil {
			return err
		}
		e.buffer.Emit(events.LendingMarketListed{
			Market:     id,
			Underlying: market.Underlying(),
			Custody:    market.Custody(),
			Totals:     market.totals(st),
		})
		return nil
	})
	if err != nil {
		delete(e.controller.markets, id)
		return err
	}
	e.markets[id] = market
	e.observeMarkets(id)
	return nil
}

func (e *Engine) market(id string) (*Market, error) {
	m, ok := e.markets[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
	}
	return m, nil
}

// execute runs fn inside a journal transaction under the reentrancy guard.
func (e *Engine) execute(action Action, marketID string, fn func() error) (err error) {
	if e == nil || e.store == nil {
		return ErrEngineNotConfigured
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	if err := nativecommon.Guard(e.pauses, ModuleName, string(action)); err != nil {
		return fmt.Errorf("%w: %w", ErrMarketPaused, err)
	}

	start := time.Now()
	committed := false
	e.store.Begin()
	e.buffer.Reset()
	defer func() {
		if !committed {
			e.store.Rollback()
			e.buffer.Reset()
		}
		if e.metrics != nil {
			e.metrics.ObserveAction(marketID, action, err, time.Since(start))
		}
	}()

	if err = fn(); err != nil {
		e.logger.Warn("lending action rejected",
			slog.String("action", string(action)),
			slog.String("market", marketID),
			slog.Any("error", err))
		return err
	}
	if err = e.store.Commit(); err != nil {
		e.logger.Error("lending commit failed",
			slog.String("action", string(action)),
			slog.String("market", marketID),
			slog.Any("error", err))
		return err
	}
	committed = true
	e.buffer.Flush(e.emitter)
	e.logger.Debug("lending action committed",
		slog.String("action", string(action)),
		slog.String("market", marketID))
	e.observeMarkets(marketID)
	return nil
}

func (e *Engine) observeMarkets(ids ...string) {
	if e.metrics == nil {
		return
	}
	for _, id := range ids {
		m, ok := e.markets[id]
		if !ok {
			continue
		}
		snap, err := m.Snapshot()
		if err != nil {
			continue
		}
		e.metrics.ObserveMarket(snap)
	}
}

// AccrueInterest brings a market up to the current timestamp.
func (e *Engine) AccrueInterest(marketID string) error {
	return e.execute(ActionAccrue, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		_, err = m.accrue()
		return err
	})
}

// Mint supplies amount of underlying and returns the shares credited.
func (e *Engine) Mint(marketID string, minter common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var shares *uint256.Int
	err := e.execute(ActionMint, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		shares, err = m.mint(minter, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares and returns the underlying paid out.
func (e *Engine) Redeem(marketID string, redeemer common.Address, shares *uint256.Int) (*uint256.Int, error) {
	var amount *uint256.Int
	err := e.execute(ActionRedeem, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		if isZero(shares) {
			return ErrZeroAmount
		}
		_, amount, err = m.redeem(redeemer, shares, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// RedeemUnderlying withdraws exactly amount of underlying and returns the
// shares burned.
func (e *Engine) RedeemUnderlying(marketID string, redeemer common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var shares *uint256.Int
	err := e.execute(ActionRedeem, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		if isZero(amount) {
			return ErrZeroAmount
		}
		shares, _, err = m.redeem(redeemer, nil, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Borrow lends amount of underlying to borrower.
func (e *Engine) Borrow(marketID string, borrower common.Address, amount *uint256.Int) error {
	return e.execute(ActionBorrow, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		return m.borrow(borrower, amount)
	})
}

// RepayBorrow repays the caller's own debt. Pass RepayAll to settle the
// full balance. The amount actually repaid is returned.
func (e *Engine) RepayBorrow(marketID string, borrower common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return e.RepayBorrowBehalf(marketID, borrower, borrower, amount)
}

// RepayBorrowBehalf repays borrower's debt with payer's funds.
func (e *Engine) RepayBorrowBehalf(marketID string, payer, borrower common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var repaid *uint256.Int
	err := e.execute(ActionRepay, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		repaid, err = m.repay(payer, borrower, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// Liquidate repays amount of borrower's debt in marketID and seizes
// collateral shares in collateralID. The shares seized are returned.
func (e *Engine) Liquidate(marketID string, liquidator, borrower common.Address, amount *uint256.Int, collateralID string) (*uint256.Int, error) {
	var seized *uint256.Int
	err := e.execute(ActionLiquidate, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		collateral, err := e.market(collateralID)
		if err != nil {
			return err
		}
		seized, err = m.liquidate(liquidator, borrower, amount, collateral)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observeMarkets(collateralID)
	return seized, nil
}

// Transfer moves shares between accounts.
func (e *Engine) Transfer(marketID string, from, to common.Address, shares *uint256.Int) error {
	return e.execute(ActionTransfer, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		return m.transferShares(from, to, shares)
	})
}

// AddReserves donates underlying to the market's reserves.
func (e *Engine) AddReserves(marketID string, benefactor common.Address, amount *uint256.Int) error {
	return e.execute(ActionReserves, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		if _, err := e.controller.MarketConfig(marketID); err != nil {
			return err
		}
		return m.addReserves(benefactor, amount)
	})
}

// WriteOffBadDebt realises the loss on a borrower with no collateral left.
func (e *Engine) WriteOffBadDebt(marketID string, borrower common.Address) (*uint256.Int, error) {
	var written *uint256.Int
	err := e.execute(ActionBadDebt, marketID, func() error {
		m, err := e.market(marketID)
		if err != nil {
			return err
		}
		written, err = m.writeOffBadDebt(borrower)
		return err
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// EnterMarkets adds markets to the account's collateral set.
func (e *Engine) EnterMarkets(account common.Address, marketIDs []string) error {
	return e.execute(ActionEnter, strings.Join(marketIDs, ","), func() error {
		return e.controller.enterMarkets(account, marketIDs)
	})
}

// ExitMarket removes a market from the account's collateral set.
func (e *Engine) ExitMarket(account common.Address, marketID string) error {
	return e.execute(ActionExit, marketID, func() error {
		return e.controller.exitMarket(account, marketID)
	})
}

// UpdatePrices forwards reporter's feeds to the price feed. Unknown
// reporters are rejected with ErrUnauthorized.
func (e *Engine) UpdatePrices(reporter common.Address, feeds []oracle.Feed) error {
	return e.execute(ActionPrices, "", func() error {
		if e.feed == nil {
			return fmt.Errorf("%w: no price feed", ErrEngineNotConfigured)
		}
		accepted, err := e.feed.UpdatePrices(reporter, feeds)
		if err != nil {
			if errors.Is(err, oracle.ErrUnauthorizedReporter) {
				return fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
			return err
		}
		for _, feed := range accepted {
			e.buffer.Emit(events.OraclePriceUpdated{
				Asset:     feed.Asset,
				Price:     feed.Price,
				Timestamp: feed.Timestamp,
				Reporter:  reporter,
			})
		}
		return nil
	})
}

// SetMarketPaused flips the pause switch of one market action.
func (e *Engine) SetMarketPaused(marketID string, action Action, paused bool) error {
	return e.execute(ActionPause, marketID, func() error {
		return e.controller.setMarketPaused(marketID, action, paused)
	})
}

// SetGlobalPause halts or resumes every market action.
func (e *Engine) SetGlobalPause(paused bool) error {
	return e.execute(ActionPause, "", func() error {
		return e.controller.setGlobalPause(paused)
	})
}

// SetSeizePaused halts or resumes collateral seizure in every market.
func (e *Engine) SetSeizePaused(paused bool) error {
	return e.execute(ActionPause, "", func() error {
		return e.controller.setSeizePaused(paused)
	})
}

// SetProtocolPauses applies the global and seize switches in one action.
// A nil switch is left unchanged.
func (e *Engine) SetProtocolPauses(global, seize *bool) error {
	if global == nil && seize == nil {
		return fmt.Errorf("%w: no pause switch given", ErrInvalidParameter)
	}
	return e.execute(ActionPause, "", func() error {
		if global != nil {
			if err := e.controller.setGlobalPause(*global); err != nil {
				return err
			}
		}
		if seize != nil {
			return e.controller.setSeizePaused(*seize)
		}
		return nil
	})
}

// AccountLiquidity values account at current prices using stored market
// state.
func (e *Engine) AccountLiquidity(account common.Address) (AccountLiquidity, error) {
	if e == nil || e.store == nil {
		return AccountLiquidity{}, ErrEngineNotConfigured
	}
	return e.controller.AccountLiquidity(account)
}

// MarketSnapshot returns the stored state of one market.
func (e *Engine) MarketSnapshot(marketID string) (MarketSnapshot, error) {
	m, err := e.market(marketID)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return m.Snapshot()
}

// Markets returns snapshots of every registered market in listing order.
func (e *Engine) Markets() ([]MarketSnapshot, error) {
	ids, err := e.controller.Markets()
	if err != nil {
		return nil, err
	}
	out := make([]MarketSnapshot, 0, len(ids))
	for _, id := range ids {
		m, ok := e.markets[id]
		if !ok {
			continue
		}
		snap, err := m.Snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Positions returns account's holdings in every market it has touched.
func (e *Engine) Positions(account common.Address) ([]PositionView, error) {
	ids, err := e.controller.Markets()
	if err != nil {
		return nil, err
	}
	entered, err := e.controller.AccountMarkets(account)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(entered))
	for _, id := range entered {
		members[id] = true
	}
	out := make([]PositionView, 0, len(ids))
	for _, id := range ids {
		m, ok := e.markets[id]
		if !ok {
			continue
		}
		snap, err := m.AccountSnapshot(account)
		if err != nil {
			return nil, err
		}
		if snap.Shares.IsZero() && snap.BorrowBalance.IsZero() && !members[id] {
			continue
		}
		underlying, err := wadMul(snap.Shares, snap.ExchangeRate)
		if err != nil {
			return nil, err
		}
		out = append(out, PositionView{
			Market:        id,
			Shares:        snap.Shares,
			Underlying:    underlying,
			BorrowBalance: snap.BorrowBalance,
			Collateral:    members[id],
		})
	}
	return out, nil
}
