package lending

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"moneymarket/core/events"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/oracle"
)

type stubPauseView struct {
	modules map[string]bool
	actions map[string]bool
}

func (s stubPauseView) IsPaused(module, action string) bool {
	if action == "" {
		return s.modules[module]
	}
	return s.actions[action]
}

func TestHostPauseBlocksMutation(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 500)
	h.engine.SetPauses(stubPauseView{modules: map[string]bool{ModuleName: true}})

	_, err := h.engine.Mint("tkn", alice, amount(100))
	if !errors.Is(err, nativecommon.ErrModulePaused) || !errors.Is(err, ErrMarketPaused) {
		t.Fatalf("expected module pause, got %v", err)
	}
	if bal := h.ledger.balance("TKN", alice); bal.Uint64() != 500 {
		t.Fatalf("expected balance to remain 500, got %s", bal.Dec())
	}
	if st := h.market("tkn"); !st.Cash.IsZero() {
		t.Fatalf("expected market cash unchanged, got %s", st.Cash.Dec())
	}
}

func TestHostActionPauseOnlyHaltsThatAction(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 500)
	h.engine.SetPauses(stubPauseView{actions: map[string]bool{string(ActionBorrow): true}})

	if _, err := h.engine.Mint("tkn", alice, amount(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"tkn"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.engine.Borrow("tkn", alice, amount(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused borrow, got %v", err)
	}
}

func TestMarketAndGlobalPauses(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 500)

	if err := h.engine.SetMarketPaused("tkn", ActionMint, true); err != nil {
		t.Fatalf("pause mint: %v", err)
	}
	if _, err := h.engine.Mint("tkn", alice, amount(100)); !errors.Is(err, ErrMarketPaused) {
		t.Fatalf("expected ErrMarketPaused, got %v", err)
	}
	if !h.engine.Controller().IsPaused("tkn", string(ActionMint)) {
		t.Fatalf("controller should report mint paused")
	}
	if n := len(h.eventsOfType(events.TypeLendingPauseChanged)); n != 1 {
		t.Fatalf("expected one pause event, got %d", n)
	}
	if err := h.engine.SetMarketPaused("tkn", ActionMint, false); err != nil {
		t.Fatalf("unpause mint: %v", err)
	}
	if _, err := h.engine.Mint("tkn", alice, amount(100)); err != nil {
		t.Fatalf("mint after unpause: %v", err)
	}
	if err := h.engine.SetMarketPaused("tkn", ActionAccrue, true); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected accrue to be unpausable, got %v", err)
	}

	if err := h.engine.SetGlobalPause(true); err != nil {
		t.Fatalf("global pause: %v", err)
	}
	if _, err := h.engine.Redeem("tkn", alice, amount(10)); !errors.Is(err, ErrMarketPaused) {
		t.Fatalf("expected global pause to halt redeem, got %v", err)
	}
	if err := h.engine.SetGlobalPause(false); err != nil {
		t.Fatalf("global unpause: %v", err)
	}
	if _, err := h.engine.Redeem("tkn", alice, amount(10)); err != nil {
		t.Fatalf("redeem after unpause: %v", err)
	}
}

func TestLedgerFailureRollsBackAction(t *testing.T) {
	h := newSingleMarket(t, "0")
	rollbacks := h.store.rollbacks

	if _, err := h.engine.Mint("tkn", alice, amount(100)); err == nil {
		t.Fatalf("expected unfunded mint to fail")
	}
	if h.store.rollbacks != rollbacks+1 {
		t.Fatalf("expected one rollback, got %d", h.store.rollbacks-rollbacks)
	}
	st := h.market("tkn")
	if !st.Cash.IsZero() || !st.TotalSupply.IsZero() {
		t.Fatalf("expected totals untouched, got cash=%s supply=%s", st.Cash.Dec(), st.TotalSupply.Dec())
	}
	if got := h.shares("tkn", alice); got != 0 {
		t.Fatalf("expected no shares, got %d", got)
	}
	if n := len(h.eventsOfType(events.TypeLendingMinted)); n != 0 {
		t.Fatalf("rolled back action must not emit, got %d events", n)
	}
}

func TestReentrantLedgerCallIsRejected(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 1000)

	var inner error
	h.ledger.onTransfer = func(asset string, from, to common.Address, amt *uint256.Int) error {
		_, inner = h.engine.Mint("tkn", alice, amount(1))
		return inner
	}
	_, err := h.engine.Mint("tkn", alice, amount(100))
	if !errors.Is(inner, ErrReentrant) {
		t.Fatalf("expected inner call to be rejected, got %v", inner)
	}
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected outer call to fail with ErrReentrant, got %v", err)
	}
	if st := h.market("tkn"); !st.TotalSupply.IsZero() {
		t.Fatalf("expected no shares minted, got %s", st.TotalSupply.Dec())
	}

	h.ledger.onTransfer = nil
	if _, err := h.engine.Mint("tkn", alice, amount(100)); err != nil {
		t.Fatalf("guard must be released after failure: %v", err)
	}
}

func TestMissingPriceFailsClosed(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 1000)
	if _, err := h.engine.Mint("tkn", alice, amount(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"tkn"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	delete(h.prices, "TKN")

	if err := h.engine.Borrow("tkn", alice, amount(1)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := h.engine.AccountLiquidity(alice); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected liquidity query to fail closed, got %v", err)
	}
	if _, err := h.engine.Redeem("tkn", alice, amount(10)); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected redeem of collateral to fail closed, got %v", err)
	}
}

func TestExitMarketRequiresSolvency(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 1000)
	if _, err := h.engine.Mint("tkn", alice, amount(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"tkn", "tkn"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if markets, _ := h.engine.Controller().AccountMarkets(alice); len(markets) != 1 {
		t.Fatalf("duplicate enter must be a no-op, got %v", markets)
	}
	if err := h.engine.Borrow("tkn", alice, amount(100)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.engine.ExitMarket(alice, "tkn"); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected exit to be refused, got %v", err)
	}
	if _, err := h.engine.RepayBorrow("tkn", alice, RepayAll); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := h.engine.ExitMarket(alice, "tkn"); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := h.engine.Borrow("tkn", alice, amount(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected borrow without collateral to be unauthorized, got %v", err)
	}
	if n := len(h.eventsOfType(events.TypeLendingMarketExited)); n != 1 {
		t.Fatalf("expected one exit event, got %d", n)
	}
}

func TestEnterMarketsIsBounded(t *testing.T) {
	h := newHarness(t)
	ids := make([]string, 0, MaxMarketsPerAccount+1)
	for i := 0; i <= MaxMarketsPerAccount; i++ {
		id := fmt.Sprintf("m%d", i)
		h.list(id, fmt.Sprintf("A%d", i), flatModel(t, "0"), "0", MarketConfig{})
		ids = append(ids, id)
	}
	if err := h.engine.EnterMarkets(alice, ids[:MaxMarketsPerAccount]); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, ids[MaxMarketsPerAccount:]); !errors.Is(err, ErrTooManyMarkets) {
		t.Fatalf("expected ErrTooManyMarkets, got %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"missing"}); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
}

func TestSupplyAndBorrowCaps(t *testing.T) {
	h := newHarness(t)
	h.prices["TKN"] = Wad()
	h.list("tkn", "TKN", flatModel(t, "0"), "0", MarketConfig{
		CollateralFactor: mustWad("0.9"),
		SupplyCap:        amount(500),
		BorrowCap:        amount(100),
	})
	h.fund("TKN", alice, 1000)

	if _, err := h.engine.Mint("tkn", alice, amount(501)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("expected ErrSupplyCapExceeded, got %v", err)
	}
	if _, err := h.engine.Mint("tkn", alice, amount(500)); err != nil {
		t.Fatalf("mint at cap: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"tkn"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.engine.Borrow("tkn", alice, amount(101)); !errors.Is(err, ErrBorrowCapExceeded) {
		t.Fatalf("expected ErrBorrowCapExceeded, got %v", err)
	}
	if err := h.engine.Borrow("tkn", alice, amount(100)); err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
}

func TestShareTransferKeepsSenderSolvent(t *testing.T) {
	h := newSingleMarket(t, "0")
	h.fund("TKN", alice, 1000)
	if _, err := h.engine.Mint("tkn", alice, amount(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.engine.EnterMarkets(alice, []string{"tkn"}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.engine.Borrow("tkn", alice, amount(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := h.engine.Transfer("tkn", alice, bob, amount(200)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected transfer to be refused, got %v", err)
	}
	if err := h.engine.Transfer("tkn", alice, bob, amount(100)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := h.engine.Transfer("tkn", bob, bob, amount(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected self transfer to be refused, got %v", err)
	}
	if got := h.shares("tkn", bob); got != 100 {
		t.Fatalf("expected bob to hold 100 shares, got %d", got)
	}
	h.checkConservation("tkn")
}

func TestUpdatePricesRequiresReporter(t *testing.T) {
	now := uint64(1_000)
	feed := oracle.NewFeedOracle(oracle.Config{MaxAge: 60}, func() uint64 { return now })
	reporter := common.HexToAddress("0xfeed")
	feed.AddReporter(reporter)

	store := newMockStore()
	sink := &events.Buffer{}
	engine := NewEngine(store, newMockLedger(), feed)
	engine.SetClock(func() uint64 { return now })
	engine.SetEmitter(sink)

	update := []oracle.Feed{{Asset: "tkn", Price: Wad()}}
	if err := engine.UpdatePrices(alice, update); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.UpdatePrices(reporter, update); err != nil {
		t.Fatalf("update prices: %v", err)
	}
	price, err := feed.Price("TKN")
	if err != nil || !price.Eq(Wad()) {
		t.Fatalf("expected stored price, got %v (%v)", price, err)
	}
	evts := sink.Events()
	if len(evts) != 1 || evts[0].EventType() != events.TypeOraclePriceUpdated {
		t.Fatalf("expected one price event, got %v", evts)
	}

	now += 61
	if _, err := feed.Price("TKN"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected stale price to be unavailable, got %v", err)
	}
}

func TestProtocolPausesApplyTogether(t *testing.T) {
	h := newSingleMarket(t, "0")
	commits := h.store.commits

	if err := h.engine.SetProtocolPauses(nil, nil); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	on := true
	if err := h.engine.SetProtocolPauses(&on, &on); err != nil {
		t.Fatalf("set pauses: %v", err)
	}
	if got := h.store.commits - commits; got != 1 {
		t.Fatalf("expected both switches in one commit, got %d commits", got)
	}
	if !h.store.ctrl.GlobalPause || !h.store.ctrl.SeizePause {
		t.Fatalf("expected both switches set, got %+v", h.store.ctrl)
	}
	if n := len(h.eventsOfType(events.TypeLendingPauseChanged)); n != 2 {
		t.Fatalf("expected two pause events, got %d", n)
	}

	off := false
	if err := h.engine.SetProtocolPauses(&off, nil); err != nil {
		t.Fatalf("lift global pause: %v", err)
	}
	if h.store.ctrl.GlobalPause || !h.store.ctrl.SeizePause {
		t.Fatalf("expected only the global switch lifted, got %+v", h.store.ctrl)
	}
}
