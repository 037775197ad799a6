package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	TypeLendingAccrued       = "lending.accrued"
	TypeLendingMinted        = "lending.minted"
	TypeLendingRedeemed      = "lending.redeemed"
	TypeLendingBorrowed      = "lending.borrowed"
	TypeLendingRepaid        = "lending.repaid"
	TypeLendingLiquidated    = "lending.liquidated"
	TypeLendingSeized        = "lending.seized"
	TypeLendingTransferred   = "lending.transferred"
	TypeLendingReservesAdded = "lending.reserves_added"
	TypeLendingBadDebt       = "lending.bad_debt"
	TypeLendingMarketListed  = "lending.market_listed"
	TypeLendingMarketEntered = "lending.market_entered"
	TypeLendingMarketExited  = "lending.market_exited"
	TypeLendingPauseChanged  = "lending.pause_changed"
	TypeOraclePriceUpdated   = "oracle.price_updated"
)

// MarketTotals is the market ledger after an action completed. Every market
// event carries it so that the ledger can be rebuilt from the event log.
type MarketTotals struct {
	Cash          *uint256.Int
	TotalBorrows  *uint256.Int
	TotalReserves *uint256.Int
	TotalSupply   *uint256.Int
	BorrowIndex   *uint256.Int
	ExchangeRate  *uint256.Int
	Timestamp     uint64
}

func (t MarketTotals) fill(attrs map[string]string) {
	attrs["cash"] = amountString(t.Cash)
	attrs["totalBorrows"] = amountString(t.TotalBorrows)
	attrs["totalReserves"] = amountString(t.TotalReserves)
	attrs["totalSupply"] = amountString(t.TotalSupply)
	attrs["borrowIndex"] = amountString(t.BorrowIndex)
	attrs["exchangeRate"] = amountString(t.ExchangeRate)
	attrs["timestamp"] = uintString(t.Timestamp)
}

func marketRecord(kind, market string, totals MarketTotals, attrs map[string]string) *Record {
	attrs["market"] = market
	totals.fill(attrs)
	return &Record{Type: kind, Attributes: attrs}
}

// LendingAccrued reports interest accrued on a market.
type LendingAccrued struct {
	Market     string
	CashPrior  *uint256.Int
	Interest   *uint256.Int
	BorrowRate *uint256.Int
	Totals     MarketTotals
}

func (LendingAccrued) EventType() string { return TypeLendingAccrued }

func (e LendingAccrued) Record() *Record {
	return marketRecord(TypeLendingAccrued, e.Market, e.Totals, map[string]string{
		"cashPrior":  amountString(e.CashPrior),
		"interest":   amountString(e.Interest),
		"borrowRate": amountString(e.BorrowRate),
	})
}

// LendingMinted reports underlying supplied in exchange for shares.
type LendingMinted struct {
	Market        string
	Account       common.Address
	Amount        *uint256.Int
	Shares        *uint256.Int
	AccountShares *uint256.Int
	Totals        MarketTotals
}

func (LendingMinted) EventType() string { return TypeLendingMinted }

func (e LendingMinted) Record() *Record {
	return marketRecord(TypeLendingMinted, e.Market, e.Totals, map[string]string{
		"account":       addressString(e.Account),
		"amount":        amountString(e.Amount),
		"shares":        amountString(e.Shares),
		"accountShares": amountString(e.AccountShares),
	})
}

// LendingRedeemed reports shares burned for underlying.
type LendingRedeemed struct {
	Market        string
	Account       common.Address
	Amount        *uint256.Int
	Shares        *uint256.Int
	AccountShares *uint256.Int
	Totals        MarketTotals
}

func (LendingRedeemed) EventType() string { return TypeLendingRedeemed }

func (e LendingRedeemed) Record() *Record {
	return marketRecord(TypeLendingRedeemed, e.Market, e.Totals, map[string]string{
		"account":       addressString(e.Account),
		"amount":        amountString(e.Amount),
		"shares":        amountString(e.Shares),
		"accountShares": amountString(e.AccountShares),
	})
}

// LendingBorrowed reports a new borrow.
type LendingBorrowed struct {
	Market         string
	Account        common.Address
	Amount         *uint256.Int
	AccountBorrows *uint256.Int
	Totals         MarketTotals
}

func (LendingBorrowed) EventType() string { return TypeLendingBorrowed }

func (e LendingBorrowed) Record() *Record {
	return marketRecord(TypeLendingBorrowed, e.Market, e.Totals, map[string]string{
		"account":        addressString(e.Account),
		"amount":         amountString(e.Amount),
		"accountBorrows": amountString(e.AccountBorrows),
	})
}

// LendingRepaid reports a repayment, possibly on behalf of another account.
type LendingRepaid struct {
	Market         string
	Payer          common.Address
	Borrower       common.Address
	Amount         *uint256.Int
	AccountBorrows *uint256.Int
	Totals         MarketTotals
}

func (LendingRepaid) EventType() string { return TypeLendingRepaid }

func (e LendingRepaid) Record() *Record {
	return marketRecord(TypeLendingRepaid, e.Market, e.Totals, map[string]string{
		"payer":          addressString(e.Payer),
		"account":        addressString(e.Borrower),
		"amount":         amountString(e.Amount),
		"accountBorrows": amountString(e.AccountBorrows),
	})
}

// LendingLiquidated reports the repay leg of a liquidation.
type LendingLiquidated struct {
	Market           string
	CollateralMarket string
	Liquidator       common.Address
	Borrower         common.Address
	RepayAmount      *uint256.Int
	SeizeShares      *uint256.Int
	AccountBorrows   *uint256.Int
	Totals           MarketTotals
}

func (LendingLiquidated) EventType() string { return TypeLendingLiquidated }

func (e LendingLiquidated) Record() *Record {
	return marketRecord(TypeLendingLiquidated, e.Market, e.Totals, map[string]string{
		"collateralMarket": e.CollateralMarket,
		"liquidator":       addressString(e.Liquidator),
		"account":          addressString(e.Borrower),
		"amount":           amountString(e.RepayAmount),
		"seizeShares":      amountString(e.SeizeShares),
		"accountBorrows":   amountString(e.AccountBorrows),
	})
}

// LendingSeized reports collateral shares moved away from a borrower.
type LendingSeized struct {
	Market            string
	Liquidator        common.Address
	Borrower          common.Address
	SeizeShares       *uint256.Int
	LiquidatorShares  *uint256.Int
	ProtocolShares    *uint256.Int
	ReservesAdded     *uint256.Int
	BorrowerBalance   *uint256.Int
	LiquidatorBalance *uint256.Int
	Totals            MarketTotals
}

func (LendingSeized) EventType() string { return TypeLendingSeized }

func (e LendingSeized) Record() *Record {
	return marketRecord(TypeLendingSeized, e.Market, e.Totals, map[string]string{
		"liquidator":        addressString(e.Liquidator),
		"account":           addressString(e.Borrower),
		"seizeShares":       amountString(e.SeizeShares),
		"liquidatorShares":  amountString(e.LiquidatorShares),
		"protocolShares":    amountString(e.ProtocolShares),
		"reservesAdded":     amountString(e.ReservesAdded),
		"accountShares":     amountString(e.BorrowerBalance),
		"liquidatorBalance": amountString(e.LiquidatorBalance),
	})
}

// LendingTransferred reports a share transfer between accounts.
type LendingTransferred struct {
	Market     string
	From       common.Address
	To         common.Address
	Shares     *uint256.Int
	FromShares *uint256.Int
	ToShares   *uint256.Int
	Totals     MarketTotals
}

func (LendingTransferred) EventType() string { return TypeLendingTransferred }

func (e LendingTransferred) Record() *Record {
	return marketRecord(TypeLendingTransferred, e.Market, e.Totals, map[string]string{
		"account":    addressString(e.From),
		"to":         addressString(e.To),
		"shares":     amountString(e.Shares),
		"fromShares": amountString(e.FromShares),
		"toShares":   amountString(e.ToShares),
	})
}

// LendingReservesAdded reports a donation to market reserves.
type LendingReservesAdded struct {
	Market     string
	Benefactor common.Address
	Amount     *uint256.Int
	Totals     MarketTotals
}

func (LendingReservesAdded) EventType() string { return TypeLendingReservesAdded }

func (e LendingReservesAdded) Record() *Record {
	return marketRecord(TypeLendingReservesAdded, e.Market, e.Totals, map[string]string{
		"account": addressString(e.Benefactor),
		"amount":  amountString(e.Amount),
	})
}

// LendingBadDebt reports debt written off against reserves and suppliers.
type LendingBadDebt struct {
	Market       string
	Borrower     common.Address
	Amount       *uint256.Int
	ReservesUsed *uint256.Int
	SupplierLoss *uint256.Int
	Totals       MarketTotals
}

func (LendingBadDebt) EventType() string { return TypeLendingBadDebt }

func (e LendingBadDebt) Record() *Record {
	return marketRecord(TypeLendingBadDebt, e.Market, e.Totals, map[string]string{
		"account":        addressString(e.Borrower),
		"amount":         amountString(e.Amount),
		"reservesUsed":   amountString(e.ReservesUsed),
		"supplierLoss":   amountString(e.SupplierLoss),
		"accountBorrows": "0",
	})
}

// LendingMarketListed reports a newly listed market.
type LendingMarketListed struct {
	Market     string
	Underlying string
	Custody    common.Address
	Totals     MarketTotals
}

func (LendingMarketListed) EventType() string { return TypeLendingMarketListed }

func (e LendingMarketListed) Record() *Record {
	return marketRecord(TypeLendingMarketListed, e.Market, e.Totals, map[string]string{
		"underlying": normalizeAsset(e.Underlying),
		"custody":    addressString(e.Custody),
	})
}

// LendingMembership reports a change in an account's collateral set.
type LendingMembership struct {
	Market  string
	Account common.Address
	Entered bool
}

func (e LendingMembership) EventType() string {
	if e.Entered {
		return TypeLendingMarketEntered
	}
	return TypeLendingMarketExited
}

func (e LendingMembership) Record() *Record {
	return &Record{Type: e.EventType(), Attributes: map[string]string{
		"market":  e.Market,
		"account": addressString(e.Account),
	}}
}

// LendingPauseChanged reports a pause switch flip. An empty market denotes
// a protocol-wide switch.
type LendingPauseChanged struct {
	Market string
	Action string
	Paused bool
}

func (LendingPauseChanged) EventType() string { return TypeLendingPauseChanged }

func (e LendingPauseChanged) Record() *Record {
	paused := "false"
	if e.Paused {
		paused = "true"
	}
	return &Record{Type: TypeLendingPauseChanged, Attributes: map[string]string{
		"market": e.Market,
		"action": e.Action,
		"paused": paused,
	}}
}

// OraclePriceUpdated reports an accepted price feed.
type OraclePriceUpdated struct {
	Asset     string
	Price     *uint256.Int
	Timestamp uint64
	Reporter  common.Address
}

func (OraclePriceUpdated) EventType() string { return TypeOraclePriceUpdated }

func (e OraclePriceUpdated) Record() *Record {
	return &Record{Type: TypeOraclePriceUpdated, Attributes: map[string]string{
		"asset":     normalizeAsset(e.Asset),
		"price":     amountString(e.Price),
		"timestamp": uintString(e.Timestamp),
		"reporter":  addressString(e.Reporter),
	}}
}
