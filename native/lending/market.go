package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"moneymarket/core/events"
)

// RepayAll is the repay amount sentinel that settles the full borrow balance.
var RepayAll = new(uint256.Int).Set(maxUint256)

// AssetLedger moves underlying assets between accounts. Markets call it as
// the last step of an action, after their own bookkeeping is complete.
type AssetLedger interface {
	Transfer(asset string, from, to common.Address, amount *uint256.Int) error
}

// Authorizer is the controller capability a market consults before every
// state change.
type Authorizer interface {
	MintAllowed(market string, minter common.Address, amount *uint256.Int) error
	RedeemAllowed(market string, redeemer common.Address, shares *uint256.Int) error
	BorrowAllowed(market string, borrower common.Address, amount *uint256.Int) error
	RepayAllowed(market string, payer, borrower common.Address, amount *uint256.Int) error
	LiquidateAllowed(borrowMarket, collateralMarket string, liquidator, borrower common.Address, amount *uint256.Int) error
	SeizeAllowed(collateralMarket, borrowMarket string, liquidator, borrower common.Address, shares *uint256.Int) error
	TransferAllowed(market string, from, to common.Address, shares *uint256.Int) error
	BadDebtAllowed(market string, borrower common.Address) error
	SeizeTokens(borrowMarket, collateralMarket string, repayAmount *uint256.Int) (*uint256.Int, error)
	MarketConfig(market string) (*MarketConfig, error)
}

// CustodyAddress derives the account holding a market's underlying cash.
func CustodyAddress(marketID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("lending/market/" + marketID))[12:])
}

// Market is the share ledger of one underlying asset.
type Market struct {
	id         string
	underlying string
	custody    common.Address
	model      *InterestModel
	store      Store
	auth       Authorizer
	ledger     AssetLedger
	emitter    events.Emitter
	now        func() uint64
}

// NewMarket wires a market to its collaborators.
func NewMarket(id, underlying string, model *InterestModel, store Store, auth Authorizer, ledger AssetLedger, emitter events.Emitter, now func() uint64) *Market {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Market{
		id:         strings.TrimSpace(id),
		underlying: strings.ToUpper(strings.TrimSpace(underlying)),
		custody:    CustodyAddress(id),
		model:      model,
		store:      store,
		auth:       auth,
		ledger:     ledger,
		emitter:    emitter,
		now:        now,
	}
}

// ID returns the market identifier.
func (m *Market) ID() string { return m.id }

// Underlying returns the asset symbol priced by the oracle.
func (m *Market) Underlying() string { return m.underlying }

// Custody returns the account holding the market's cash.
func (m *Market) Custody() common.Address { return m.custody }

// Model returns a copy of the interest rate model.
func (m *Market) Model() *InterestModel { return m.model.Clone() }

func (m *Market) clock() uint64 {
	if m.now == nil {
		return 0
	}
	return m.now()
}

func (m *Market) load() (*MarketState, error) {
	st, err := m.store.GetMarket(m.id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, m.id)
	}
	st.ensureDefaults()
	return st, nil
}

func (m *Market) position(addr common.Address) (*Position, error) {
	pos, err := m.store.GetPosition(m.id, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{}
	}
	pos.ensureDefaults()
	return pos, nil
}

func (m *Market) totals(st *MarketState) events.MarketTotals {
	fx, err := st.ExchangeRate()
	if err != nil {
		fx = zero()
	}
	return events.MarketTotals{
		Cash:          clone(st.Cash),
		TotalBorrows:  clone(st.TotalBorrows),
		TotalReserves: clone(st.TotalReserves),
		TotalSupply:   clone(st.TotalSupply),
		BorrowIndex:   clone(st.BorrowIndex),
		ExchangeRate:  fx,
		Timestamp:     st.AccrualTimestamp,
	}
}

// accrue brings the market up to the current timestamp. A second call in the
// same instant changes nothing.
func (m *Market) accrue() (*MarketState, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}
	now := m.clock()
	if now <= st.AccrualTimestamp {
		return st, nil
	}
	elapsed := uint256.NewInt(now - st.AccrualTimestamp)
	cashPrior := clone(st.Cash)

	borrowRate, _, err := m.model.Rates(st.Cash, st.TotalBorrows, st.TotalReserves, st.ReserveFactor)
	if err != nil {
		return nil, err
	}
	factor, err := mul(borrowRate, elapsed)
	if err != nil {
		return nil, err
	}
	interest, interestRem, err := mulDivRem(st.TotalBorrows, factor, st.InterestRemainder, wad)
	if err != nil {
		return nil, err
	}
	reserves, reserveRem, err := mulDivRem(interest, st.ReserveFactor, st.ReserveRemainder, wad)
	if err != nil {
		return nil, err
	}
	indexDelta, indexRem, err := mulDivRem(st.BorrowIndex, factor, st.IndexRemainder, wad)
	if err != nil {
		return nil, err
	}
	if st.TotalBorrows, err = add(st.TotalBorrows, interest); err != nil {
		return nil, err
	}
	if st.TotalReserves, err = add(st.TotalReserves, reserves); err != nil {
		return nil, err
	}
	if st.BorrowIndex, err = add(st.BorrowIndex, indexDelta); err != nil {
		return nil, err
	}
	st.InterestRemainder = interestRem
	st.ReserveRemainder = reserveRem
	st.IndexRemainder = indexRem
	st.AccrualTimestamp = now
	if err := m.store.PutMarket(m.id, st); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.LendingAccrued{
		Market:     m.id,
		CashPrior:  cashPrior,
		Interest:   interest,
		BorrowRate: borrowRate,
		Totals:     m.totals(st),
	})
	return st, nil
}

func (m *Market) mint(minter common.Address, amount *uint256.Int) (*uint256.Int, error) {
	st, err := m.accrue()
	if err != nil {
		return nil, err
	}
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if err := m.auth.MintAllowed(m.id, minter, amount); err != nil {
		return nil, err
	}
	fx, err := st.ExchangeRate()
	if err != nil {
		return nil, err
	}
	shares, err := wadDiv(amount, fx)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: amount mints no shares", ErrZeroAmount)
	}
	pos, err := m.position(minter)
	if err != nil {
		return nil, err
	}
	if st.Cash, err = add(st.Cash, amount); err != nil {
		return nil, err
	}
	if st.TotalSupply, err = add(st.TotalSupply, shares); err != nil {
		return nil, err
	}
	if pos.Shares, err = add(pos.Shares, shares); err != nil {
		return nil, err
	}
	if err := m.persist(st, minter, pos); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.LendingMinted{
		Market:        m.id,
		Account:       minter,
		Amount:        clone(amount),
		Shares:        clone(shares),
		AccountShares: clone(pos.Shares),
		Totals:        m.totals(st),
	})
	if err := m.transfer(minter, m.custody, amount); err != nil {
		return nil, err
	}
	return shares, nil
}

// redeem burns shares for underlying. Exactly one of shares and amount is
// non-zero; the other is derived from the exchange rate, rounding in the
// market's favour.
func (m *Market) redeem(redeemer common.Address, shares, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	st, err := m.accrue()
	if err != nil {
		return nil, nil, err
	}
	if isZero(shares) == isZero(amount) {
		return nil, nil, ErrZeroAmount
	}
	fx, err := st.ExchangeRate()
	if err != nil {
		return nil, nil, err
	}
	if !isZero(shares) {
		if amount, err = wadMul(shares, fx); err != nil {
			return nil, nil, err
		}
	} else if shares, err = wadDivUp(amount, fx); err != nil {
		return nil, nil, err
	}
	if amount.IsZero() || shares.IsZero() {
		return nil, nil, fmt.Errorf("%w: redemption rounds to zero", ErrZeroAmount)
	}
	if st.Cash.Lt(amount) {
		return nil, nil, fmt.Errorf("%w: cash %s below %s", ErrInsufficientLiquidity, st.Cash.Dec(), amount.Dec())
	}
	pos, err := m.position(redeemer)
	if err != nil {
		return nil, nil, err
	}
	if pos.Shares.Lt(shares) {
		return nil, nil, ErrInsufficientBalance
	}
	if err := m.auth.RedeemAllowed(m.id, redeemer, shares); err != nil {
		return nil, nil, err
	}
	st.Cash = new(uint256.Int).Sub(st.Cash, amount)
	if st.TotalSupply, err = sub(st.TotalSupply, shares); err != nil {
		return nil, nil, err
	}
	pos.Shares = new(uint256.Int).Sub(pos.Shares, shares)
	if err := m.persist(st, redeemer, pos); err != nil {
		return nil, nil, err
	}
	m.emitter.Emit(events.LendingRedeemed{
		Market:        m.id,
		Account:       redeemer,
		Amount:        clone(amount),
		Shares:        clone(shares),
		AccountShares: clone(pos.Shares),
		Totals:        m.totals(st),
	})
	if err := m.transfer(m.custody, redeemer, amount); err != nil {
		return nil, nil, err
	}
	return shares, amount, nil
}

func (m *Market) borrow(borrower common.Address, amount *uint256.Int) error {
	st, err := m.accrue()
	if err != nil {
		return err
	}
	if isZero(amount) {
		return ErrZeroAmount
	}
	if st.Cash.Lt(amount) {
		return fmt.Errorf("%w: cash %s below %s", ErrInsufficientLiquidity, st.Cash.Dec(), amount.Dec())
	}
	if err := m.auth.BorrowAllowed(m.id, borrower, amount); err != nil {
		return err
	}
	pos, err := m.position(borrower)
	if err != nil {
		return err
	}
	balance, err := pos.borrowBalance(st.BorrowIndex)
	if err != nil {
		return err
	}
	if pos.BorrowPrincipal, err = add(balance, amount); err != nil {
		return err
	}
	pos.BorrowIndex = clone(st.BorrowIndex)
	if st.TotalBorrows, err = add(st.TotalBorrows, amount); err != nil {
		return err
	}
	st.Cash = new(uint256.Int).Sub(st.Cash, amount)
	if err := m.persist(st, borrower, pos); err != nil {
		return err
	}
	m.emitter.Emit(events.LendingBorrowed{
		Market:         m.id,
		Account:        borrower,
		Amount:         clone(amount),
		AccountBorrows: clone(pos.BorrowPrincipal),
		Totals:         m.totals(st),
	})
	return m.transfer(m.custody, borrower, amount)
}

func (m *Market) repay(payer, borrower common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if _, err := m.accrue(); err != nil {
		return nil, err
	}
	repaid, err := m.repayFresh(payer, borrower, amount)
	if err != nil {
		return nil, err
	}
	if err := m.transfer(payer, m.custody, repaid); err != nil {
		return nil, err
	}
	return repaid, nil
}

// repayFresh settles debt on an already accrued market without moving the
// underlying.
func (m *Market) repayFresh(payer, borrower common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if err := m.auth.RepayAllowed(m.id, payer, borrower, amount); err != nil {
		return nil, err
	}
	st, err := m.load()
	if err != nil {
		return nil, err
	}
	pos, err := m.position(borrower)
	if err != nil {
		return nil, err
	}
	balance, err := pos.borrowBalance(st.BorrowIndex)
	if err != nil {
		return nil, err
	}
	repaid := clone(amount)
	if amount.Eq(RepayAll) {
		repaid = balance
	}
	if repaid.IsZero() {
		return nil, fmt.Errorf("%w: no outstanding borrow", ErrZeroAmount)
	}
	if repaid.Gt(balance) {
		return nil, fmt.Errorf("%w: balance %s", ErrExcessiveRepay, balance.Dec())
	}
	pos.BorrowPrincipal = new(uint256.Int).Sub(balance, repaid)
	pos.BorrowIndex = clone(st.BorrowIndex)
	st.TotalBorrows = subFloor(st.TotalBorrows, repaid)
	if st.Cash, err = add(st.Cash, repaid); err != nil {
		return nil, err
	}
	if err := m.persist(st, borrower, pos); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.LendingRepaid{
		Market:         m.id,
		Payer:          payer,
		Borrower:       borrower,
		Amount:         clone(repaid),
		AccountBorrows: clone(pos.BorrowPrincipal),
		Totals:         m.totals(st),
	})
	return repaid, nil
}

// liquidate repays part of borrower's debt in this market and seizes
// collateral shares in the collateral market.
func (m *Market) liquidate(liquidator, borrower common.Address, amount *uint256.Int, collateral *Market) (*uint256.Int, error) {
	if collateral == nil {
		return nil, ErrMarketNotListed
	}
	if _, err := m.accrue(); err != nil {
		return nil, err
	}
	if collateral != m {
		if _, err := collateral.accrue(); err != nil {
			return nil, err
		}
	}
	if isZero(amount) {
		return nil, ErrZeroAmount
	}
	if amount.Eq(RepayAll) {
		return nil, fmt.Errorf("%w: liquidation requires an explicit amount", ErrExcessiveRepay)
	}
	if err := m.auth.LiquidateAllowed(m.id, collateral.id, liquidator, borrower, amount); err != nil {
		return nil, err
	}
	repaid, err := m.repayFresh(liquidator, borrower, amount)
	if err != nil {
		return nil, err
	}
	seize, err := m.auth.SeizeTokens(m.id, collateral.id, repaid)
	if err != nil {
		return nil, err
	}
	if seize.IsZero() {
		return nil, fmt.Errorf("%w: repay seizes no collateral", ErrZeroAmount)
	}
	if err := collateral.seize(m.id, liquidator, borrower, seize); err != nil {
		return nil, err
	}
	st, err := m.load()
	if err != nil {
		return nil, err
	}
	pos, err := m.position(borrower)
	if err != nil {
		return nil, err
	}
	m.emitter.Emit(events.LendingLiquidated{
		Market:           m.id,
		CollateralMarket: collateral.id,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepayAmount:      clone(repaid),
		SeizeShares:      clone(seize),
		AccountBorrows:   clone(pos.BorrowPrincipal),
		Totals:           m.totals(st),
	})
	if err := m.transfer(liquidator, m.custody, repaid); err != nil {
		return nil, err
	}
	return seize, nil
}

// seize moves collateral shares from borrower to liquidator. The protocol
// share, or the whole seizure when the liquidator's part is below the
// market's minimum, is burned into reserves at the current exchange rate.
func (m *Market) seize(borrowMarket string, liquidator, borrower common.Address, shares *uint256.Int) error {
	if err := m.auth.SeizeAllowed(m.id, borrowMarket, liquidator, borrower, shares); err != nil {
		return err
	}
	cfg, err := m.auth.MarketConfig(m.id)
	if err != nil {
		return err
	}
	st, err := m.load()
	if err != nil {
		return err
	}
	borrowerPos, err := m.position(borrower)
	if err != nil {
		return err
	}
	if borrowerPos.Shares.Lt(shares) {
		return fmt.Errorf("%w: seize %s exceeds collateral %s", ErrInsufficientCollateral, shares.Dec(), borrowerPos.Shares.Dec())
	}
	protocolShares, err := wadMul(shares, cfg.ProtocolSeizeShare)
	if err != nil {
		return err
	}
	liquidatorShares := new(uint256.Int).Sub(shares, protocolShares)
	if liquidatorShares.Lt(clone(cfg.MinSeizeShares)) {
		protocolShares = clone(shares)
		liquidatorShares = zero()
	}
	fx, err := st.ExchangeRate()
	if err != nil {
		return err
	}
	reservesAdded, err := wadMul(protocolShares, fx)
	if err != nil {
		return err
	}
	if st.TotalReserves, err = add(st.TotalReserves, reservesAdded); err != nil {
		return err
	}
	if st.TotalSupply, err = sub(st.TotalSupply, protocolShares); err != nil {
		return err
	}
	borrowerPos.Shares = new(uint256.Int).Sub(borrowerPos.Shares, shares)
	if err := m.store.PutPosition(m.id, borrower, borrowerPos); err != nil {
		return err
	}
	liquidatorPos, err := m.position(liquidator)
	if err != nil {
		return err
	}
	if liquidatorPos.Shares, err = add(liquidatorPos.Shares, liquidatorShares); err != nil {
		return err
	}
	if err := m.persist(st, liquidator, liquidatorPos); err != nil {
		return err
	}
	m.emitter.Emit(events.LendingSeized{
		Market:            m.id,
		Liquidator:        liquidator,
		Borrower:          borrower,
		SeizeShares:       clone(shares),
		LiquidatorShares:  liquidatorShares,
		ProtocolShares:    protocolShares,
		ReservesAdded:     reservesAdded,
		BorrowerBalance:   clone(borrowerPos.Shares),
		LiquidatorBalance: clone(liquidatorPos.Shares),
		Totals:            m.totals(st),
	})
	return nil
}

func (m *Market) transferShares(from, to common.Address, shares *uint256.Int) error {
	st, err := m.accrue()
	if err != nil {
		return err
	}
	if isZero(shares) {
		return ErrZeroAmount
	}
	if from == to {
		return fmt.Errorf("%w: sender is recipient", ErrUnauthorized)
	}
	fromPos, err := m.position(from)
	if err != nil {
		return err
	}
	if fromPos.Shares.Lt(shares) {
		return ErrInsufficientBalance
	}
	if err := m.auth.TransferAllowed(m.id, from, to, shares); err != nil {
		return err
	}
	toPos, err := m.position(to)
	if err != nil {
		return err
	}
	fromPos.Shares = new(uint256.Int).Sub(fromPos.Shares, shares)
	if toPos.Shares, err = add(toPos.Shares, shares); err != nil {
		return err
	}
	if err := m.store.PutPosition(m.id, from, fromPos); err != nil {
		return err
	}
	if err := m.store.PutPosition(m.id, to, toPos); err != nil {
		return err
	}
	m.emitter.Emit(events.LendingTransferred{
		Market:     m.id,
		From:       from,
		To:         to,
		Shares:     clone(shares),
		FromShares: clone(fromPos.Shares),
		ToShares:   clone(toPos.Shares),
		Totals:     m.totals(st),
	})
	return nil
}

func (m *Market) addReserves(benefactor common.Address, amount *uint256.Int) error {
	st, err := m.accrue()
	if err != nil {
		return err
	}
	if isZero(amount) {
		return ErrZeroAmount
	}
	if st.Cash, err = add(st.Cash, amount); err != nil {
		return err
	}
	if st.TotalReserves, err = add(st.TotalReserves, amount); err != nil {
		return err
	}
	if err := m.store.PutMarket(m.id, st); err != nil {
		return err
	}
	m.emitter.Emit(events.LendingReservesAdded{
		Market:     m.id,
		Benefactor: benefactor,
		Amount:     clone(amount),
		Totals:     m.totals(st),
	})
	return m.transfer(benefactor, m.custody, amount)
}

// writeOffBadDebt removes the debt of a borrower with nothing left to seize.
// Reserves absorb the loss first; any remainder lowers the exchange rate.
func (m *Market) writeOffBadDebt(borrower common.Address) (*uint256.Int, error) {
	st, err := m.accrue()
	if err != nil {
		return nil, err
	}
	if err := m.auth.BadDebtAllowed(m.id, borrower); err != nil {
		return nil, err
	}
	pos, err := m.position(borrower)
	if err != nil {
		return nil, err
	}
	balance, err := pos.borrowBalance(st.BorrowIndex)
	if err != nil {
		return nil, err
	}
	if balance.IsZero() {
		return nil, ErrNoBadDebt
	}
	reservesUsed := minInt(balance, st.TotalReserves)
	loss := new(uint256.Int).Sub(balance, reservesUsed)
	st.TotalReserves = new(uint256.Int).Sub(st.TotalReserves, reservesUsed)
	st.TotalBorrows = subFloor(st.TotalBorrows, balance)
	pos.BorrowPrincipal = zero()
	pos.BorrowIndex = clone(st.BorrowIndex)
	if err := m.persist(st, borrower, pos); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.LendingBadDebt{
		Market:       m.id,
		Borrower:     borrower,
		Amount:       clone(balance),
		ReservesUsed: reservesUsed,
		SupplierLoss: loss,
		Totals:       m.totals(st),
	})
	return balance, nil
}

func (m *Market) persist(st *MarketState, addr common.Address, pos *Position) error {
	if err := m.store.PutMarket(m.id, st); err != nil {
		return err
	}
	return m.store.PutPosition(m.id, addr, pos)
}

func (m *Market) transfer(from, to common.Address, amount *uint256.Int) error {
	if m.ledger == nil {
		return fmt.Errorf("%w: asset ledger missing", ErrEngineNotConfigured)
	}
	return m.ledger.Transfer(m.underlying, from, to, amount)
}

// ExchangeRateStored returns the exchange rate as of the last accrual.
func (m *Market) ExchangeRateStored() (*uint256.Int, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}
	return st.ExchangeRate()
}

// BorrowBalanceStored returns addr's debt as of the last accrual.
func (m *Market) BorrowBalanceStored(addr common.Address) (*uint256.Int, error) {
	st, err := m.load()
	if err != nil {
		return nil, err
	}
	pos, err := m.position(addr)
	if err != nil {
		return nil, err
	}
	return pos.borrowBalance(st.BorrowIndex)
}

// AccountSnapshot returns the shares, debt and exchange rate the controller
// values an account with.
func (m *Market) AccountSnapshot(addr common.Address) (AccountSnapshot, error) {
	st, err := m.load()
	if err != nil {
		return AccountSnapshot{}, err
	}
	pos, err := m.position(addr)
	if err != nil {
		return AccountSnapshot{}, err
	}
	balance, err := pos.borrowBalance(st.BorrowIndex)
	if err != nil {
		return AccountSnapshot{}, err
	}
	fx, err := st.ExchangeRate()
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Shares: clone(pos.Shares), BorrowBalance: balance, ExchangeRate: fx}, nil
}

// Snapshot returns the stored market totals together with the current
// rates.
func (m *Market) Snapshot() (MarketSnapshot, error) {
	st, err := m.load()
	if err != nil {
		return MarketSnapshot{}, err
	}
	fx, err := st.ExchangeRate()
	if err != nil {
		return MarketSnapshot{}, err
	}
	borrowRate, supplyRate, err := m.model.Rates(st.Cash, st.TotalBorrows, st.TotalReserves, st.ReserveFactor)
	if err != nil {
		return MarketSnapshot{}, err
	}
	return MarketSnapshot{
		ID:                  m.id,
		Underlying:          m.underlying,
		Cash:                clone(st.Cash),
		TotalBorrows:        clone(st.TotalBorrows),
		TotalReserves:       clone(st.TotalReserves),
		TotalSupply:         clone(st.TotalSupply),
		BorrowIndex:         clone(st.BorrowIndex),
		ExchangeRate:        fx,
		BorrowRatePerSecond: borrowRate,
		SupplyRatePerSecond: supplyRate,
		AccrualTimestamp:    st.AccrualTimestamp,
		Custody:             m.custody,
	}, nil
}
