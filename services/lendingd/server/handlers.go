package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"moneymarket/native/lending"
	"moneymarket/native/oracle"
	"moneymarket/services/eventlog"
)

type marketView struct {
	ID                  string `json:"id"`
	Underlying          string `json:"underlying"`
	Custody             string `json:"custody"`
	Cash                string `json:"cash"`
	TotalBorrows        string `json:"totalBorrows"`
	TotalReserves       string `json:"totalReserves"`
	TotalSupply         string `json:"totalSupply"`
	BorrowIndex         string `json:"borrowIndex"`
	ExchangeRate        string `json:"exchangeRate"`
	BorrowRatePerSecond string `json:"borrowRatePerSecond"`
	SupplyRatePerSecond string `json:"supplyRatePerSecond"`
	AccrualTimestamp    uint64 `json:"accrualTimestamp"`
}

type positionView struct {
	Market        string `json:"market"`
	Shares        string `json:"shares"`
	Underlying    string `json:"underlying"`
	BorrowBalance string `json:"borrowBalance"`
	Collateral    bool   `json:"collateral"`
}

type accountView struct {
	Account    string         `json:"account"`
	Collateral string         `json:"collateral"`
	Borrows    string         `json:"borrows"`
	Liquidity  string         `json:"liquidity"`
	Shortfall  string         `json:"shortfall"`
	Positions  []positionView `json:"positions"`
}

func newMarketView(snap lending.MarketSnapshot) marketView {
	return marketView{
		ID:                  snap.ID,
		Underlying:          snap.Underlying,
		Custody:             snap.Custody.Hex(),
		Cash:                dec(snap.Cash),
		TotalBorrows:        dec(snap.TotalBorrows),
		TotalReserves:       dec(snap.TotalReserves),
		TotalSupply:         dec(snap.TotalSupply),
		BorrowIndex:         lending.FormatWad(snap.BorrowIndex),
		ExchangeRate:        lending.FormatWad(snap.ExchangeRate),
		BorrowRatePerSecond: lending.FormatWad(snap.BorrowRatePerSecond),
		SupplyRatePerSecond: lending.FormatWad(snap.SupplyRatePerSecond),
		AccrualTimestamp:    snap.AccrualTimestamp,
	}
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	var snaps []lending.MarketSnapshot
	err := s.call(func(b Backend) (err error) {
		snaps, err = b.Markets()
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]marketView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newMarketView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": out})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	var snap lending.MarketSnapshot
	err := s.call(func(b Backend) (err error) {
		snap, err = b.MarketSnapshot(chi.URLParam(r, "market"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(snap))
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var (
		liquidity lending.AccountLiquidity
		positions []lending.PositionView
	)
	err = s.call(func(b Backend) error {
		var err error
		if positions, err = b.Positions(account); err != nil {
			return err
		}
		liquidity, err = b.AccountLiquidity(account)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := accountView{
		Account:    account.Hex(),
		Collateral: dec(liquidity.Collateral),
		Borrows:    dec(liquidity.Borrows),
		Liquidity:  dec(liquidity.Liquidity()),
		Shortfall:  dec(liquidity.Shortfall()),
		Positions:  make([]positionView, 0, len(positions)),
	}
	for _, p := range positions {
		view.Positions = append(view.Positions, positionView{
			Market:        p.Market,
			Shares:        dec(p.Shares),
			Underlying:    dec(p.Underlying),
			BorrowBalance: dec(p.BorrowBalance),
			Collateral:    p.Collateral,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := eventlog.Filter{
		Type:    query.Get("type"),
		Market:  query.Get("market"),
		Account: query.Get("account"),
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: after must be an integer", errInvalidRequest))
			return
		}
		filter.AfterSeq = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errInvalidRequest))
			return
		}
		filter.Limit = limit
	}
	if filter.Account != "" {
		addr, err := parseAddress(filter.Account)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Account = addr.Hex()
	}
	entries, err := s.events.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

type amountRequest struct {
	Account string `json:"account,omitempty"`
	Amount  string `json:"amount"`
}

func (s *Server) accrue(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "market")
	if err := s.call(func(b Backend) error { return b.AccrueInterest(market) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMarket(w, r, market)
}

func (s *Server) writeMarket(w http.ResponseWriter, r *http.Request, market string) {
	var snap lending.MarketSnapshot
	err := s.call(func(b Backend) (err error) {
		snap, err = b.MarketSnapshot(market)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(snap))
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	var shares *uint256.Int
	err = s.call(func(b Backend) (err error) {
		shares, err = b.Mint(market, account, amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "account": account.Hex(), "shares": dec(shares)})
}

type redeemRequest struct {
	Account string `json:"account,omitempty"`
	Shares  string `json:"shares,omitempty"`
	Amount  string `json:"amount,omitempty"`
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byShares := strings.TrimSpace(req.Shares) != ""
	if byShares == (strings.TrimSpace(req.Amount) != "") {
		s.writeError(w, r, fmt.Errorf("%w: exactly one of shares or amount required", errInvalidRequest))
		return
	}
	raw := req.Amount
	if byShares {
		raw = req.Shares
	}
	value, err := parseAmount(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	var out *uint256.Int
	err = s.call(func(b Backend) (err error) {
		if byShares {
			out, err = b.Redeem(market, account, value)
		} else {
			out, err = b.RedeemUnderlying(market, account, value)
		}
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]string{"market": market, "account": account.Hex()}
	if byShares {
		resp["shares"], resp["amount"] = dec(value), dec(out)
	} else {
		resp["shares"], resp["amount"] = dec(out), dec(value)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	if err := s.call(func(b Backend) error { return b.Borrow(market, account, amount) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "account": account.Hex(), "amount": dec(amount)})
}

type repayRequest struct {
	Account  string `json:"account,omitempty"`
	Borrower string `json:"borrower,omitempty"`
	Amount   string `json:"amount"`
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	borrower := payer
	if strings.TrimSpace(req.Borrower) != "" {
		if borrower, err = parseAddress(req.Borrower); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	var amount *uint256.Int
	if strings.EqualFold(strings.TrimSpace(req.Amount), "max") {
		amount = new(uint256.Int).Set(lending.RepayAll)
	} else if amount, err = parseAmount(req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	var repaid *uint256.Int
	err = s.call(func(b Backend) (err error) {
		repaid, err = b.RepayBorrowBehalf(market, payer, borrower, amount)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market":   market,
		"payer":    payer.Hex(),
		"borrower": borrower.Hex(),
		"repaid":   dec(repaid),
	})
}

type liquidateRequest struct {
	Account          string `json:"account,omitempty"`
	Borrower         string `json:"borrower"`
	Amount           string `json:"amount"`
	CollateralMarket string `json:"collateralMarket"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	liquidator, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateral := strings.TrimSpace(req.CollateralMarket)
	if collateral == "" {
		s.writeError(w, r, fmt.Errorf("%w: collateralMarket required", errInvalidRequest))
		return
	}
	market := chi.URLParam(r, "market")
	var seized *uint256.Int
	err = s.call(func(b Backend) (err error) {
		seized, err = b.Liquidate(market, liquidator, borrower, amount, collateral)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market":           market,
		"collateralMarket": collateral,
		"borrower":         borrower.Hex(),
		"repaid":           dec(amount),
		"seizedShares":     dec(seized),
	})
}

type transferRequest struct {
	Account string `json:"account,omitempty"`
	To      string `json:"to"`
	Shares  string `json:"shares"`
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	if err := s.call(func(b Backend) error { return b.Transfer(market, from, to, shares) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "from": from.Hex(), "to": to.Hex(), "shares": dec(shares)})
}

func (s *Server) addReserves(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	if err := s.call(func(b Backend) error { return b.AddReserves(market, account, amount) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeMarket(w, r, market)
}

type enterRequest struct {
	Markets []string `json:"markets"`
}

func (s *Server) enterMarkets(w http.ResponseWriter, r *http.Request) {
	var req enterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Markets) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: markets required", errInvalidRequest))
		return
	}
	if err := s.call(func(b Backend) error { return b.EnterMarkets(account, req.Markets) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account.Hex(), "entered": req.Markets})
}

type exitRequest struct {
	Market string `json:"market"`
}

func (s *Server) exitMarket(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := s.actor(r, chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.call(func(b Backend) error { return b.ExitMarket(account, req.Market) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "exited": req.Market})
}

type badDebtRequest struct {
	Borrower string `json:"borrower"`
}

func (s *Server) writeOffBadDebt(w http.ResponseWriter, r *http.Request) {
	var req badDebtRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	var written *uint256.Int
	err = s.call(func(b Backend) (err error) {
		written, err = b.WriteOffBadDebt(market, borrower)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": market, "borrower": borrower.Hex(), "writtenOff": dec(written)})
}

type pauseRequest struct {
	Action string `json:"action"`
	Paused bool   `json:"paused"`
}

func (s *Server) pauseMarket(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	market := chi.URLParam(r, "market")
	action := lending.Action(strings.ToLower(strings.TrimSpace(req.Action)))
	if err := s.call(func(b Backend) error { return b.SetMarketPaused(market, action, req.Paused) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": market, "action": action, "paused": req.Paused})
}

type globalPauseRequest struct {
	Paused *bool `json:"paused,omitempty"`
	Seize  *bool `json:"seize,omitempty"`
}

func (s *Server) pauseGlobal(w http.ResponseWriter, r *http.Request) {
	var req globalPauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Paused == nil && req.Seize == nil {
		s.writeError(w, r, fmt.Errorf("%w: paused or seize required", errInvalidRequest))
		return
	}
	if err := s.call(func(b Backend) error { return b.SetProtocolPauses(req.Paused, req.Seize) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type priceFeed struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}

type pricesRequest struct {
	Reporter string      `json:"reporter,omitempty"`
	Prices   []priceFeed `json:"prices"`
}

func (s *Server) updatePrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reporter, err := s.actor(r, req.Reporter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	feeds := make([]oracle.Feed, 0, len(req.Prices))
	for _, p := range req.Prices {
		price, err := lending.ParseWad(p.Price)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %s price: %v", errInvalidRequest, p.Asset, err))
			return
		}
		feeds = append(feeds, oracle.Feed{Asset: p.Asset, Price: price, Timestamp: p.Timestamp})
	}
	if err := s.call(func(b Backend) error { return b.UpdatePrices(reporter, feeds) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reporter": reporter.Hex(), "accepted": len(feeds)})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "asset")))
	var balance *uint256.Int
	err = s.call(func(Backend) (err error) {
		balance, err = s.funds.Balance(account, asset)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "asset": asset, "balance": dec(balance)})
}

type creditRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account, err := parseAddress(chi.URLParam(r, "account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if amount.IsZero() {
		s.writeError(w, r, lending.ErrZeroAmount)
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	var balance *uint256.Int
	err = s.call(func(Backend) error {
		if err := s.funds.Credit(account, asset, amount); err != nil {
			return err
		}
		var err error
		balance, err = s.funds.Balance(account, asset)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("account credited", "account", account.Hex(), "asset", asset, "amount", amount.Dec())
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "asset": asset, "balance": dec(balance)})
}
