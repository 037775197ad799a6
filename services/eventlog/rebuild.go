package eventlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/holiman/uint256"

	"moneymarket/core/events"
)

const rebuildPage = 500

// MarketTotals is the ledger of one market as reported by its latest event.
type MarketTotals struct {
	Cash          *uint256.Int
	TotalBorrows  *uint256.Int
	TotalReserves *uint256.Int
	TotalSupply   *uint256.Int
	BorrowIndex   *uint256.Int
	ExchangeRate  *uint256.Int
	Timestamp     uint64
}

// Ledger is the protocol state reconstructed from the event log. Borrow
// balances are as of each account's last event and exclude interest accrued
// since.
type Ledger struct {
	Markets map[string]MarketTotals
	Shares  map[string]map[string]*uint256.Int
	Borrows map[string]map[string]*uint256.Int
	Members map[string][]string
	LastSeq uint64
}

func newLedger() *Ledger {
	return &Ledger{
		Markets: make(map[string]MarketTotals),
		Shares:  make(map[string]map[string]*uint256.Int),
		Borrows: make(map[string]map[string]*uint256.Int),
		Members: make(map[string][]string),
	}
}

// Rebuild replays the whole log in commit order.
func (l *Log) Rebuild(ctx context.Context) (*Ledger, error) {
	ledger := newLedger()
	members := make(map[string]map[string]struct{})
	var after uint64
	for {
		entries, err := l.Query(ctx, Filter{AfterSeq: after, Limit: rebuildPage})
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if err := ledger.apply(entry, members); err != nil {
				return nil, err
			}
			after = entry.Seq
		}
		if len(entries) < rebuildPage {
			break
		}
	}
	ledger.LastSeq = after
	for account, set := range members {
		list := make([]string, 0, len(set))
		for market := range set {
			list = append(list, market)
		}
		sort.Strings(list)
		ledger.Members[account] = list
	}
	return ledger, nil
}

func (l *Ledger) apply(entry Entry, members map[string]map[string]struct{}) error {
	attrs := entry.Attributes
	market := attrs["market"]
	switch entry.Type {
	case events.TypeLendingMarketEntered, events.TypeLendingMarketExited:
		account := attrs["account"]
		set := members[account]
		if set == nil {
			set = make(map[string]struct{})
			members[account] = set
		}
		if entry.Type == events.TypeLendingMarketEntered {
			set[market] = struct{}{}
		} else {
			delete(set, market)
		}
		return nil
	case events.TypeLendingPauseChanged, events.TypeOraclePriceUpdated:
		return nil
	}
	if market == "" {
		return nil
	}
	if _, ok := attrs["cash"]; ok {
		totals, err := parseTotals(attrs)
		if err != nil {
			return fmt.Errorf("eventlog: entry %d: %w", entry.Seq, err)
		}
		l.Markets[market] = totals
	}
	updates := []struct {
		target  map[string]map[string]*uint256.Int
		account string
		value   string
	}{
		{l.Shares, attrs["account"], attrs["accountShares"]},
		{l.Shares, attrs["account"], attrs["fromShares"]},
		{l.Shares, attrs["to"], attrs["toShares"]},
		{l.Shares, attrs["liquidator"], attrs["liquidatorBalance"]},
		{l.Borrows, attrs["account"], attrs["accountBorrows"]},
	}
	for _, u := range updates {
		if u.account == "" || u.value == "" {
			continue
		}
		v, err := uint256.FromDecimal(u.value)
		if err != nil {
			return fmt.Errorf("eventlog: entry %d: %w", entry.Seq, err)
		}
		byAccount := u.target[market]
		if byAccount == nil {
			byAccount = make(map[string]*uint256.Int)
			u.target[market] = byAccount
		}
		if v.IsZero() {
			delete(byAccount, u.account)
			continue
		}
		byAccount[u.account] = v
	}
	return nil
}

func parseTotals(attrs map[string]string) (MarketTotals, error) {
	var totals MarketTotals
	fields := []struct {
		key string
		dst **uint256.Int
	}{
		{"cash", &totals.Cash},
		{"totalBorrows", &totals.TotalBorrows},
		{"totalReserves", &totals.TotalReserves},
		{"totalSupply", &totals.TotalSupply},
		{"borrowIndex", &totals.BorrowIndex},
		{"exchangeRate", &totals.ExchangeRate},
	}
	for _, field := range fields {
		v, err := uint256.FromDecimal(attrs[field.key])
		if err != nil {
			return totals, fmt.Errorf("%s: %w", field.key, err)
		}
		*field.dst = v
	}
	ts, err := strconv.ParseUint(attrs["timestamp"], 10, 64)
	if err != nil {
		return totals, fmt.Errorf("timestamp: %w", err)
	}
	totals.Timestamp = ts
	return totals, nil
}
