package lending

import (
	"errors"
	"testing"
)

func TestMarketParamsDefinition(t *testing.T) {
	params := MarketParams{
		ID:               " usdc ",
		Underlying:       "usdc",
		ReserveFactor:    "0.1",
		CollateralFactor: "0.8",
		BorrowCap:        "1000000",
		Interest: InterestParams{
			BaseRate: "0.031536",
			Slope1:   "0.031536",
			Slope2:   "0.31536",
		},
	}
	def, err := params.Definition()
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if def.ID != "usdc" || def.Underlying != "USDC" {
		t.Fatalf("unexpected identity: %q %q", def.ID, def.Underlying)
	}
	if !def.Config.CloseFactor.Eq(mustWad("0.5")) || !def.Config.LiquidationIncentive.Eq(mustWad("1.08")) {
		t.Fatalf("expected protocol defaults, got close=%s incentive=%s", FormatWad(def.Config.CloseFactor), FormatWad(def.Config.LiquidationIncentive))
	}
	if def.Config.BorrowCap.Uint64() != 1_000_000 {
		t.Fatalf("unexpected borrow cap %s", def.Config.BorrowCap.Dec())
	}
	if !def.InitialExchangeRate.Eq(Wad()) {
		t.Fatalf("expected initial exchange rate of 1, got %s", FormatWad(def.InitialExchangeRate))
	}
	if def.Model.BaseRate.Uint64() != 1_000_000_000 || !def.Model.Kink.Eq(mustWad("0.8")) {
		t.Fatalf("unexpected model: base=%s kink=%s", def.Model.BaseRate.Dec(), FormatWad(def.Model.Kink))
	}
}

func TestMarketParamsRejectsOutOfBounds(t *testing.T) {
	base := MarketParams{ID: "eth", Underlying: "ETH"}
	cases := map[string]func(p *MarketParams){
		"collateral factor":     func(p *MarketParams) { p.CollateralFactor = "0.95" },
		"close factor":          func(p *MarketParams) { p.CloseFactor = "0.1" },
		"liquidation incentive": func(p *MarketParams) { p.LiquidationIncentive = "1.0" },
		"reserve factor":        func(p *MarketParams) { p.ReserveFactor = "1" },
		"borrow cap":            func(p *MarketParams) { p.BorrowCap = "lots" },
		"missing id":            func(p *MarketParams) { p.ID = "" },
	}
	for name, mutate := range cases {
		p := base
		mutate(&p)
		if _, err := p.Definition(); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("%s: expected ErrInvalidParameter, got %v", name, err)
		}
	}
}
