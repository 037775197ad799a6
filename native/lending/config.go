package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MarketParams is the human-readable listing of a market as it appears in
// daemon configuration. Rates and factors are decimal strings; caps and
// minimums are integers in the underlying's smallest unit.
type MarketParams struct {
	ID                   string         `toml:"ID" yaml:"id"`
	Underlying           string         `toml:"Underlying" yaml:"underlying"`
	ReserveFactor        string         `toml:"ReserveFactor" yaml:"reserve_factor"`
	InitialExchangeRate  string         `toml:"InitialExchangeRate" yaml:"initial_exchange_rate"`
	CollateralFactor     string         `toml:"CollateralFactor" yaml:"collateral_factor"`
	CloseFactor          string         `toml:"CloseFactor" yaml:"close_factor"`
	LiquidationIncentive string         `toml:"LiquidationIncentive" yaml:"liquidation_incentive"`
	ProtocolSeizeShare   string         `toml:"ProtocolSeizeShare" yaml:"protocol_seize_share"`
	BorrowCap            string         `toml:"BorrowCap" yaml:"borrow_cap"`
	SupplyCap            string         `toml:"SupplyCap" yaml:"supply_cap"`
	MinSeizeShares       string         `toml:"MinSeizeShares" yaml:"min_seize_shares"`
	Interest             InterestParams `toml:"Interest" yaml:"interest"`
}

// InterestParams configures the kinked curve with annual decimal rates.
type InterestParams struct {
	BaseRate string `toml:"BaseRate" yaml:"base_rate"`
	Slope1   string `toml:"Slope1" yaml:"slope1"`
	Slope2   string `toml:"Slope2" yaml:"slope2"`
	Kink     string `toml:"Kink" yaml:"kink"`
	MaxRate  string `toml:"MaxRate" yaml:"max_rate"`
}

// MarketDefinition is everything needed to list or re-attach a market.
type MarketDefinition struct {
	ID                  string
	Underlying          string
	ReserveFactor       *uint256.Int
	InitialExchangeRate *uint256.Int
	Model               *InterestModel
	Config              MarketConfig
}

// EnsureDefaults fills optional parameters with protocol defaults.
func (p *MarketParams) EnsureDefaults() {
	if p == nil {
		return
	}
	p.ID = strings.TrimSpace(p.ID)
	p.Underlying = strings.ToUpper(strings.TrimSpace(p.Underlying))
	if strings.TrimSpace(p.InitialExchangeRate) == "" {
		p.InitialExchangeRate = "1"
	}
	if strings.TrimSpace(p.CloseFactor) == "" {
		p.CloseFactor = "0.5"
	}
	if strings.TrimSpace(p.LiquidationIncentive) == "" {
		p.LiquidationIncentive = "1.08"
	}
	if strings.TrimSpace(p.Interest.Kink) == "" {
		p.Interest.Kink = "0.8"
	}
}

// Definition parses the decimal parameters.
func (p MarketParams) Definition() (MarketDefinition, error) {
	p.EnsureDefaults()
	if p.ID == "" || p.Underlying == "" {
		return MarketDefinition{}, fmt.Errorf("%w: market id and underlying required", ErrInvalidParameter)
	}
	wads := make(map[string]*uint256.Int)
	for name, raw := range map[string]string{
		"reserve factor":        p.ReserveFactor,
		"initial exchange rate": p.InitialExchangeRate,
		"collateral factor":     p.CollateralFactor,
		"close factor":          p.CloseFactor,
		"liquidation incentive": p.LiquidationIncentive,
		"protocol seize share":  p.ProtocolSeizeShare,
	} {
		v, err := ParseWad(raw)
		if err != nil {
			return MarketDefinition{}, fmt.Errorf("%s %s: %w", p.ID, name, err)
		}
		wads[name] = v
	}
	ints := make(map[string]*uint256.Int)
	for name, raw := range map[string]string{
		"borrow cap":       p.BorrowCap,
		"supply cap":       p.SupplyCap,
		"min seize shares": p.MinSeizeShares,
	} {
		v, err := parseAmount(raw)
		if err != nil {
			return MarketDefinition{}, fmt.Errorf("%s %s: %w", p.ID, name, err)
		}
		ints[name] = v
	}
	model, err := NewAnnualInterestModel(p.Interest.BaseRate, p.Interest.Slope1, p.Interest.Slope2, p.Interest.Kink, p.Interest.MaxRate)
	if err != nil {
		return MarketDefinition{}, fmt.Errorf("%s interest: %w", p.ID, err)
	}
	def := MarketDefinition{
		ID:                  p.ID,
		Underlying:          p.Underlying,
		ReserveFactor:       wads["reserve factor"],
		InitialExchangeRate: wads["initial exchange rate"],
		Model:               model,
		Config: MarketConfig{
			CollateralFactor:     wads["collateral factor"],
			CloseFactor:          wads["close factor"],
			LiquidationIncentive: wads["liquidation incentive"],
			ProtocolSeizeShare:   wads["protocol seize share"],
			BorrowCap:            ints["borrow cap"],
			SupplyCap:            ints["supply cap"],
			MinSeizeShares:       ints["min seize shares"],
		},
	}
	if err := def.Validate(); err != nil {
		return MarketDefinition{}, err
	}
	return def, nil
}

// Validate checks the ledger parameters and the risk configuration.
func (d MarketDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Underlying) == "" {
		return fmt.Errorf("%w: market id and underlying required", ErrInvalidParameter)
	}
	if !clone(d.ReserveFactor).Lt(wad) {
		return fmt.Errorf("%w: %s reserve factor must be below 1", ErrInvalidParameter, d.ID)
	}
	if isZero(d.InitialExchangeRate) {
		return fmt.Errorf("%w: %s initial exchange rate must be positive", ErrInvalidParameter, d.ID)
	}
	if err := d.Model.Validate(); err != nil {
		return err
	}
	cfg := d.Config.Clone()
	cfg.ensureDefaults()
	return cfg.Validate()
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return zero(), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidParameter, raw)
	}
	return v, nil
}

// ParseAmount converts a base-10 integer string into an amount.
func ParseAmount(raw string) (*uint256.Int, error) {
	return parseAmount(raw)
}
