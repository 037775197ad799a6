package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InterestModel is a kinked utilisation curve. All rates are per second in
// wad precision.
type InterestModel struct {
	// BaseRate is the borrow rate applied when utilisation is zero.
	BaseRate *uint256.Int
	// Slope1 is the borrow rate increase per unit of utilisation up to the
	// kink point.
	Slope1 *uint256.Int
	// Slope2 governs the additional increase applied above the kink.
	Slope2 *uint256.Int
	// Kink is the utilisation where the slope changes.
	Kink *uint256.Int
	// MaxRate caps the borrow rate. Zero disables the cap.
	MaxRate *uint256.Int
}

// NewInterestModel constructs a model from per-second wad parameters.
func NewInterestModel(base, slope1, slope2, kink, maxRate *uint256.Int) (*InterestModel, error) {
	model := &InterestModel{
		BaseRate: clone(base),
		Slope1:   clone(slope1),
		Slope2:   clone(slope2),
		Kink:     clone(kink),
		MaxRate:  clone(maxRate),
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// NewAnnualInterestModel constructs a model from annual decimal inputs, e.g.
// a 2% base rate is "0.02" and an 80% kink is "0.8". Annual rates are
// divided by SecondsPerYear.
func NewAnnualInterestModel(base, slope1, slope2, kink, maxRate string) (*InterestModel, error) {
	values := make([]*uint256.Int, 0, 5)
	for _, raw := range []string{base, slope1, slope2, maxRate} {
		v, err := ParseWad(raw)
		if err != nil {
			return nil, err
		}
		values = append(values, new(uint256.Int).Div(v, uint256.NewInt(SecondsPerYear)))
	}
	k, err := ParseWad(kink)
	if err != nil {
		return nil, err
	}
	return NewInterestModel(values[0], values[1], values[2], k, values[3])
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: clone(m.BaseRate),
		Slope1:   clone(m.Slope1),
		Slope2:   clone(m.Slope2),
		Kink:     clone(m.Kink),
		MaxRate:  clone(m.MaxRate),
	}
}

// Validate checks the curve is well formed.
func (m *InterestModel) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: interest model required", ErrInvalidParameter)
	}
	if !clone(m.Kink).Lt(wad) {
		return fmt.Errorf("%w: kink must be below 1", ErrInvalidParameter)
	}
	if clone(m.Slope2).Lt(clone(m.Slope1)) {
		return fmt.Errorf("%w: slope above kink must not be below slope1", ErrInvalidParameter)
	}
	if !isZero(m.MaxRate) {
		top, err := m.borrowRate(Wad())
		if err != nil {
			return err
		}
		if m.MaxRate.Lt(top) {
			return fmt.Errorf("%w: max rate below rate at full utilisation", ErrInvalidParameter)
		}
	}
	return nil
}

// Utilisation computes totalBorrows / (cash + totalBorrows) in wad. When
// nothing is borrowed the utilisation is zero.
func (m *InterestModel) Utilisation(cash, totalBorrows *uint256.Int) (*uint256.Int, error) {
	if isZero(totalBorrows) {
		return zero(), nil
	}
	denominator, err := add(cash, totalBorrows)
	if err != nil {
		return nil, err
	}
	return wadDiv(totalBorrows, denominator)
}

// Rates returns the per-second borrow and supply rates for the given market
// totals. Reserves are held in cash, so they do not change utilisation.
func (m *InterestModel) Rates(cash, totalBorrows, totalReserves, reserveFactor *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	_ = totalReserves
	u, err := m.Utilisation(cash, totalBorrows)
	if err != nil {
		return nil, nil, err
	}
	borrowRate, err := m.borrowRate(u)
	if err != nil {
		return nil, nil, err
	}
	if !isZero(m.MaxRate) && borrowRate.Gt(m.MaxRate) {
		borrowRate = clone(m.MaxRate)
	}
	keep, err := sub(wad, reserveFactor)
	if err != nil {
		return nil, nil, err
	}
	supplyRate, err := wadMul(borrowRate, u)
	if err != nil {
		return nil, nil, err
	}
	supplyRate, err = wadMul(supplyRate, keep)
	if err != nil {
		return nil, nil, err
	}
	return borrowRate, supplyRate, nil
}

func (m *InterestModel) borrowRate(u *uint256.Int) (*uint256.Int, error) {
	kink := clone(m.Kink)
	if u.Cmp(kink) <= 0 {
		linear, err := wadMul(m.Slope1, u)
		if err != nil {
			return nil, err
		}
		return add(m.BaseRate, linear)
	}
	atKink, err := wadMul(m.Slope1, kink)
	if err != nil {
		return nil, err
	}
	excess, err := wadMul(m.Slope2, new(uint256.Int).Sub(u, kink))
	if err != nil {
		return nil, err
	}
	rate, err := add(m.BaseRate, atKink)
	if err != nil {
		return nil, err
	}
	return add(rate, excess)
}
