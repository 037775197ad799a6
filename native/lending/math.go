package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	wad        = uint256.NewInt(1_000_000_000_000_000_000) // 1e18 precision
	maxUint256 = new(uint256.Int).SetAllOne()
	bigWad     = new(big.Int).SetUint64(1_000_000_000_000_000_000)
)

// SecondsPerYear converts annualised rates into the per-second rates consumed
// by the interest model.
const SecondsPerYear = uint64(365 * 24 * 60 * 60)

// Wad returns a copy of the 1e18 fixed-point unit.
func Wad() *uint256.Int { return new(uint256.Int).Set(wad) }

// ParseWad converts a decimal string such as "0.75" into its wad
// representation. Fractional digits beyond eighteen places are truncated.
func ParseWad(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("lending: invalid decimal %q", value)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("lending: negative decimal %q", value)
	}
	scaled := new(big.Int).Mul(r.Num(), bigWad)
	scaled.Quo(scaled, r.Denom())
	out, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func mustWad(value string) *uint256.Int {
	v, err := ParseWad(value)
	if err != nil {
		panic("invalid wad constant")
	}
	return v
}

// FormatWad renders a wad value as a decimal string with trailing zeros
// removed.
func FormatWad(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(v.ToBig(), bigWad)
	out := r.FloatString(18)
	out = strings.TrimRight(out, "0")
	return strings.TrimSuffix(out, ".")
}

func zero() *uint256.Int { return new(uint256.Int) }

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }

func add(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(clone(a), clone(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func sub(a, b *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(clone(a), clone(b))
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// subFloor subtracts b from a and clamps at zero. Used where rounding in the
// caller's favour can leave a per-account value marginally above the
// aggregate it is drawn from.
func subFloor(a, b *uint256.Int) *uint256.Int {
	if clone(a).Cmp(clone(b)) <= 0 {
		return zero()
	}
	return new(uint256.Int).Sub(a, b)
}

func mul(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(clone(a), clone(b))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if isZero(d) {
		return nil, ErrArithmeticOverflow
	}
	out, overflow := new(uint256.Int).MulDivOverflow(clone(x), clone(y), d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// mulDivUp computes ceil(x*y/d).
func mulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	out, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(clone(x), clone(y), d).IsZero() {
		return add(out, uint256.NewInt(1))
	}
	return out, nil
}

// mulDivRem returns floor((x*y + carry) / d) together with the remainder so
// callers can carry it into the next computation.
func mulDivRem(x, y, carry, d *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if isZero(d) {
		return nil, nil, ErrArithmeticOverflow
	}
	product := new(big.Int).Mul(clone(x).ToBig(), clone(y).ToBig())
	product.Add(product, clone(carry).ToBig())
	quo, rem := new(big.Int).QuoRem(product, d.ToBig(), new(big.Int))
	q, overflow := uint256.FromBig(quo)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	r, _ := uint256.FromBig(rem)
	return q, r, nil
}

func wadMul(a, b *uint256.Int) (*uint256.Int, error) { return mulDiv(a, b, wad) }

func wadMulUp(a, b *uint256.Int) (*uint256.Int, error) { return mulDivUp(a, b, wad) }

func wadDiv(a, b *uint256.Int) (*uint256.Int, error) { return mulDiv(a, wad, b) }

func wadDivUp(a, b *uint256.Int) (*uint256.Int, error) { return mulDivUp(a, wad, b) }

func minInt(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return clone(a)
	}
	return clone(b)
}
