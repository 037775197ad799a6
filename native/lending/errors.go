package lending

import (
	"errors"
	"fmt"

	"moneymarket/native/common"
	"moneymarket/native/oracle"
)

var (
	ErrZeroAmount            = errors.New("lending: amount must be positive")
	ErrMarketNotListed       = errors.New("lending: market not listed")
	ErrMarketAlreadyListed   = errors.New("lending: market already listed")
	ErrMarketPaused          = errors.New("lending: action paused")
	ErrBorrowCapExceeded     = errors.New("lending: borrow cap exceeded")
	ErrSupplyCapExceeded     = errors.New("lending: supply cap exceeded")
	ErrInsufficientLiquidity = errors.New("lending: insufficient market cash")
	ErrInsufficientBalance   = errors.New("lending: insufficient share balance")
	ErrUnauthorized          = errors.New("lending: unauthorized")
	ErrInsufficientShortfall = errors.New("lending: account has no shortfall")
	ErrExcessiveRepay        = errors.New("lending: repay amount too large")
	ErrArithmeticOverflow    = errors.New("lending: arithmetic overflow")
	ErrTooManyMarkets        = errors.New("lending: too many entered markets")
	ErrSelfLiquidation       = errors.New("lending: liquidator is borrower")
	ErrNoBadDebt             = errors.New("lending: account has no realisable bad debt")
	ErrInvalidParameter      = errors.New("lending: invalid parameter")
	ErrEngineNotConfigured   = errors.New("lending: engine not configured")

	// ErrInsufficientCollateral is a controller rejection and therefore
	// also matches ErrUnauthorized.
	ErrInsufficientCollateral = fmt.Errorf("%w: insufficient collateral", ErrUnauthorized)

	// ErrPriceUnavailable is returned whenever a required oracle price is
	// missing or stale.
	ErrPriceUnavailable = oracle.ErrPriceUnavailable

	// ErrReentrant is returned when an action is started while another one
	// is still executing.
	ErrReentrant = common.ErrReentrant
)
