package server

import (
	"errors"
	"net/http"

	"moneymarket/native/bank"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/lending"
	"moneymarket/native/oracle"
)

var errInvalidRequest = errors.New("invalid request")

type apiError struct {
	status  int
	code    string
	message string
}

// errorTable is ordered: wrapped sentinels must precede the errors they wrap.
var errorTable = []struct {
	err error
	api apiError
}{
	{errInvalidRequest, apiError{http.StatusBadRequest, "invalid_request", ""}},
	{lending.ErrZeroAmount, apiError{http.StatusBadRequest, "zero_amount", ""}},
	{lending.ErrInvalidParameter, apiError{http.StatusBadRequest, "invalid_parameter", ""}},
	{oracle.ErrInvalidFeed, apiError{http.StatusBadRequest, "invalid_feed", ""}},
	{bank.ErrInvalidAsset, apiError{http.StatusBadRequest, "invalid_asset", ""}},
	{lending.ErrMarketNotListed, apiError{http.StatusNotFound, "market_not_listed", ""}},
	{lending.ErrMarketAlreadyListed, apiError{http.StatusConflict, "market_already_listed", ""}},
	{lending.ErrMarketPaused, apiError{http.StatusServiceUnavailable, "paused", ""}},
	{nativecommon.ErrModulePaused, apiError{http.StatusServiceUnavailable, "paused", ""}},
	{lending.ErrPriceUnavailable, apiError{http.StatusServiceUnavailable, "price_unavailable", ""}},
	{lending.ErrInsufficientCollateral, apiError{http.StatusUnprocessableEntity, "insufficient_collateral", ""}},
	{lending.ErrSelfLiquidation, apiError{http.StatusForbidden, "self_liquidation", ""}},
	{lending.ErrUnauthorized, apiError{http.StatusForbidden, "unauthorized", ""}},
	{lending.ErrInsufficientLiquidity, apiError{http.StatusUnprocessableEntity, "insufficient_liquidity", ""}},
	{lending.ErrInsufficientBalance, apiError{http.StatusUnprocessableEntity, "insufficient_balance", ""}},
	{bank.ErrInsufficientFunds, apiError{http.StatusUnprocessableEntity, "insufficient_funds", ""}},
	{lending.ErrInsufficientShortfall, apiError{http.StatusUnprocessableEntity, "no_shortfall", ""}},
	{lending.ErrExcessiveRepay, apiError{http.StatusUnprocessableEntity, "excessive_repay", ""}},
	{lending.ErrBorrowCapExceeded, apiError{http.StatusUnprocessableEntity, "borrow_cap_exceeded", ""}},
	{lending.ErrSupplyCapExceeded, apiError{http.StatusUnprocessableEntity, "supply_cap_exceeded", ""}},
	{lending.ErrTooManyMarkets, apiError{http.StatusUnprocessableEntity, "too_many_markets", ""}},
	{lending.ErrNoBadDebt, apiError{http.StatusUnprocessableEntity, "no_bad_debt", ""}},
	{oracle.ErrDeviationExceeded, apiError{http.StatusUnprocessableEntity, "price_deviation", ""}},
}

// toAPIError maps engine errors onto HTTP responses. Unknown errors are
// reported as internal without leaking their text.
func toAPIError(err error) apiError {
	for _, entry := range errorTable {
		if errors.Is(err, entry.err) {
			api := entry.api
			api.message = err.Error()
			return api
		}
	}
	return apiError{status: http.StatusInternalServerError, code: "internal", message: "internal error"}
}
