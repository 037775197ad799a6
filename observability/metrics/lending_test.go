package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"moneymarket/native/lending"
)

func TestObserveActionCountsOutcomes(t *testing.T) {
	m := NewLendingMetrics(prometheus.NewRegistry())

	m.ObserveAction("usdc", lending.ActionMint, nil, time.Millisecond)
	m.ObserveAction("usdc", lending.ActionBorrow, fmt.Errorf("wrapped: %w", lending.ErrInsufficientCollateral), time.Millisecond)
	m.ObserveAction("", lending.ActionPrices, errors.New("boom"), time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("usdc", "mint", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("usdc", "borrow", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("none", "prices", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("borrow", "insufficient_collateral")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("prices", "other")))
}

func TestObserveMarketSetsGauges(t *testing.T) {
	m := NewLendingMetrics(prometheus.NewRegistry())
	m.ObserveMarket(lending.MarketSnapshot{
		ID:                  "usdc",
		Cash:                uint256.NewInt(600),
		TotalBorrows:        uint256.NewInt(400),
		TotalReserves:       uint256.NewInt(10),
		TotalSupply:         uint256.NewInt(1000),
		ExchangeRate:        lending.Wad(),
		BorrowRatePerSecond: new(uint256.Int).Div(lending.Wad(), uint256.NewInt(20)),
	})

	require.Equal(t, 600.0, testutil.ToFloat64(m.cash.WithLabelValues("usdc")))
	require.Equal(t, 400.0, testutil.ToFloat64(m.borrows.WithLabelValues("usdc")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.exchange.WithLabelValues("usdc")))
	require.InDelta(t, 0.05, testutil.ToFloat64(m.borrowRate.WithLabelValues("usdc")), 1e-12)
	require.InDelta(t, 0.4, testutil.ToFloat64(m.utilisation.WithLabelValues("usdc")), 1e-12)
	require.Equal(t, 0.0, testutil.ToFloat64(m.supplyRate.WithLabelValues("usdc")))
}

func TestRejectReasonPrefersSpecificErrors(t *testing.T) {
	require.Equal(t, "insufficient_collateral", RejectReason(lending.ErrInsufficientCollateral))
	require.Equal(t, "unauthorized", RejectReason(lending.ErrUnauthorized))
	require.Equal(t, "paused", RejectReason(fmt.Errorf("%w: x", lending.ErrMarketPaused)))
}
