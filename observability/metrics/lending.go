package metrics

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"moneymarket/native/lending"
)

// LendingMetrics records engine activity and market totals.
type LendingMetrics struct {
	actions     *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cash        *prometheus.GaugeVec
	borrows     *prometheus.GaugeVec
	reserves    *prometheus.GaugeVec
	supply      *prometheus.GaugeVec
	exchange    *prometheus.GaugeVec
	borrowRate  *prometheus.GaugeVec
	supplyRate  *prometheus.GaugeVec
	utilisation *prometheus.GaugeVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics

	_ lending.MetricsRecorder = (*LendingMetrics)(nil)
)

// Lending returns the process-wide registry bound to the default Prometheus
// registerer.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = NewLendingMetrics(prometheus.DefaultRegisterer)
	})
	return lendingRegistry
}

// NewLendingMetrics builds the collectors and registers them with reg.
func NewLendingMetrics(reg prometheus.Registerer) *LendingMetrics {
	marketGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moneymarket",
			Subsystem: "market",
			Name:      name,
			Help:      help,
		}, []string{"market"})
	}
	m := &LendingMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Lending actions segmented by market, action and outcome.",
		}, []string{"market", "action", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "engine",
			Name:      "rejections_total",
			Help:      "Rejected lending actions segmented by reason.",
		}, []string{"action", "reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moneymarket",
			Subsystem: "engine",
			Name:      "action_duration_seconds",
			Help:      "Latency distribution of lending actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		cash:        marketGauge("cash", "Underlying held by the market."),
		borrows:     marketGauge("total_borrows", "Outstanding borrows including accrued interest."),
		reserves:    marketGauge("total_reserves", "Protocol reserves."),
		supply:      marketGauge("total_supply", "Outstanding supply shares."),
		exchange:    marketGauge("exchange_rate", "Underlying per share."),
		borrowRate:  marketGauge("borrow_rate_per_second", "Current per-second borrow rate."),
		supplyRate:  marketGauge("supply_rate_per_second", "Current per-second supply rate."),
		utilisation: marketGauge("utilisation", "Borrows over cash plus borrows."),
	}
	if reg != nil {
		reg.MustRegister(
			m.actions,
			m.rejections,
			m.latency,
			m.cash,
			m.borrows,
			m.reserves,
			m.supply,
			m.exchange,
			m.borrowRate,
			m.supplyRate,
			m.utilisation,
		)
	}
	return m
}

// ObserveAction implements lending.MetricsRecorder.
func (m *LendingMetrics) ObserveAction(market string, action lending.Action, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if market == "" {
		market = "none"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.rejections.WithLabelValues(string(action), RejectReason(err)).Inc()
	}
	m.actions.WithLabelValues(market, string(action), outcome).Inc()
	m.latency.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

// ObserveMarket implements lending.MetricsRecorder.
func (m *LendingMetrics) ObserveMarket(snap lending.MarketSnapshot) {
	if m == nil || snap.ID == "" {
		return
	}
	m.cash.WithLabelValues(snap.ID).Set(amountToFloat(snap.Cash))
	m.borrows.WithLabelValues(snap.ID).Set(amountToFloat(snap.TotalBorrows))
	m.reserves.WithLabelValues(snap.ID).Set(amountToFloat(snap.TotalReserves))
	m.supply.WithLabelValues(snap.ID).Set(amountToFloat(snap.TotalSupply))
	m.exchange.WithLabelValues(snap.ID).Set(wadToFloat(snap.ExchangeRate))
	m.borrowRate.WithLabelValues(snap.ID).Set(wadToFloat(snap.BorrowRatePerSecond))
	m.supplyRate.WithLabelValues(snap.ID).Set(wadToFloat(snap.SupplyRatePerSecond))
	total := amountToFloat(snap.Cash) + amountToFloat(snap.TotalBorrows)
	if total > 0 {
		m.utilisation.WithLabelValues(snap.ID).Set(amountToFloat(snap.TotalBorrows) / total)
	} else {
		m.utilisation.WithLabelValues(snap.ID).Set(0)
	}
}

var rejectReasons = []struct {
	err    error
	reason string
}{
	{lending.ErrMarketPaused, "paused"},
	{lending.ErrPriceUnavailable, "price_unavailable"},
	{lending.ErrInsufficientCollateral, "insufficient_collateral"},
	{lending.ErrInsufficientLiquidity, "insufficient_liquidity"},
	{lending.ErrInsufficientBalance, "insufficient_balance"},
	{lending.ErrInsufficientShortfall, "no_shortfall"},
	{lending.ErrExcessiveRepay, "excessive_repay"},
	{lending.ErrBorrowCapExceeded, "borrow_cap"},
	{lending.ErrSupplyCapExceeded, "supply_cap"},
	{lending.ErrUnauthorized, "unauthorized"},
	{lending.ErrReentrant, "reentrant"},
	{lending.ErrZeroAmount, "zero_amount"},
	{lending.ErrMarketNotListed, "not_listed"},
	{lending.ErrArithmeticOverflow, "overflow"},
}

// RejectReason maps an engine error onto a stable, low-cardinality label.
func RejectReason(err error) string {
	for _, candidate := range rejectReasons {
		if errors.Is(err, candidate.err) {
			return candidate.reason
		}
	}
	return "other"
}

var wadFloat = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func amountToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}

func wadToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), wadFloat).Float64()
	return f
}
