package oracle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrPriceUnavailable indicates that no fresh price exists for an asset.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	// ErrUnauthorizedReporter is returned when an address outside the
	// reporter set pushes prices.
	ErrUnauthorizedReporter = errors.New("oracle: unauthorized reporter")
	// ErrInvalidFeed rejects malformed price updates.
	ErrInvalidFeed = errors.New("oracle: invalid feed")
	// ErrDeviationExceeded rejects updates that move too far from the last
	// fresh price in a single step.
	ErrDeviationExceeded = errors.New("oracle: price deviation exceeds bound")
)

var basisPoints = uint256.NewInt(10_000)

// Oracle resolves the price of one unit of an asset's smallest denomination
// in the common unit of account, scaled by 1e18.
type Oracle interface {
	Price(asset string) (*uint256.Int, error)
}

// Feed is a single pushed observation.
type Feed struct {
	Asset     string
	Price     *uint256.Int
	Timestamp uint64
}

// Quote is the accepted price of an asset.
type Quote struct {
	Price     *uint256.Int
	Timestamp uint64
	Reporter  common.Address
}

// Config bounds the accepted feeds.
type Config struct {
	// MaxAge is the number of seconds a quote remains usable.
	MaxAge uint64
	// MaxDeviationBps bounds the move against the previous fresh quote.
	// Zero disables the check.
	MaxDeviationBps uint64
}

// FeedOracle keeps pushed quotes in memory. Quotes are never persisted, so a
// restarted process reports every asset as unavailable until a reporter
// pushes a fresh price.
type FeedOracle struct {
	mu        sync.RWMutex
	cfg       Config
	now       func() uint64
	reporters map[common.Address]struct{}
	quotes    map[string]Quote
	paused    map[string]bool
}

// NewFeedOracle constructs an oracle that measures freshness against the
// provided clock.
func NewFeedOracle(cfg Config, now func() uint64) *FeedOracle {
	return &FeedOracle{
		cfg:       cfg,
		now:       now,
		reporters: make(map[common.Address]struct{}),
		quotes:    make(map[string]Quote),
		paused:    make(map[string]bool),
	}
}

// SetClock replaces the time source used for freshness checks.
func (o *FeedOracle) SetClock(now func() uint64) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

// AddReporter authorises addr to push prices.
func (o *FeedOracle) AddReporter(addr common.Address) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.reporters[addr] = struct{}{}
	o.mu.Unlock()
}

// RemoveReporter revokes addr.
func (o *FeedOracle) RemoveReporter(addr common.Address) {
	if o == nil {
		return
	}
	o.mu.Lock()
	delete(o.reporters, addr)
	o.mu.Unlock()
}

// IsReporter reports whether addr may push prices.
func (o *FeedOracle) IsReporter(addr common.Address) bool {
	if o == nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.reporters[addr]
	return ok
}

// SetPaused halts or resumes an asset. A paused asset has no price.
func (o *FeedOracle) SetPaused(asset string, paused bool) {
	if o == nil {
		return
	}
	asset = normalizeAsset(asset)
	o.mu.Lock()
	if paused {
		o.paused[asset] = true
	} else {
		delete(o.paused, asset)
	}
	o.mu.Unlock()
}

// UpdatePrices validates every feed before applying any of them.
func (o *FeedOracle) UpdatePrices(reporter common.Address, feeds []Feed) ([]Feed, error) {
	if o == nil {
		return nil, ErrPriceUnavailable
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.reporters[reporter]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedReporter, reporter.Hex())
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("%w: no feeds", ErrInvalidFeed)
	}
	now := o.clock()
	accepted := make([]Feed, 0, len(feeds))
	seen := make(map[string]struct{}, len(feeds))
	for _, feed := range feeds {
		asset := normalizeAsset(feed.Asset)
		if asset == "" {
			return nil, fmt.Errorf("%w: asset required", ErrInvalidFeed)
		}
		if _, dup := seen[asset]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrInvalidFeed, asset)
		}
		seen[asset] = struct{}{}
		if feed.Price == nil || feed.Price.IsZero() {
			return nil, fmt.Errorf("%w: %s price must be positive", ErrInvalidFeed, asset)
		}
		ts := feed.Timestamp
		if ts == 0 {
			ts = now
		}
		if ts > now {
			return nil, fmt.Errorf("%w: %s timestamp in the future", ErrInvalidFeed, asset)
		}
		if prev, ok := o.quotes[asset]; ok {
			if ts < prev.Timestamp {
				return nil, fmt.Errorf("%w: %s timestamp older than current quote", ErrInvalidFeed, asset)
			}
			if o.fresh(prev, now) && o.deviates(prev.Price, feed.Price) {
				return nil, fmt.Errorf("%w: %s", ErrDeviationExceeded, asset)
			}
		}
		accepted = append(accepted, Feed{Asset: asset, Price: new(uint256.Int).Set(feed.Price), Timestamp: ts})
	}
	for _, feed := range accepted {
		o.quotes[feed.Asset] = Quote{Price: feed.Price, Timestamp: feed.Timestamp, Reporter: reporter}
	}
	return accepted, nil
}

// Price implements Oracle.
func (o *FeedOracle) Price(asset string) (*uint256.Int, error) {
	if o == nil {
		return nil, ErrPriceUnavailable
	}
	asset = normalizeAsset(asset)
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.paused[asset] {
		return nil, fmt.Errorf("%w: %s paused", ErrPriceUnavailable, asset)
	}
	quote, ok := o.quotes[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset)
	}
	if !o.fresh(quote, o.clock()) {
		return nil, fmt.Errorf("%w: %s stale", ErrPriceUnavailable, asset)
	}
	return new(uint256.Int).Set(quote.Price), nil
}

// Quotes returns a copy of every stored quote, fresh or not.
func (o *FeedOracle) Quotes() map[string]Quote {
	out := make(map[string]Quote)
	if o == nil {
		return out
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for asset, quote := range o.quotes {
		out[asset] = Quote{Price: new(uint256.Int).Set(quote.Price), Timestamp: quote.Timestamp, Reporter: quote.Reporter}
	}
	return out
}

// Assets lists assets with a stored quote in lexical order.
func (o *FeedOracle) Assets() []string {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	assets := make([]string, 0, len(o.quotes))
	for asset := range o.quotes {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

func (o *FeedOracle) clock() uint64 {
	if o.now == nil {
		return 0
	}
	return o.now()
}

func (o *FeedOracle) fresh(q Quote, now uint64) bool {
	if o.cfg.MaxAge == 0 {
		return true
	}
	if now < q.Timestamp {
		return true
	}
	return now-q.Timestamp <= o.cfg.MaxAge
}

func (o *FeedOracle) deviates(prev, next *uint256.Int) bool {
	if o.cfg.MaxDeviationBps == 0 || prev == nil || prev.IsZero() {
		return false
	}
	diff := new(uint256.Int)
	if next.Gt(prev) {
		diff.Sub(next, prev)
	} else {
		diff.Sub(prev, next)
	}
	lhs, overflow := new(uint256.Int).MulOverflow(diff, basisPoints)
	if overflow {
		return true
	}
	rhs, overflow := new(uint256.Int).MulOverflow(prev, uint256.NewInt(o.cfg.MaxDeviationBps))
	if overflow {
		return false
	}
	return lhs.Gt(rhs)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
