package oracle

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var reporter = common.HexToAddress("0x0a")

func newTestOracle(cfg Config) (*FeedOracle, *uint64) {
	now := uint64(10_000)
	o := NewFeedOracle(cfg, func() uint64 { return now })
	o.AddReporter(reporter)
	return o, &now
}

func TestPriceUnavailableUntilReported(t *testing.T) {
	o, _ := newTestOracle(Config{})
	if _, err := o.Price("eth"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	accepted, err := o.UpdatePrices(reporter, []Feed{{Asset: " eth ", Price: uint256.NewInt(2000)}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Asset != "ETH" || accepted[0].Timestamp != 10_000 {
		t.Fatalf("unexpected accepted feeds: %+v", accepted)
	}
	price, err := o.Price("ETH")
	if err != nil || price.Uint64() != 2000 {
		t.Fatalf("expected 2000, got %v (%v)", price, err)
	}
	if assets := o.Assets(); len(assets) != 1 || assets[0] != "ETH" {
		t.Fatalf("unexpected assets %v", assets)
	}
}

func TestUnknownReporterRejected(t *testing.T) {
	o, _ := newTestOracle(Config{})
	stranger := common.HexToAddress("0x0b")
	if _, err := o.UpdatePrices(stranger, []Feed{{Asset: "ETH", Price: uint256.NewInt(1)}}); !errors.Is(err, ErrUnauthorizedReporter) {
		t.Fatalf("expected ErrUnauthorizedReporter, got %v", err)
	}
	o.RemoveReporter(reporter)
	if o.IsReporter(reporter) {
		t.Fatalf("reporter should be revoked")
	}
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(1)}}); !errors.Is(err, ErrUnauthorizedReporter) {
		t.Fatalf("expected revoked reporter to be rejected, got %v", err)
	}
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	o, _ := newTestOracle(Config{})
	feeds := []Feed{
		{Asset: "ETH", Price: uint256.NewInt(2000)},
		{Asset: "BTC", Price: new(uint256.Int)},
	}
	if _, err := o.UpdatePrices(reporter, feeds); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected ErrInvalidFeed, got %v", err)
	}
	if _, err := o.Price("ETH"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("rejected batch must not store any price, got %v", err)
	}
	dup := []Feed{{Asset: "ETH", Price: uint256.NewInt(1)}, {Asset: "eth", Price: uint256.NewInt(2)}}
	if _, err := o.UpdatePrices(reporter, dup); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected duplicate asset to be rejected, got %v", err)
	}
}

func TestStaleAndFutureTimestamps(t *testing.T) {
	o, now := newTestOracle(Config{MaxAge: 30})
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(5), Timestamp: *now + 1}}); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected future timestamp to be rejected, got %v", err)
	}
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(5)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(5), Timestamp: *now - 1}}); !errors.Is(err, ErrInvalidFeed) {
		t.Fatalf("expected regressing timestamp to be rejected, got %v", err)
	}
	*now += 30
	if _, err := o.Price("ETH"); err != nil {
		t.Fatalf("price at max age must be usable: %v", err)
	}
	*now++
	if _, err := o.Price("ETH"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected stale price to be unavailable, got %v", err)
	}
	if quotes := o.Quotes(); quotes["ETH"].Price.Uint64() != 5 {
		t.Fatalf("stale quote should still be listed, got %+v", quotes)
	}
}

func TestDeviationBound(t *testing.T) {
	o, now := newTestOracle(Config{MaxAge: 60, MaxDeviationBps: 1_000})
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(1000)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(1101)}}); !errors.Is(err, ErrDeviationExceeded) {
		t.Fatalf("expected deviation to be rejected, got %v", err)
	}
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(900)}}); err != nil {
		t.Fatalf("move at the bound must pass: %v", err)
	}
	*now += 61
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(5000)}}); err != nil {
		t.Fatalf("stale reference must not bound the next update: %v", err)
	}
}

func TestPausedAssetHasNoPrice(t *testing.T) {
	o, _ := newTestOracle(Config{})
	if _, err := o.UpdatePrices(reporter, []Feed{{Asset: "ETH", Price: uint256.NewInt(7)}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	o.SetPaused("eth", true)
	if _, err := o.Price("ETH"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected paused asset to be unavailable, got %v", err)
	}
	o.SetPaused("ETH", false)
	if _, err := o.Price("ETH"); err != nil {
		t.Fatalf("price after unpause: %v", err)
	}
}
