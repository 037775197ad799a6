package eventlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"moneymarket/core/events"
	"moneymarket/core/state"
	"moneymarket/native/bank"
	"moneymarket/native/lending"
	"moneymarket/native/oracle"
	"moneymarket/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	log, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestDialectorSelectsDriver(t *testing.T) {
	_, err := Dialector(" ")
	require.ErrorIs(t, err, ErrDSNRequired)

	d, err := Dialector("postgres://user:pw@localhost:5432/lending")
	require.NoError(t, err)
	require.IsType(t, &postgres.Dialector{}, d)

	d, err = Dialector("host=localhost user=lending dbname=lending")
	require.NoError(t, err)
	require.IsType(t, &postgres.Dialector{}, d)

	d, err = Dialector("events.db")
	require.NoError(t, err)
	require.IsType(t, &sqlite.Dialector{}, d)
}

func TestAppendAndQuery(t *testing.T) {
	log := newTestLog(t)
	ctx := context.Background()
	alice := common.HexToAddress("0xa1")

	log.Emit(events.LendingMembership{Market: "usdc", Account: alice, Entered: true})
	log.Emit(events.LendingPauseChanged{Market: "eth", Action: "borrow", Paused: true})
	log.Emit(events.LendingMembership{Market: "eth", Account: alice, Entered: true})

	all, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Less(t, all[0].Seq, all[1].Seq)
	require.Equal(t, events.TypeLendingMarketEntered, all[0].Type)
	require.Equal(t, alice.Hex(), all[0].Account)
	require.NotEmpty(t, all[0].ID)

	byMarket, err := log.Query(ctx, Filter{Market: "eth"})
	require.NoError(t, err)
	require.Len(t, byMarket, 2)

	paged, err := log.Query(ctx, Filter{AfterSeq: all[0].Seq, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, events.TypeLendingPauseChanged, paged[0].Type)
	require.Equal(t, "true", paged[0].Attributes["paused"])
}

func TestRebuildMatchesEngineState(t *testing.T) {
	log := newTestLog(t)
	now := uint64(1_000)
	clock := func() uint64 { return now }

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	ledger := bank.NewLedger(mgr)
	prices := oracle.NewFeedOracle(oracle.Config{MaxAge: 3600}, clock)
	reporter := common.HexToAddress("0xfeed")
	prices.AddReporter(reporter)

	engine := lending.NewEngine(mgr, ledger, prices)
	engine.SetClock(clock)
	engine.SetEmitter(log)

	def, err := lending.MarketParams{
		ID:               "tkn",
		Underlying:       "TKN",
		ReserveFactor:    "0.1",
		CollateralFactor: "0.5",
		Interest:         lending.InterestParams{BaseRate: "0.1", Slope1: "0.2", Slope2: "1"},
	}.Definition()
	require.NoError(t, err)
	require.NoError(t, engine.RegisterMarket(def))
	require.NoError(t, engine.UpdatePrices(reporter, []oracle.Feed{{Asset: "TKN", Price: lending.Wad()}}))

	alice := common.HexToAddress("0xa1")
	bob := common.HexToAddress("0xb0")
	require.NoError(t, ledger.Credit(alice, "TKN", uint256.NewInt(1_000_000)))
	require.NoError(t, ledger.Credit(bob, "TKN", uint256.NewInt(1_000_000)))

	_, err = engine.Mint("tkn", alice, uint256.NewInt(500_000))
	require.NoError(t, err)
	require.NoError(t, engine.EnterMarkets(bob, []string{"tkn"}))
	_, err = engine.Mint("tkn", bob, uint256.NewInt(200_000))
	require.NoError(t, err)
	require.NoError(t, engine.Borrow("tkn", bob, uint256.NewInt(50_000)))
	now += 86_400
	require.NoError(t, engine.Transfer("tkn", alice, bob, uint256.NewInt(1_000)))

	rebuilt, err := log.Rebuild(context.Background())
	require.NoError(t, err)

	snap, err := engine.MarketSnapshot("tkn")
	require.NoError(t, err)
	totals, ok := rebuilt.Markets["tkn"]
	require.True(t, ok)
	require.Equal(t, snap.Cash, totals.Cash)
	require.Equal(t, snap.TotalBorrows, totals.TotalBorrows)
	require.Equal(t, snap.TotalReserves, totals.TotalReserves)
	require.Equal(t, snap.TotalSupply, totals.TotalSupply)
	require.Equal(t, snap.BorrowIndex, totals.BorrowIndex)
	require.Equal(t, snap.AccrualTimestamp, totals.Timestamp)

	positions, err := engine.Positions(alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, positions[0].Shares, rebuilt.Shares["tkn"][alice.Hex()])
	require.Equal(t, uint64(201_000), rebuilt.Shares["tkn"][bob.Hex()].Uint64())
	require.Equal(t, uint64(50_000), rebuilt.Borrows["tkn"][bob.Hex()].Uint64())
	require.Equal(t, []string{"tkn"}, rebuilt.Members[bob.Hex()])
	require.NotZero(t, rebuilt.LastSeq)
}
