package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"moneymarket/core/state"
	"moneymarket/native/bank"
	"moneymarket/native/lending"
	"moneymarket/native/oracle"
	"moneymarket/services/eventlog"
	"moneymarket/services/lendingd/middleware"
	"moneymarket/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	reporter = common.HexToAddress("0x00000000000000000000000000000000000000fe")
)

type fixture struct {
	handler http.Handler
	engine  *lending.Engine
	ledger  *bank.Ledger
	events  *eventlog.Log
}

func newFixture(t *testing.T, auth *middleware.Authenticator) *fixture {
	t.Helper()
	now := uint64(1_700_000_000)
	clock := func() uint64 { return now }

	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	ledger := bank.NewLedger(mgr)
	prices := oracle.NewFeedOracle(oracle.Config{MaxAge: 3600}, clock)
	prices.AddReporter(reporter)

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	log, err := eventlog.New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	engine := lending.NewEngine(mgr, ledger, prices)
	engine.SetClock(clock)
	engine.SetEmitter(log)
	for _, params := range []lending.MarketParams{
		{ID: "usdc", Underlying: "USDC", CollateralFactor: "0.8"},
		{ID: "eth", Underlying: "ETH", CollateralFactor: "0.75"},
	} {
		def, err := params.Definition()
		require.NoError(t, err)
		require.NoError(t, engine.RegisterMarket(def))
	}
	require.NoError(t, ledger.Credit(alice, "USDC", uint256.NewInt(10_000)))
	require.NoError(t, ledger.Credit(bob, "ETH", uint256.NewInt(10_000)))

	srv, err := New(Config{Backend: engine, Auth: auth, Events: log, Funds: ledger})
	require.NoError(t, err)
	return &fixture{handler: srv.Routes(), engine: engine, ledger: ledger, events: log}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	out := map[string]interface{}{}
	if res.Body.Len() > 0 && res.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	}
	return res.Code, out
}

func errorCode(body map[string]interface{}) string {
	detail, _ := body["error"].(map[string]interface{})
	code, _ := detail["code"].(string)
	return code
}

func TestLendingFlowOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": alice.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000", body["shares"])

	status, body = f.do(t, http.MethodPost, "/v1/accounts/"+bob.Hex()+"/enter", "", map[string][]string{"markets": {"eth"}})
	require.Equal(t, http.StatusOK, status, body)
	status, body = f.do(t, http.MethodPost, "/v1/markets/eth/mint", "", map[string]string{"account": bob.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/borrow", "", map[string]string{"account": bob.Hex(), "amount": "100"})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "price_unavailable", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/oracle/prices", "", map[string]interface{}{
		"reporter": reporter.Hex(),
		"prices":   []map[string]string{{"asset": "USDC", "price": "1"}, {"asset": "ETH", "price": "2"}},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/borrow", "", map[string]string{"account": bob.Hex(), "amount": "1501"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_collateral", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/borrow", "", map[string]string{"account": bob.Hex(), "amount": "500"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = f.do(t, http.MethodGet, "/v1/accounts/"+bob.Hex(), "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1500", body["collateral"])
	require.Equal(t, "500", body["borrows"])
	require.Len(t, body["positions"], 2)

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/repay", "", map[string]string{"account": bob.Hex(), "amount": "max"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "500", body["repaid"])

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/redeem", "", map[string]string{"account": alice.Hex(), "shares": "400"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "400", body["amount"])

	status, body = f.do(t, http.MethodGet, "/v1/markets/usdc", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "600", body["cash"])
	require.Equal(t, "1", body["exchangeRate"])

	status, body = f.do(t, http.MethodGet, "/v1/events?market=usdc&type=lending.borrowed", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Len(t, body["events"], 1)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/v1/markets/nope/mint", "", map[string]string{"account": alice.Hex(), "amount": "1"})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "market_not_listed", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"amount": "1"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_request", errorCode(body))

	status, _ = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": alice.Hex(), "amount": "-5"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": alice.Hex(), "amount": "1", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": alice.Hex(), "amount": "0"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "zero_amount", errorCode(body))

	status, _ = f.do(t, http.MethodPost, "/v1/markets/usdc/redeem", "", map[string]string{"account": alice.Hex(), "shares": "1", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/v1/pause", "", map[string]bool{"paused": true})
	require.Equal(t, http.StatusOK, status, body)
	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": alice.Hex(), "amount": "1"})
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "paused", errorCode(body))

	status, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func token(t *testing.T, subject common.Address, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject.Hex(),
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticatedRequestsActForSubject(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	f := newFixture(t, auth)

	status, _ := f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"amount": "10"})
	require.Equal(t, http.StatusUnauthorized, status)

	aliceToken := token(t, alice, middleware.ScopeWrite)
	status, body := f.do(t, http.MethodPost, "/v1/markets/usdc/mint", aliceToken, map[string]string{"amount": "10"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, alice.Hex(), body["account"])

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", aliceToken, map[string]string{"account": bob.Hex(), "amount": "10"})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "unauthorized", errorCode(body))

	status, _ = f.do(t, http.MethodPost, "/v1/pause", aliceToken, map[string]bool{"paused": true})
	require.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, http.MethodPost, "/v1/oracle/prices", aliceToken, map[string]interface{}{
		"prices": []map[string]string{{"asset": "USDC", "price": "1"}},
	})
	require.Equal(t, http.StatusForbidden, status)

	status, body = f.do(t, http.MethodPost, "/v1/oracle/prices", token(t, alice, middleware.ScopeReport), map[string]interface{}{
		"prices": []map[string]string{{"asset": "USDC", "price": "1"}},
	})
	require.Equal(t, http.StatusForbidden, status, "alice is not an oracle reporter")
	require.Equal(t, "unauthorized", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/oracle/prices", token(t, reporter, middleware.ScopeReport), map[string]interface{}{
		"prices": []map[string]string{{"asset": "USDC", "price": "1"}},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = f.do(t, http.MethodGet, "/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{lending.ErrInsufficientCollateral, http.StatusUnprocessableEntity, "insufficient_collateral"},
		{fmt.Errorf("wrap: %w", lending.ErrUnauthorized), http.StatusForbidden, "unauthorized"},
		{lending.ErrPriceUnavailable, http.StatusServiceUnavailable, "price_unavailable"},
		{bank.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
		{lending.ErrReentrant, http.StatusInternalServerError, "internal"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		api := toAPIError(tc.err)
		require.Equal(t, tc.status, api.status, tc.err.Error())
		require.Equal(t, tc.code, api.code, tc.err.Error())
	}
	require.Equal(t, "internal error", toAPIError(errors.New("secret detail")).message)
}

func TestAdminCreditFundsAccount(t *testing.T) {
	carol := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": carol.Hex(), "amount": "250"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insufficient_funds", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/accounts/"+carol.Hex()+"/credit", "", map[string]string{"asset": "usdc", "amount": "250"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "USDC", body["asset"])
	require.Equal(t, "250", body["balance"])

	status, body = f.do(t, http.MethodPost, "/v1/accounts/"+carol.Hex()+"/credit", "", map[string]string{"asset": "usdc", "amount": "0"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "zero_amount", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/accounts/"+carol.Hex()+"/credit", "", map[string]string{"asset": " ", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_asset", errorCode(body))

	status, body = f.do(t, http.MethodPost, "/v1/markets/usdc/mint", "", map[string]string{"account": carol.Hex(), "amount": "250"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = f.do(t, http.MethodGet, "/v1/accounts/"+carol.Hex()+"/balances/usdc", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "0", body["balance"])
}

func TestCreditRequiresAdminScope(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	f := newFixture(t, auth)

	status, _ := f.do(t, http.MethodPost, "/v1/accounts/"+alice.Hex()+"/credit", token(t, alice, middleware.ScopeWrite), map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusForbidden, status)

	status, body := f.do(t, http.MethodPost, "/v1/accounts/"+alice.Hex()+"/credit", token(t, bob, middleware.ScopeAdmin), map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "10001", body["balance"])
}

func TestGlobalAndSeizePauseInOneRequest(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/v1/pause", "", map[string]bool{"paused": true, "seize": true})
	require.Equal(t, http.StatusOK, status, body)
	require.True(t, f.engine.Controller().IsPaused("usdc", ""))
	require.True(t, f.engine.Controller().IsPaused("usdc", string(lending.ActionSeize)))

	status, _ = f.do(t, http.MethodPost, "/v1/pause", "", map[string]bool{})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/v1/pause", "", map[string]bool{"paused": false})
	require.Equal(t, http.StatusOK, status, body)
	require.False(t, f.engine.Controller().IsPaused("usdc", ""))
	require.True(t, f.engine.Controller().IsPaused("usdc", string(lending.ActionSeize)))
}
