package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"moneymarket/native/bank"
	"moneymarket/native/lending"
	"moneymarket/native/oracle"
	"moneymarket/services/eventlog"
	"moneymarket/services/lendingd/middleware"
)

const maxRequestBody = 1 << 20

// Backend is the engine surface exposed over HTTP. *lending.Engine
// satisfies it.
type Backend interface {
	AccrueInterest(market string) error
	Mint(market string, minter common.Address, amount *uint256.Int) (*uint256.Int, error)
	Redeem(market string, redeemer common.Address, shares *uint256.Int) (*uint256.Int, error)
	RedeemUnderlying(market string, redeemer common.Address, amount *uint256.Int) (*uint256.Int, error)
	Borrow(market string, borrower common.Address, amount *uint256.Int) error
	RepayBorrowBehalf(market string, payer, borrower common.Address, amount *uint256.Int) (*uint256.Int, error)
	Liquidate(market string, liquidator, borrower common.Address, amount *uint256.Int, collateral string) (*uint256.Int, error)
	Transfer(market string, from, to common.Address, shares *uint256.Int) error
	AddReserves(market string, benefactor common.Address, amount *uint256.Int) error
	WriteOffBadDebt(market string, borrower common.Address) (*uint256.Int, error)
	EnterMarkets(account common.Address, markets []string) error
	ExitMarket(account common.Address, market string) error
	UpdatePrices(reporter common.Address, feeds []oracle.Feed) error
	SetMarketPaused(market string, action lending.Action, paused bool) error
	SetProtocolPauses(global, seize *bool) error
	AccountLiquidity(account common.Address) (lending.AccountLiquidity, error)
	MarketSnapshot(market string) (lending.MarketSnapshot, error)
	Markets() ([]lending.MarketSnapshot, error)
	Positions(account common.Address) ([]lending.PositionView, error)
}

var _ Backend = (*lending.Engine)(nil)

// Funder credits assets to accounts from outside the protocol. *bank.Ledger
// satisfies it.
type Funder interface {
	Balance(addr common.Address, asset string) (*uint256.Int, error)
	Credit(addr common.Address, asset string, amount *uint256.Int) error
}

var _ Funder = (*bank.Ledger)(nil)

// Config wires the server's collaborators. Auth, RateLimiter, Observability,
// Events and Funds are optional.
type Config struct {
	Backend       Backend
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Events        *eventlog.Log
	Funds         Funder
	Logger        *slog.Logger
}

// Server exposes the money market over JSON/HTTP. The backend is not safe
// for concurrent use, so every call runs under mu.
type Server struct {
	backend Backend
	mu      sync.Mutex
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	events  *eventlog.Log
	funds   Funder
	logger  *slog.Logger
}

// New constructs a server around the backend.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("lendingd: backend required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, logger)
	}
	return &Server{
		backend: cfg.Backend,
		auth:    auth,
		limiter: cfg.RateLimiter,
		obs:     cfg.Observability,
		events:  cfg.Events,
		funds:   cfg.Funds,
		logger:  logger,
	}, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if s.limiter != nil {
			v1.Use(s.limiter.Middleware("/v1"))
		}

		v1.Get("/markets", s.listMarkets)
		v1.Get("/markets/{market}", s.getMarket)
		v1.Get("/accounts/{account}", s.getAccount)
		if s.events != nil {
			v1.Get("/events", s.listEvents)
		}
		if s.funds != nil {
			v1.Get("/accounts/{account}/balances/{asset}", s.getBalance)
		}

		v1.Group(func(w chi.Router) {
			w.Use(s.auth.Middleware(middleware.ScopeWrite))
			w.Post("/markets/{market}/accrue", s.accrue)
			w.Post("/markets/{market}/mint", s.mint)
			w.Post("/markets/{market}/redeem", s.redeem)
			w.Post("/markets/{market}/borrow", s.borrow)
			w.Post("/markets/{market}/repay", s.repay)
			w.Post("/markets/{market}/liquidate", s.liquidate)
			w.Post("/markets/{market}/transfer", s.transfer)
			w.Post("/markets/{market}/reserves", s.addReserves)
			w.Post("/accounts/{account}/enter", s.enterMarkets)
			w.Post("/accounts/{account}/exit", s.exitMarket)
		})
		v1.Group(func(a chi.Router) {
			a.Use(s.auth.Middleware(middleware.ScopeAdmin))
			a.Post("/markets/{market}/bad-debt", s.writeOffBadDebt)
			a.Post("/markets/{market}/pause", s.pauseMarket)
			a.Post("/pause", s.pauseGlobal)
			if s.funds != nil {
				a.Post("/accounts/{account}/credit", s.credit)
			}
		})
		v1.Group(func(o chi.Router) {
			o.Use(s.auth.Middleware(middleware.ScopeReport))
			o.Post("/oracle/prices", s.updatePrices)
		})
	})
	return r
}

// call serialises access to the backend.
func (s *Server) call(fn func(Backend) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.backend)
}

// actor resolves the account a request acts for. With auth enabled it is
// the token subject and a conflicting explicit account is rejected.
func (s *Server) actor(r *http.Request, explicit string) (common.Address, error) {
	subject, authenticated := middleware.Subject(r.Context())
	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		if authenticated {
			return subject, nil
		}
		return common.Address{}, fmt.Errorf("%w: account required", errInvalidRequest)
	}
	addr, err := parseAddress(explicit)
	if err != nil {
		return common.Address{}, err
	}
	if authenticated && addr != subject {
		return common.Address{}, fmt.Errorf("%w: token subject does not match account", lending.ErrUnauthorized)
	}
	return addr, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	api := toAPIError(err)
	if api.status >= http.StatusInternalServerError && api.code == "internal" {
		s.logger.Error("request failed",
			"route", r.URL.Path,
			"request_id", middleware.RequestID(r.Context()),
			"error", err)
	}
	writeJSON(w, api.status, errorBody{Error: errorDetail{Code: api.code, Message: api.message}})
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errInvalidRequest, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", errInvalidRequest)
	}
	v, err := lending.ParseAmount(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return v, nil
}
