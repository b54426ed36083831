package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"stratum/core/protocol"
	"stratum/crypto"
	"stratum/native/amm"
	"stratum/native/common"
	"stratum/native/debt"
	"stratum/native/oracle"
	"stratum/native/strategy"
	"stratum/native/token"
	"stratum/native/turbo"
	"stratum/native/vault"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the protocol facade over HTTP.
type Server struct {
	core    *protocol.Protocol
	log     *slog.Logger
	metrics http.Handler
	secret  []byte
	feed    *oracle.ManualFeed
}

// New constructs a server. The metrics handler may be nil, in which case
// /metrics serves 404.
func New(core *protocol.Protocol, log *slog.Logger, metrics http.Handler, adminSecret string) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		core:    core,
		log:     log,
		metrics: metrics,
		secret:  []byte(adminSecret),
	}
}

// SetManualFeed enables the admin price-posting endpoint backed by the given
// feed. Deployments with an external attester leave this unset.
func (s *Server) SetManualFeed(feed *oracle.ManualFeed) {
	s.feed = feed
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/totals", s.totals)
		r.Get("/positions/{address}", s.position)
		r.Get("/capacity/{address}", s.capacity)

		r.Post("/vault/deposit", s.deposit)
		r.Post("/vault/withdraw", s.withdraw)
		r.Post("/debt/borrow", s.borrow)

		r.Get("/harvest/claimable", s.claimable)
		r.Post("/harvest", s.harvest)

		r.Post("/turbo/approve", s.approveTurbo)
		r.Post("/turbo/loop", s.loop)
		r.Post("/turbo/unloop", s.unloop)
		r.Get("/turbo/shares/{address}", s.secondaryShares)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
			r.Post("/buffer/fund", s.fundBuffer)
			if s.feed != nil {
				r.Post("/oracle/price", s.postPrice)
			}
		})
	})
	return r
}

type amountRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type loopRequest struct {
	Address      string `json:"address"`
	DebtAmount   string `json:"debtAmount"`
	StableAmount string `json:"stableAmount"`
}

type unloopRequest struct {
	Address string `json:"address"`
	Shares  string `json:"shares"`
}

type moduleRequest struct {
	Caller string `json:"caller"`
	Module string `json:"module"`
}

type priceRequest struct {
	FeedID   string `json:"feedId"`
	Price    string `json:"price"`
	Exponent int32  `json:"exponent"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.core.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wired":         st.Wired,
		"pausedModules": st.PausedModules,
	})
}

func (s *Server) totals(w http.ResponseWriter, r *http.Request) {
	totalDebt, err := s.core.TotalDebt()
	if err != nil {
		writeError(w, err)
		return
	}
	totalCollateral, err := s.core.TotalCollateral()
	if err != nil {
		writeError(w, err)
		return
	}
	buffer, err := s.core.BufferBalance()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalDebt":       totalDebt.String(),
		"totalCollateral": totalCollateral.String(),
		"stableBuffer":    buffer.String(),
	})
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	position, err := s.core.PositionOf(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	debtAmount, err := s.core.CurrentDebt(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":         position.Address.String(),
		"collateral":      position.Collateral.String(),
		"debt":            debtAmount.String(),
		"secondaryShares": position.SecondaryShares.String(),
	})
}

func (s *Server) capacity(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	maxBorrow, current, available, err := s.core.BorrowingCapacity(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, debt.Capacity{
		MaxBorrow:   maxBorrow.String(),
		CurrentDebt: current.String(),
		Available:   available.String(),
	})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	addr, amount, err := decodeAmountRequest(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.Deposit(addr, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	addr, amount, err := decodeAmountRequest(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.Withdraw(addr, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	addr, amount, err := decodeAmountRequest(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.Borrow(addr, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "borrowed"})
}

func (s *Server) claimable(w http.ResponseWriter, r *http.Request) {
	claim, err := s.core.ClaimableYield()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claimable": claim.String()})
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	result, err := s.core.Harvest()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collateralLeg": result.CollateralLeg.String(),
		"stableLeg":     result.StableLeg.String(),
		"stableValue":   result.StableValue.String(),
		"debtReduced":   result.DebtReduced.String(),
	})
}

func (s *Server) approveTurbo(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	debtAmount, err := parseAmount(req.DebtAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	stableAmount, err := parseAmount(req.StableAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.ApproveTurbo(addr, debtAmount, stableAmount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) loop(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	debtAmount, err := parseAmount(req.DebtAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	stableAmount, err := parseAmount(req.StableAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	shares, err := s.core.Loop(addr, debtAmount, stableAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) unloop(w http.ResponseWriter, r *http.Request) {
	var req unloopRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	gotDebt, gotStable, err := s.core.Unloop(addr, shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"debtReturned":   gotDebt.String(),
		"stableReturned": gotStable.String(),
	})
}

func (s *Server) secondaryShares(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	shares, err := s.core.SecondaryShares(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	var req moduleRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.Pause(caller, strings.TrimSpace(req.Module)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	var req moduleRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.Resume(caller, strings.TrimSpace(req.Module)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) fundBuffer(w http.ResponseWriter, r *http.Request) {
	addr, amount, err := decodeAmountRequest(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.core.FundBuffer(addr, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

func (s *Server) postPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	feedID := strings.TrimSpace(req.FeedID)
	if feedID == "" {
		writeBadRequest(w, errors.New("feedId is required"))
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	s.feed.SetPrice(feedID, price, req.Exponent, time.Now())
	writeJSON(w, http.StatusOK, map[string]string{"status": "posted"})
}

func decodeAmountRequest(r *http.Request) (crypto.Address, *big.Int, error) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		return crypto.Address{}, nil, err
	}
	addr, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	return addr, amount, nil
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("amount must be positive")
	}
	return amount, nil
}

func pathAddress(r *http.Request) (crypto.Address, error) {
	return crypto.DecodeAddress(chi.URLParam(r, "address"))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	_, _ = w.Write(payload)
}

// writeError maps domain errors onto HTTP statuses. Rejections the caller can
// fix are 4xx; oracle outages and pauses surface as 503 so keepers back off.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotWired),
		errors.Is(err, common.ErrModulePaused),
		errors.Is(err, debt.ErrOraclePriceUnavailable),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, common.ErrPositionBusy):
		return http.StatusConflict
	case errors.Is(err, debt.ErrExceedsCapacity),
		errors.Is(err, debt.ErrAmountExceedsTotalDebt),
		errors.Is(err, vault.ErrWouldBreachCapacity),
		errors.Is(err, vault.ErrInsufficientCollateral),
		errors.Is(err, strategy.ErrInsufficientPairingBuffer),
		errors.Is(err, strategy.ErrInsufficientDeployment),
		errors.Is(err, turbo.ErrRatioMismatch),
		errors.Is(err, turbo.ErrInsufficientShares),
		errors.Is(err, amm.ErrSlippageExceeded),
		errors.Is(err, amm.ErrDeadlineExpired),
		errors.Is(err, amm.ErrInsufficientLiquidity),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, debt.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, strategy.ErrInvalidAmount),
		errors.Is(err, turbo.ErrInvalidAmount),
		errors.Is(err, amm.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"requestId", ww.Header().Get("X-Request-Id"),
		)
	})
}
