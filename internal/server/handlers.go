package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"DscEngine/internal/pricing"
)

// --- Request/response bodies. Amounts are base-10 strings in base units. ---

type collateralRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type dscRequest struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

type compositeRequest struct {
	UserID           string `json:"user_id"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	DscAmount        string `json:"dsc_amount"`
}

type liquidateRequest struct {
	LiquidatorID string `json:"liquidator_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	DebtToCover  string `json:"debt_to_cover"`
}

type operationResponse struct {
	Status   string `json:"status"`
	Sequence int64  `json:"sequence"`
}

type accountResponse struct {
	UserID             string `json:"user_id"`
	TotalDscMinted     string `json:"total_dsc_minted"`
	CollateralValueUSD string `json:"collateral_value_usd"`
	HealthFactor       string `json:"health_factor"`
}

type balanceResponse struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type priceResponse struct {
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	ValueUSD string `json:"value_usd"`
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, requestBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// --- Mutating endpoints ---

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.DepositCollateral(userID, req.Asset, amount)
	})
}

func (s *Server) redeemCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.RedeemCollateral(userID, req.Asset, amount)
	})
}

func (s *Server) mintDsc(w http.ResponseWriter, r *http.Request) {
	var req dscRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.MintDsc(userID, amount)
	})
}

func (s *Server) burnDsc(w http.ResponseWriter, r *http.Request) {
	var req dscRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.BurnDsc(userID, amount)
	})
}

func (s *Server) depositAndMint(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	collateralAmount, err := parseAmount("collateral_amount", req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	dscAmount, err := parseAmount("dsc_amount", req.DscAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.DepositCollateralAndMintDsc(userID, req.Asset, collateralAmount, dscAmount)
	})
}

func (s *Server) redeemForDsc(w http.ResponseWriter, r *http.Request) {
	var req compositeRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	collateralAmount, err := parseAmount("collateral_amount", req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	dscAmount, err := parseAmount("dsc_amount", req.DscAmount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.RedeemCollateralForDsc(userID, req.Asset, collateralAmount, dscAmount)
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	liquidatorID, err := uuid.Parse(req.LiquidatorID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid liquidator_id: %w", err))
		return
	}
	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	debtToCover, err := parseAmount("debt_to_cover", req.DebtToCover)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	s.runOp(w, r, func() error {
		return s.engine.Liquidate(liquidatorID, req.Asset, targetID, debtToCover)
	})
}

// runOp executes an engine operation on the engine loop and writes the
// outcome. The sequence is captured inside the closure: once Execute
// returns, the loop may already be mutating state for another request.
func (s *Server) runOp(w http.ResponseWriter, r *http.Request, op func() error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var (
		opErr error
		seq   int64
	)
	if err := s.engine.Execute(ctx, func() {
		opErr = op()
		seq = s.engine.Sequence()
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "unavailable"})
		return
	}

	if opErr != nil {
		writeEngineError(w, opErr)
		return
	}

	writeJSON(w, http.StatusOK, operationResponse{
		Status:   "applied",
		Sequence: seq,
	})
}

// --- Read endpoints ---

func (s *Server) accountInformation(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user id: %w", err))
		return
	}

	var (
		debt, collateralValue, factor *big.Int
		readErr                       error
	)
	if err := s.engine.Execute(r.Context(), func() {
		debt, collateralValue, readErr = s.engine.AccountInformation(userID)
		if readErr == nil {
			factor, readErr = s.engine.HealthFactor(userID)
		}
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "unavailable"})
		return
	}
	if readErr != nil {
		writeEngineError(w, readErr)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		UserID:             userID.String(),
		TotalDscMinted:     debt.String(),
		CollateralValueUSD: collateralValue.String(),
		HealthFactor:       factor.String(),
	})
}

func (s *Server) collateralBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user id: %w", err))
		return
	}
	asset := chi.URLParam(r, "asset")

	var (
		amount  *big.Int
		readErr error
	)
	if err := s.engine.Execute(r.Context(), func() {
		amount, readErr = s.engine.CollateralBalanceOf(userID, asset)
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "unavailable"})
		return
	}
	if readErr != nil {
		writeEngineError(w, readErr)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		UserID: userID.String(),
		Asset:  asset,
		Amount: amount.String(),
	})
}

func (s *Server) collateralTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": s.engine.CollateralTokens(),
	})
}

// priceOf values an amount (default one whole token) of the asset in
// canonical USD units.
func (s *Server) priceOf(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	amount := new(big.Int).Set(pricing.UnitScale)
	if q := r.URL.Query().Get("amount"); q != "" {
		parsed, err := parseAmount("amount", q)
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		amount = parsed
	}

	var (
		value   *big.Int
		readErr error
	)
	if err := s.engine.Execute(r.Context(), func() {
		value, readErr = s.engine.UsdValue(asset, amount)
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "unavailable"})
		return
	}
	if readErr != nil {
		writeEngineError(w, readErr)
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		Asset:    asset,
		Amount:   amount.String(),
		ValueUSD: value.String(),
	})
}

// tokenAmountOf converts a canonical USD value into the asset's base
// units at the current price.
func (s *Server) tokenAmountOf(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	usdValue, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	var (
		amount  *big.Int
		readErr error
	)
	if err := s.engine.Execute(r.Context(), func() {
		amount, readErr = s.engine.TokenAmountFromUsd(asset, usdValue)
	}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "unavailable"})
		return
	}
	if readErr != nil {
		writeEngineError(w, readErr)
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		Asset:    asset,
		Amount:   amount.String(),
		ValueUSD: usdValue.String(),
	})
}

func (s *Server) journalHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user id: %w", err))
		return
	}

	limit, before, err := paginationParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	start := time.Now()
	entries, err := s.queries.GetJournalHistory(r.Context(), userID, limit, before)
	s.observeQuery("journal_history", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("journal history query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Code: "internal"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"journal": entries})
}

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("invalid user id: %w", err))
		return
	}

	limit, before, err := paginationParams(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	start := time.Now()
	entries, err := s.queries.GetEventHistory(r.Context(), &userID, r.URL.Query().Get("asset"), limit, before)
	s.observeQuery("event_history", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("event history query failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Code: "internal"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

func (s *Server) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	report, err := s.queries.VerifyIntegrity(r.Context())
	s.observeQuery("integrity", start, err)
	if err != nil {
		s.logger.Error().Err(err).Msg("integrity check failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "query failed", Code: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// observeQuery records outcome and latency of one event-log query.
func (s *Server) observeQuery(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func paginationParams(r *http.Request) (int, *int64, error) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed <= 0 || parsed > 500 {
			return 0, nil, fmt.Errorf("invalid limit: %q", q)
		}
		limit = parsed
	}

	var before *int64
	if q := r.URL.Query().Get("before"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid before cursor: %q", q)
		}
		before = &parsed
	}

	return limit, before, nil
}
