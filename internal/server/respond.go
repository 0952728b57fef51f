package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"DscEngine/internal/engine"
	"DscEngine/internal/oracle"
	"DscEngine/internal/risk"
	"DscEngine/internal/token"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
}

// writeEngineError maps engine errors onto HTTP statuses: validation
// failures are 400, solvency rejections are 409, oracle outages are 502.
func writeEngineError(w http.ResponseWriter, err error) {
	var hfErr *risk.HealthFactorError
	var hfOk *engine.HealthFactorOkError
	var hfNotImproved *engine.HealthFactorNotImprovedError

	switch {
	case errors.Is(err, engine.ErrNeedsMoreThanZero),
		errors.Is(err, engine.ErrTokenNotAllowed):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"})

	case errors.As(err, &hfErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "health_factor_broken"})

	case errors.As(err, &hfOk):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "health_factor_ok"})

	case errors.As(err, &hfNotImproved):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "health_factor_not_improved"})

	case errors.Is(err, engine.ErrReentrantCall):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "reentrant_call"})

	case errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrBurnExceedsBalance):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "insufficient_funds"})

	case errors.Is(err, oracle.ErrNoPriceData),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrInvalidPrice):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Code: "oracle_unavailable"})

	default:
		// Remaining rejections come from ledger validation (insufficient
		// collateral or debt); treat them as conflicts, not server faults.
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "rejected"})
	}
}

// parseAmount parses a positive base-10 integer amount in base units.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", field, s)
	}
	return amount, nil
}
