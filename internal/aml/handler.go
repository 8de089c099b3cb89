package aml

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"preo-sim/internal/httputil"
	"preo-sim/internal/ledger"
	"preo-sim/internal/storage"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

type withdrawRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request, userID string) {
	var req withdrawRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	account, err := ledger.ParseAccount(req.Account)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if !req.Amount.IsPositive() {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "amount must be greater than zero"})
		return
	}
	txn, err := h.gate.WithdrawForUser(r.Context(), userID, account, req.Amount)
	if err != nil {
		writeGateError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, txn)
}

func writeGateError(w http.ResponseWriter, err error) {
	var (
		denied    *DeniedError
		threshold *ProfitThresholdError
		funds     *storage.InsufficientFundsError
	)
	switch {
	case errors.As(err, &denied), errors.As(err, &threshold), errors.As(err, &funds):
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "not found"})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "withdrawal failed"})
	}
}
