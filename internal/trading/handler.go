package trading

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"preo-sim/internal/httputil"
	"preo-sim/internal/ledger"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openTradeRequest struct {
	Pair          string          `json:"pair"`
	Direction     string          `json:"direction"`
	Account       string          `json:"account"`
	Volume        decimal.Decimal `json:"volume"`
	StopLossPct   decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct decimal.Decimal `json:"take_profit_pct"`
	HoldSeconds   int64           `json:"hold_seconds"`
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openTradeRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	account, err := ledger.ParseAccount(req.Account)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.svc.Open(r.Context(), OpenRequest{
		UserID:        userID,
		Account:       account,
		Pair:          req.Pair,
		Direction:     types.Direction(strings.ToUpper(strings.TrimSpace(req.Direction))),
		Volume:        req.Volume,
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		HoldDuration:  time.Duration(req.HoldSeconds) * time.Second,
	})
	if err != nil {
		writeTradeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := ledger.ParseAccount(r.URL.Query().Get("account"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	positions, err := h.svc.OpenPositions(r.Context(), userID, account)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load positions"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, positions)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := ledger.ParseAccount(r.URL.Query().Get("account"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trades, err := h.svc.History(r.Context(), userID, account, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load history"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID, positionID string) {
	res, err := h.svc.Close(r.Context(), userID, positionID)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res.Position)
}

func writeTradeError(w http.ResponseWriter, err error) {
	var (
		vErr  *ValidationError
		mbErr *MinimumBalanceError
		mnErr *MinimumNotionalError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &mbErr), errors.As(err, &mnErr):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "position not found"})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "trade operation failed"})
	}
}
