package bot

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"preo-sim/internal/httputil"
	"preo-sim/internal/ledger"
	"preo-sim/internal/trading"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

type startRequest struct {
	Account         string          `json:"account"`
	Volume          decimal.Decimal `json:"volume"`
	MaxTrades       int             `json:"max_trades"`
	IntervalSeconds int             `json:"interval_seconds"`
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request, userID string) {
	var req startRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	account, err := ledger.ParseAccount(req.Account)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	status, err := h.mgr.Start(StartRequest{
		UserID:    userID,
		Account:   account,
		Volume:    req.Volume,
		MaxTrades: req.MaxTrades,
		Interval:  time.Duration(req.IntervalSeconds) * time.Second,
	})
	if err != nil {
		var minBalance *trading.MinimumBalanceError
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error()})
		case errors.As(err, &minBalance):
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		default:
			httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to start bot"})
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request, userID string) {
	status, err := h.mgr.Stop(userID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, h.mgr.Reset(userID))
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, h.mgr.Status(userID))
}
