package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"preo-sim/internal/httputil"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Balances(w http.ResponseWriter, r *http.Request, userID string) {
	balances, err := h.svc.Balances(r.Context(), userID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load balances"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balances)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request, userID string) {
	account, err := ParseAccount(r.URL.Query().Get("account"))
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
	txns, err := h.svc.Transactions(r.Context(), userID, account, limit)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load transactions"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txns)
}

// depositWebhook is the payment gateway callback shape.
type depositWebhook struct {
	UserRef  string          `json:"user_ref"`
	Account  string          `json:"account"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
}

// DepositWebhook handles gateway notifications on the internal surface.
// Only status=completed moves funds; everything else is journaled.
func (h *Handler) DepositWebhook(w http.ResponseWriter, r *http.Request) {
	var req depositWebhook
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, "USD") {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "only USD deposits are supported"})
		return
	}
	account, err := ParseAccount(req.Account)
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	status := types.TxnStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case types.TxnStatusPending, types.TxnStatusCompleted, types.TxnStatusFailed:
	default:
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid status"})
		return
	}
	newBalance, err := h.svc.Deposit(r.Context(), req.UserRef, account, req.Amount, status, "gateway")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "unknown user"})
			return
		}
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"balance": newBalance})
}
