package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"preo-sim/internal/aml"
	"preo-sim/internal/httputil"
	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/tier"
	"preo-sim/internal/types"
)

// Handler serves the admin surface: marketer win-rate settings, the
// pending withdrawal queue and user tier changes. Routes behind it are
// wrapped with the admin middleware.
type Handler struct {
	store storage.Store
	gate  *aml.Gate
}

func NewHandler(store storage.Store, gate *aml.Gate) *Handler {
	return &Handler{store: store, gate: gate}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.TierConfig(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load settings"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tier.Clamped(cfg))
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var cfg model.TierConfig
	if err := httputil.ReadJSON(r, &cfg); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	// Out-of-range rates are stored clamped rather than rejected.
	cfg = tier.Clamped(cfg)
	if err := h.store.UpdateTierConfig(r.Context(), cfg); err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to save settings"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.gate.PendingWithdrawals(r.Context())
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load withdrawals"})
		return
	}
	if pending == nil {
		pending = []model.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, pending)
}

func (h *Handler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request, approve bool) {
	txnID := chi.URLParam(r, "id")
	if txnID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "transaction id required"})
		return
	}
	if err := h.gate.Resolve(r.Context(), txnID, approve); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "pending withdrawal not found"})
			return
		}
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to resolve withdrawal"})
		return
	}
	status := "rejected"
	if approve {
		status = "approved"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": txnID, "status": status})
}

type updateTierRequest struct {
	Tier string `json:"tier"`
}

func (h *Handler) UpdateUserTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var req updateTierRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	newTier := types.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if !types.ValidTier(newTier) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "tier must be standard, privileged or marketer"})
		return
	}
	if err := h.store.UpdateTier(r.Context(), userID, newTier); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "user not found"})
			return
		}
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to update tier"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID, "tier": string(newTier)})
}
