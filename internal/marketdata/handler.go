package marketdata

import (
	"net/http"
	"sort"

	"preo-sim/internal/httputil"
)

type Handler struct {
	feed *Feed
	WS   *MarketWS
}

func NewHandler(feed *Feed, ws *MarketWS) *Handler {
	return &Handler{feed: feed, WS: ws}
}

// Quotes returns the current snapshot for all pairs, or a single pair
// when ?pair= is given.
func (h *Handler) Quotes(w http.ResponseWriter, r *http.Request) {
	if pair := r.URL.Query().Get("pair"); pair != "" {
		q, err := h.feed.Quote(pair)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "pair not supported"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, []Quote{q})
		return
	}
	quotes := h.feed.Snapshot()
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Pair < quotes[j].Pair })
	httputil.WriteJSON(w, http.StatusOK, quotes)
}
