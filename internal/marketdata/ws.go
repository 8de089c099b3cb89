package marketdata

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type QuoteMessage struct {
	Type   string  `json:"type"`
	Quotes []Quote `json:"quotes"`
	TS     int64   `json:"ts"`
}

// MarketWS streams live quotes over a websocket. An optional ?pair= query
// filters the stream to a single instrument.
type MarketWS struct {
	feed     *Feed
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewMarketWS(feed *Feed, bus *Bus, origin string) *MarketWS {
	return &MarketWS{
		feed: feed,
		bus:  bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func (h *MarketWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	pair := normalizePair(r.URL.Query().Get("pair"))

	// Initial snapshot so the client paints prices before the first tick.
	init := QuoteMessage{Type: "snapshot", Quotes: filterQuotes(h.feed.Snapshot(), pair), TS: time.Now().UnixMilli()}
	if err := conn.WriteJSON(init); err != nil {
		return
	}

	snapshots := h.bus.Subscribe()
	defer h.bus.Unsubscribe(snapshots)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case quotes, ok := <-snapshots:
			if !ok {
				return
			}
			msg := QuoteMessage{Type: "quote", Quotes: filterQuotes(quotes, pair), TS: time.Now().UnixMilli()}
			if len(msg.Quotes) == 0 {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func filterQuotes(quotes []Quote, pair string) []Quote {
	if pair == "" {
		return quotes
	}
	for _, q := range quotes {
		if q.Pair == pair {
			return []Quote{q}
		}
	}
	return nil
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), origin)
}
