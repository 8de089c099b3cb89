package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"preo-sim/internal/admin"
	"preo-sim/internal/aml"
	"preo-sim/internal/auth"
	"preo-sim/internal/bot"
	"preo-sim/internal/health"
	"preo-sim/internal/httputil"
	"preo-sim/internal/ledger"
	"preo-sim/internal/marketdata"
	"preo-sim/internal/storage"
	"preo-sim/internal/trading"
)

type RouterDeps struct {
	AuthHandler   *auth.Handler
	LedgerHandler *ledger.Handler
	TradeHandler  *trading.Handler
	Withdrawals   *aml.Handler
	BotHandler    *bot.Handler
	MarketHandler *marketdata.Handler
	AdminHandler  *admin.Handler
	HealthHandler *health.Handler
	AuthService   *auth.Service
	Store         storage.Store
	InternalToken string
	AllowedOrigin string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware(d.AllowedOrigin))
	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", d.HealthHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})

		r.Get("/market/quotes", d.MarketHandler.Quotes)
		r.Get("/market/ws", d.MarketHandler.WS.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))

			r.Get("/me", withUser(d.AuthHandler.Me))
			r.Get("/balances", withUser(d.LedgerHandler.Balances))
			r.Get("/transactions", withUser(d.LedgerHandler.Transactions))

			r.Post("/trades", withUser(d.TradeHandler.Open))
			r.Get("/trades", withUser(d.TradeHandler.List))
			r.Get("/trades/history", withUser(d.TradeHandler.History))
			r.Post("/trades/{id}/close", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.TradeHandler.Close(w, r, userID, chi.URLParam(r, "id"))
			})

			r.Post("/withdrawals", withUser(d.Withdrawals.Withdraw))

			r.Route("/bot", func(r chi.Router) {
				r.Post("/start", withUser(d.BotHandler.Start))
				r.Post("/stop", withUser(d.BotHandler.Stop))
				r.Post("/reset", withUser(d.BotHandler.Reset))
				r.Get("/status", withUser(d.BotHandler.Status))
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(d.Store))
				r.Get("/settings", d.AdminHandler.GetSettings)
				r.Post("/settings", d.AdminHandler.UpdateSettings)
				r.Get("/withdrawals", d.AdminHandler.PendingWithdrawals)
				r.Post("/withdrawals/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
					d.AdminHandler.ResolveWithdrawal(w, r, true)
				})
				r.Post("/withdrawals/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
					d.AdminHandler.ResolveWithdrawal(w, r, false)
				})
				r.Post("/users/{id}/tier", d.AdminHandler.UpdateUserTier)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/deposits", d.LedgerHandler.DepositWebhook)
		})
	})

	return r
}

// withUser adapts a user-scoped handler method to http.HandlerFunc.
func withUser(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, userID)
	}
}

func corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqOrigin := r.Header.Get("Origin")
			if origin == "*" && reqOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
			} else if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
