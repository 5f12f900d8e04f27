/*
Package handler provides the HTTP handlers and routing setup for the relay server.

This file defines the main Router, applying necessary middleware like logging, CORS,
and IP-based rate limiting before delegating requests to specific handlers (API and WebSocket).
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"roomrelay/internal/pkg/limiter"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/resp"
)

// RootMessage is the plain-text body of GET /.
const RootMessage = "Server is up and running."

// Router sets up the main HTTP routing table (chi.Router) for the application.
// It configures CORS, applies global middleware, and rate-limits WebSocket upgrades and
// room API calls per IP. The returned stop func releases the limiters' sweepers.
func Router(deps *AppDeps) (http.Handler, func()) {
	joinLimiter := limiter.NewIPRateLimiter(rate.Limit(deps.Config.JoinRate), deps.Config.JoinBurst)
	apiLimiter := limiter.NewIPRateLimiter(rate.Limit(deps.Config.APIRate), deps.Config.APIBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			if origin == "" {
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins: corsAllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(RootMessage))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]any{
			"status":       "ok",
			"service":      "Room Relay",
			"participants": deps.Router.Directory().Len(),
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(apiLimiter.Middleware)
		api.Get("/rooms", HandleListRooms(deps))
		api.Get("/rooms/{room}/users", HandleRoomUsers(deps))
	})

	r.Get("/ws", HandleWebSocket(wsUpgrader, joinLimiter, deps))

	stop := func() {
		joinLimiter.Stop()
		apiLimiter.Stop()
	}

	return r, stop
}
