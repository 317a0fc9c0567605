package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/taskhive/realtime-gateway/internal/bus"
	"github.com/taskhive/realtime-gateway/internal/config"
	"github.com/taskhive/realtime-gateway/internal/server"
	"github.com/taskhive/realtime-gateway/internal/store"
)

// GatewayApp is the HTTP surface of the gateway: the authenticated
// WebSocket handshake plus health and debug endpoints.
type GatewayApp struct {
	log            *log.Logger
	gateway        *server.GatewayServer
	store          store.Store
	bus            bus.Bus
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewGatewayApp(mux *http.ServeMux, logger *log.Logger, gs *server.GatewayServer, st store.Store, b bus.Bus, cfg *config.Config) *GatewayApp {
	s := &GatewayApp{
		log:            logger,
		gateway:        gs,
		store:          st,
		bus:            b,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))
	mux.Handle("GET /presence/{userId}", s.authMiddleware(s.getPresence))
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *GatewayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
