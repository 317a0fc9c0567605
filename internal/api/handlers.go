package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskhive/realtime-gateway/internal/server"
)

func (s *GatewayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// serveWs upgrades an authenticated request to a WebSocket connection
// and attaches it to the gateway. Unauthenticated requests never reach
// this handler.
func (s *GatewayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(user, conn, s.gateway, s.log)

	s.gateway.RegisterClient(client)
	go client.Write()
	go client.Read()
}

type presenceStatus struct {
	UserId   string     `json:"user_id"`
	Online   bool       `json:"online"`
	Username string     `json:"username,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// getPresence reports whether a user is currently online. Absence of the
// presence record in the store is synonymous with offline.
func (s *GatewayApp) getPresence(w http.ResponseWriter, r *http.Request) {
	userId := r.PathValue("userId")
	if userId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rec, err := s.store.GetPresence(r.Context(), userId)
	if err != nil {
		s.log.Printf("presence query for %q: %v", userId, err)
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status := presenceStatus{UserId: userId}
	if rec != nil {
		status.Online = true
		status.Username = rec.Username
		status.LastSeen = &rec.LastSeen
	}
	s.writeJson(w, http.StatusOK, status)
}

type healthStatus struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Bus    string `json:"bus"`
}

func (s *GatewayApp) healthz(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{Status: "ok", Store: "ok", Bus: "ok"}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Store = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.bus.Ping(r.Context()); err != nil {
		status.Status = "degraded"
		status.Bus = err.Error()
		code = http.StatusServiceUnavailable
	}

	s.writeJson(w, code, status)
}
