package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lyra/internal/broker"
	"lyra/internal/cache"
	"lyra/internal/envelope"
	"lyra/internal/logger"
)

// WsAuthRequest is the body of the authentication handshake
type WsAuthRequest struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// WsAuthResponse carries the websocket endpoint path for the chat id
type WsAuthResponse struct {
	WsURL string `json:"ws_url"`
}

// Server is the gateway process: the HTTP auth handshake, the websocket
// endpoint, and the process-wide result consumer that broadcasts broker
// results back to live sessions.
type Server struct {
	config   *Config
	cache    ResultCache
	bridge   *broker.Bridge
	registry *Registry
	router   *Router
	auth     *Authenticator
	logger   zerolog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires a gateway server from its collaborators.
func NewServer(config *Config, resultCache ResultCache, bridge *broker.Bridge) *Server {
	registry := NewRegistry()

	return &Server{
		config:   config,
		cache:    resultCache,
		bridge:   bridge,
		registry: registry,
		router:   NewRouter(resultCache, bridge),
		auth:     NewAuthenticator(config.Auth),
		logger:   logger.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The handshake already gates access; origins are open like the
			// rest of the HTTP surface
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start starts the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/ws_auth", s.handleWsAuth).Methods("POST")
	router.HandleFunc("/ws/{chat_id}", s.handleWebSocket).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      router,
		ReadTimeout:  s.config.GetServerTimeout(),
		WriteTimeout: s.config.GetServerTimeout(),
	}

	s.logger.Info().
		Str("address", s.config.Server.Address).
		Bool("tls", s.config.Server.TLS.Enabled).
		Msg("Starting gateway HTTP server")

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.httpServer.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ConsumeResults attaches the process-wide inbound consumer and blocks.
// Broker connectivity failure here is fatal to the gateway; the caller
// decides how to exit.
func (s *Server) ConsumeResults(ctx context.Context) error {
	return s.bridge.ConsumeResults(ctx, s.HandleResult)
}

// HandleResult processes one broker-delivered result: opportunistically
// persist a successful response to the cache, then broadcast the event to
// every live session for the chat id.
func (s *Server) HandleResult(msg envelope.Message) {
	frame, ok := EventFromResult(msg)
	if !ok {
		s.logger.Warn().
			Str("chat_id", msg.Chat()).
			Msg("Dropping non-result message from result queue")
		return
	}

	if response, isResponse := msg.(*envelope.ResponseMessage); isResponse {
		s.saveResult(response)
	}

	sessions := s.registry.SessionsFor(msg.Chat())
	for _, session := range sessions {
		if err := session.Deliver(frame); err != nil {
			s.logger.Warn().
				Str("chat_id", msg.Chat()).
				Err(err).
				Msg("Failed to deliver result to session")
		}
	}

	s.logger.Info().
		Str("chat_id", msg.Chat()).
		Str("event", frame.Event).
		Int("sessions", len(sessions)).
		Msg("Result broadcast")
}

// saveResult writes a successful response through to the cache. Failure
// results and cache outages are logged and otherwise ignored; delivery to
// the client must not depend on the cache.
func (s *Server) saveResult(response *envelope.ResponseMessage) {
	if response.Artist == "" || response.Title == "" {
		return
	}
	if strings.Contains(response.Response, envelope.FallbackResponseText) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.cache.Save(ctx, &cache.Entry{
		Artist:    response.Artist,
		Title:     response.Title,
		Result:    response.Response,
		Countries: response.Countries,
	})
	if err != nil {
		s.logger.Warn().
			Str("artist", response.Artist).
			Str("title", response.Title).
			Err(err).
			Msg("Failed to save result to cache")
	}
}

// handleStatus reports liveness
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWsAuth exchanges a bearer credential for the websocket endpoint
// path. A chat id is generated when the client does not supply one.
func (s *Server) handleWsAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.VerifyHeader(r.Header.Get("Authorization")); err != nil {
		http.Error(w, "Invalid authentication token", http.StatusForbidden)
		return
	}

	var req WsAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ChatID == "" {
		req.ChatID = uuid.New().String()
	}

	s.writeJSON(w, http.StatusOK, WsAuthResponse{
		WsURL: fmt.Sprintf("/ws/%s", req.ChatID),
	})
}

// handleWebSocket re-validates the bearer credential on the transport-level
// connect, upgrades, and runs the session until disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["chat_id"]

	if err := s.auth.VerifyHeader(r.Header.Get("Authorization")); err != nil {
		s.logger.Warn().
			Str("chat_id", chatID).
			Err(err).
			Msg("Websocket connect rejected")
		http.Error(w, "Invalid authentication token", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().
			Str("chat_id", chatID).
			Err(err).
			Msg("Websocket upgrade failed")
		return
	}

	session := NewClientSession(chatID, conn, s.registry, s.router)
	session.Run()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// loggingMiddleware logs each HTTP request
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware allows cross-origin access to the handshake endpoints
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
