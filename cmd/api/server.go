package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/middleware"
	"github.com/mpetrov/chatcore/internal/ws"
)

// server owns the HTTP listener and its routes.
type server struct {
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// newServer assembles the route table: a rate-limited auth surface, the
// authenticated REST surface mirroring the websocket operations, and the
// websocket endpoint itself.
func newServer(port string, api *apiServer, wsHandler *ws.Handler, limiter *middleware.LimiterStore, log *zap.SugaredLogger) *server {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/auth/register", middleware.RateLimit(limiter, http.HandlerFunc(api.handleRegister)))
	mux.Handle("POST /v1/auth/login", middleware.RateLimit(limiter, http.HandlerFunc(api.handleLogin)))

	authed := func(h http.HandlerFunc) http.Handler { return api.authenticate(h) }

	mux.Handle("POST /v1/messages", authed(api.handleSendMessage))
	mux.Handle("GET /v1/messages/history", authed(api.handleHistory))
	mux.Handle("GET /v1/messages/my-chats", authed(api.handleMyChats))
	mux.Handle("GET /v1/messages/conversations", authed(api.handleMyChats))
	mux.Handle("DELETE /v1/messages/{id}", authed(api.handleDeleteMessage))

	mux.Handle("POST /v1/calls/initiate", authed(api.handleInitiateCall))
	mux.Handle("POST /v1/calls/accept", authed(api.handleAcceptCall))
	mux.Handle("POST /v1/calls/reject", authed(api.handleRejectCall))
	mux.Handle("POST /v1/calls/end", authed(api.handleEndCall))
	mux.Handle("GET /v1/calls/history", authed(api.handleCallHistory))
	mux.Handle("GET /v1/calls/missed", authed(api.handleMissedCalls))
	mux.Handle("DELETE /v1/calls/{id}", authed(api.handleDeleteCall))

	mux.Handle("PUT /v1/chat-settings", authed(api.handleUpsertChatSettings))
	mux.Handle("GET /v1/chat-settings", authed(api.handleGetChatSettings))

	mux.Handle("/ws", wsHandler)

	return &server{
		httpServer: &http.Server{
			Addr:        ":" + port,
			Handler:     mux,
			ReadTimeout: 0, // websocket connections are long-lived
		},
		log: log,
	}
}

// start serves until ctx is cancelled, then shuts down gracefully.
func (s *server) start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("server shutdown: %v", err)
	}
	return <-errCh
}
