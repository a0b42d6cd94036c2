// Package ws carries subscriptions and presence over WebSocket connections.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/pipeline"
	"github.com/pliu/chatty/internal/presence"
)

type Server struct {
	hub      *Hub
	chat     *chat.Service
	presence *presence.Service
	pipeline *pipeline.Pipeline
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer returns the /ws handler. An empty allowedOrigins accepts any
// origin.
func NewServer(hub *Hub, chatSvc *chat.Service, presenceSvc *presence.Service, p *pipeline.Pipeline, allowedOrigins []string, logger *slog.Logger) *Server {
	return &Server{
		hub:      hub,
		chat:     chatSvc,
		presence: presenceSvc,
		pipeline: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger.With("component", "ws"),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}

// ServeHTTP authenticates the handshake and upgrades the connection. The
// request stays open until the client goes away or the hub shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := pipeline.Caller{
		Origin: middleware.ClientIP(r),
		UserID: middleware.UserID(r.Context()),
	}
	call := &pipeline.Call{Op: pipeline.OpConnect, Caller: caller}
	if err := s.pipeline.Run(r.Context(), call, func(context.Context, *pipeline.Call) error { return nil }); err != nil {
		http.Error(w, apperr.Message(err), apperr.HTTPStatus(apperr.KindOf(err)))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn, caller)
	if !s.hub.add(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	client.logger.Info("websocket connected")

	go client.writePump()
	client.readPump()
	client.cleanup()
	s.hub.remove(client)
	client.logger.Info("websocket disconnected")
}

func (s *Server) startStream(ctx context.Context, c *Client, id string, call *pipeline.Call) error {
	room := call.ChatroomID
	viewer := call.Caller.UserID

	switch call.Op.Name {
	case pipeline.OpSubscribeNewMessage.Name:
		ch, err := s.chat.NewMessages(ctx, room)
		if err != nil {
			return err
		}
		forward(ctx, c, id, ch)
	case pipeline.OpSubscribeStartedTyping.Name:
		ch, err := s.chat.TypingStarted(ctx, room, viewer)
		if err != nil {
			return err
		}
		forward(ctx, c, id, ch)
	case pipeline.OpSubscribeStoppedTyping.Name:
		ch, err := s.chat.TypingStopped(ctx, room, viewer)
		if err != nil {
			return err
		}
		forward(ctx, c, id, ch)
	case pipeline.OpSubscribeLiveUsers.Name:
		ch, err := s.presence.Stream(ctx, room)
		if err != nil {
			return err
		}
		forward(ctx, c, id, ch)
	default:
		return apperr.BadRequest("unknown stream %q", call.Op.Name)
	}
	return nil
}
