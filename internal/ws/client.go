package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 256
)

// Client is one WebSocket connection and the subscriptions running on it.
type Client struct {
	server *Server
	conn   *websocket.Conn
	caller pipeline.Caller
	logger *slog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]context.CancelFunc
	entered map[int]bool
	streams sync.WaitGroup
}

func newClient(s *Server, conn *websocket.Conn, caller pipeline.Caller) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		server:  s,
		conn:    conn,
		caller:  caller,
		logger:  s.logger.With("user", caller.UserID, "origin", caller.Origin),
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]context.CancelFunc),
		entered: make(map[int]bool),
	}
}

// readPump dispatches client frames until the connection fails or the
// client is cancelled.
func (c *Client) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.handle(f)
	}
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing connection"))
			return
		}
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case TypeSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || f.ID == "" {
			c.sendError(f.ID, apperr.BadRequest("subscribe needs an id and a payload"))
			return
		}
		c.subscribe(f.ID, p)
	case TypeComplete:
		c.mu.Lock()
		cancel, ok := c.subs[f.ID]
		delete(c.subs, f.ID)
		c.mu.Unlock()
		if ok {
			cancel()
		}
	case TypeEnter, TypeLeave:
		var p RoomPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			c.sendError(f.ID, apperr.BadRequest("invalid payload"))
			return
		}
		c.presence(f.ID, f.Type, p.ChatroomID)
	case TypePing:
		c.enqueue(Frame{ID: f.ID, Type: TypePong})
	default:
		c.sendError(f.ID, apperr.BadRequest("unknown frame type %q", f.Type))
	}
}

func (c *Client) subscribe(id string, p SubscribePayload) {
	op, ok := pipeline.Subscriptions[p.Stream]
	if !ok {
		c.sendError(id, apperr.BadRequest("unknown stream %q", p.Stream))
		return
	}

	c.mu.Lock()
	if _, dup := c.subs[id]; dup {
		c.mu.Unlock()
		c.sendError(id, apperr.BadRequest("subscription %q already exists", id))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subs[id] = cancel
	c.mu.Unlock()

	call := &pipeline.Call{Op: op, Caller: c.caller, ChatroomID: p.ChatroomID}
	err := c.server.pipeline.Run(ctx, call, func(ctx context.Context, call *pipeline.Call) error {
		return c.server.startStream(ctx, c, id, call)
	})
	if err != nil {
		c.dropSub(id)
		cancel()
		c.sendError(id, err)
	}
}

func (c *Client) presence(id, kind string, chatroomID int) {
	op := pipeline.OpEnterChatroom
	if kind == TypeLeave {
		op = pipeline.OpLeaveChatroom
	}
	call := &pipeline.Call{Op: op, Caller: c.caller, ChatroomID: chatroomID}
	err := c.server.pipeline.Run(c.ctx, call, func(ctx context.Context, call *pipeline.Call) error {
		if kind == TypeEnter {
			if _, err := c.server.presence.Enter(ctx, call.ChatroomID, call.Caller.UserID); err != nil {
				return err
			}
		} else if err := c.server.presence.Leave(ctx, call.ChatroomID, call.Caller.UserID); err != nil {
			return err
		}
		c.mu.Lock()
		if kind == TypeEnter {
			c.entered[call.ChatroomID] = true
		} else {
			delete(c.entered, call.ChatroomID)
		}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.sendError(id, err)
		return
	}
	if id != "" {
		c.enqueue(Frame{ID: id, Type: TypeComplete})
	}
}

// forward relays a stream as next frames. A stream ended by the server is
// reported with a complete frame; one ended by the client is not.
func forward[T any](ctx context.Context, c *Client, id string, ch <-chan T) {
	c.streams.Add(1)
	go func() {
		defer c.streams.Done()
		for v := range ch {
			payload, err := json.Marshal(v)
			if err != nil {
				c.logger.Error("encoding stream item", "subscription", id, "error", err)
				continue
			}
			if !c.enqueue(Frame{ID: id, Type: TypeNext, Payload: payload}) {
				return
			}
		}
		if ctx.Err() == nil {
			c.dropSub(id)
			c.enqueue(Frame{ID: id, Type: TypeComplete})
		}
	}()
}

func (c *Client) dropSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// enqueue queues a frame for writePump. A client whose queue is full is
// disconnected.
func (c *Client) enqueue(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encoding frame", "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("websocket client too slow, disconnecting")
		c.cancel()
		return false
	}
}

func (c *Client) sendError(id string, err error) {
	payload, _ := json.Marshal(ErrorPayload{Code: string(apperr.KindOf(err)), Message: apperr.Message(err)})
	if apperr.KindOf(err) == apperr.KindInternal || apperr.KindOf(err) == apperr.KindUpstream {
		c.logger.Error("websocket operation failed", "subscription", id, "error", err)
	}
	c.enqueue(Frame{ID: id, Type: TypeError, Payload: payload})
}

// cleanup leaves every room the client entered and waits for its streams.
func (c *Client) cleanup() {
	c.cancel()

	c.mu.Lock()
	rooms := make([]int, 0, len(c.entered))
	for id := range c.entered {
		rooms = append(rooms, id)
	}
	c.entered = map[int]bool{}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for _, room := range rooms {
		if err := c.server.presence.Leave(ctx, room, c.caller.UserID); err != nil {
			c.logger.Warn("leaving chatroom on disconnect", "chatroom", room, "error", err)
		}
	}
	c.streams.Wait()
}
