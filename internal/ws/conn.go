package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
	"github.com/kavymi/palytt-monorepo-sub008/internal/log"
	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
	"github.com/kavymi/palytt-monorepo-sub008/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 1 << 16
	maxSubs    = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound 是客户端发来的帧。
type Inbound struct {
	Op             string          `json:"op"`
	ID             string          `json:"id,omitempty"`
	Query          string          `json:"query,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Context        string          `json:"context,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	IsTyping       bool            `json:"is_typing,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	DisplayImage   string          `json:"display_image,omitempty"`
}

// Outbound 是推送给客户端的帧：每次结果重算发送一个 result，
// 订阅无法建立或写操作失败时发送 error。
type Outbound struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Client struct {
	hub     *Hub
	svc     *service.Services
	conn    *websocket.Conn
	actorID string
	logger  zerolog.Logger

	send chan []byte

	mu     sync.Mutex
	closed bool
	subs   map[string]func()
	typing map[string]struct{}
}

func newClient(h *Hub, svc *service.Services, conn *websocket.Conn, actorID string) *Client {
	return &Client{
		hub:     h,
		svc:     svc,
		conn:    conn,
		actorID: actorID,
		logger:  log.Component("ws").With().Str("actor", actorID).Logger(),
		send:    make(chan []byte, 256),
		subs:    make(map[string]func()),
		typing:  make(map[string]struct{}),
	}
}

// Serve 升级连接；actor 由前置的 auth.ActorMiddleware 写入上下文。
func Serve(h *Hub, svc *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := auth.GetActorID(c)
		if actorID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing actor"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, svc, conn, actorID)
		h.Register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) emit(frame Outbound) {
	b, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Str("id", frame.ID).Msg("encode frame")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// 客户端消费太慢，断开连接让它重连后重新订阅
		c.logger.Warn().Msg("send buffer full, dropping connection")
		_ = c.conn.Close()
	}
}

func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.teardown()
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.emit(Outbound{Type: "error", Error: "malformed frame"})
			continue
		}
		metrics.WsFramesTotal.WithLabelValues(opLabel(in.Op)).Inc()
		c.handle(ctx, in)
	}
}

func opLabel(op string) string {
	switch op {
	case "subscribe", "unsubscribe", "heartbeat", "typing":
		return op
	}
	return "unknown"
}

func (c *Client) handle(ctx context.Context, in Inbound) {
	var err error
	switch in.Op {
	case "subscribe":
		err = c.subscribe(ctx, in)
	case "unsubscribe":
		c.unsubscribe(in.ID)
	case "heartbeat":
		_, err = c.svc.Presence.Heartbeat(ctx, c.actorID, in.Context)
	case "typing":
		err = c.setTyping(ctx, in)
	default:
		err = fmt.Errorf("unknown op %q", in.Op)
	}
	if err != nil {
		c.emit(Outbound{Type: "error", ID: in.ID, Error: err.Error()})
	}
}

func (c *Client) subscribe(ctx context.Context, in Inbound) error {
	if in.ID == "" {
		return fmt.Errorf("%w: subscription id is required", ErrBadArgs)
	}
	q, ok := queries[in.Query]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, in.Query)
	}
	c.mu.Lock()
	_, dup := c.subs[in.ID]
	n := len(c.subs)
	c.mu.Unlock()
	if dup {
		// 同一 id 重新订阅视为替换
		c.unsubscribe(in.ID)
	} else if n >= maxSubs {
		return fmt.Errorf("too many subscriptions")
	}
	id := in.ID
	stop, err := q(ctx, c.svc, c.actorID, in.Args, func(v any) {
		c.emit(Outbound{Type: "result", ID: id, Data: v})
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return nil
	}
	c.subs[id] = stop
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	stop, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		stop()
	}
}

func (c *Client) setTyping(ctx context.Context, in Inbound) error {
	if in.IsTyping {
		if _, err := c.svc.Typing.StartTyping(ctx, in.ConversationID, c.actorID, in.DisplayName, in.DisplayImage); err != nil {
			return err
		}
		c.mu.Lock()
		c.typing[in.ConversationID] = struct{}{}
		c.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	delete(c.typing, in.ConversationID)
	c.mu.Unlock()
	_, err := c.svc.Typing.StopTyping(ctx, in.ConversationID, c.actorID)
	return err
}

// teardown 关闭全部订阅，清除本连接留下的输入中标记，然后关闭发送队列。
func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	typing := c.typing
	c.subs = nil
	c.typing = nil
	close(c.send)
	c.mu.Unlock()

	for _, stop := range subs {
		stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for conv := range typing {
		if _, err := c.svc.Typing.StopTyping(ctx, conv, c.actorID); err != nil {
			c.logger.Warn().Err(err).Str("conversation", conv).Msg("clear typing on disconnect")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
