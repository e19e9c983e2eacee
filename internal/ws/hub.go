package ws

import (
	"sync"
	"sync/atomic"

	"github.com/kavymi/palytt-monorepo-sub008/internal/metrics"
)

// Hub 按 actor 管理连接。同一 actor 可以有多条连接（多设备、多标签页），
// 第一条连接建立时触发 onFirst，最后一条断开时触发 onLast。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	conns      int32

	onFirst func(actorID string)
	onLast  func(actorID string)
}

type HubOption func(*Hub)

// OnFirstConnect 的回调在 hub 的事件循环中同步执行，不能再调用 hub 的注册接口。
func OnFirstConnect(fn func(actorID string)) HubOption { return func(h *Hub) { h.onFirst = fn } }

func OnLastDisconnect(fn func(actorID string)) HubOption { return func(h *Hub) { h.onLast = fn } }

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			set := h.clients[c.actorID]
			first := set == nil
			if first {
				set = make(map[*Client]struct{})
				h.clients[c.actorID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			atomic.AddInt32(&h.conns, 1)
			metrics.WsConnections.Inc()
			if first && h.onFirst != nil {
				h.onFirst(c.actorID)
			}
		case c := <-h.unregister:
			h.mu.Lock()
			set := h.clients[c.actorID]
			_, ok := set[c]
			last := false
			if ok {
				delete(set, c)
				if len(set) == 0 {
					delete(h.clients, c.actorID)
					last = true
				}
			}
			h.mu.Unlock()
			if !ok {
				continue
			}
			atomic.AddInt32(&h.conns, -1)
			metrics.WsConnections.Dec()
			if last && h.onLast != nil {
				h.onLast(c.actorID)
			}
		}
	}
}

// Register 把连接加入 hub；hub 已停止时直接返回。
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stop:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

// Online 返回某个 actor 当前的连接数。
func (h *Hub) Online(actorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[actorID])
}

// Connections 返回全部连接数。
func (h *Hub) Connections() int { return int(atomic.LoadInt32(&h.conns)) }

// Actors 返回当前至少有一条连接的 actor 数。
func (h *Hub) Actors() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}
