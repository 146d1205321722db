// Package ws 实时行情与账户事件推送
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bullionx/exchange/pkg/logger"
)

// Config 服务配置
type Config struct {
	AllowedOrigins          []string
	MaxSubscriptionsPerConn int
}

// Hub WebSocket 推送中心。引擎事件消费者调用 Broadcast，
// 只有订阅了对应频道的连接会收到消息。
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	cfg      Config
	log      *logger.Logger
}

// Client 一个 WebSocket 连接
type Client struct {
	conn          *websocket.Conn
	hub           *Hub
	subscriptions map[string]bool
	send          chan []byte
	mu            sync.Mutex
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewHub 创建推送中心
func NewHub(cfg *Config, log *logger.Logger) *Hub {
	c := Config{
		MaxSubscriptionsPerConn: 50,
	}
	if cfg != nil {
		if cfg.AllowedOrigins != nil {
			c.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.MaxSubscriptionsPerConn > 0 {
			c.MaxSubscriptionsPerConn = cfg.MaxSubscriptionsPerConn
		}
	}

	h := &Hub{
		clients: make(map[*Client]bool),
		cfg:     c,
		log:     log.WithField("component", "ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, h.cfg.AllowedOrigins)
		},
	}
	return h
}

// HandleWS 处理 WebSocket 连接
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		hub:           h,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// Request 客户端请求
type Request struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// Response 服务端响应
type Response struct {
	Op      string      `json:"op,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Success bool        `json:"success,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("websocket read error")
			}
			break
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid request")
			continue
		}

		c.handleRequest(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *Request) {
	switch req.Op {
	case "subscribe":
		c.subscribe(req.Channel)
	case "unsubscribe":
		c.unsubscribe(req.Channel)
	case "ping":
		c.sendResponse(&Response{Op: "pong"})
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if channel == "" {
		c.sendError("channel required")
		return
	}
	if err := validateChannel(channel); err != nil {
		c.sendError(err.Error())
		return
	}
	if max := c.hub.cfg.MaxSubscriptionsPerConn; max > 0 && len(c.subscriptions) >= max {
		c.sendError("too many subscriptions")
		return
	}

	c.subscriptions[channel] = true
	c.sendResponse(&Response{Op: "subscribe", Channel: channel, Success: true})
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subscriptions, channel)
	c.sendResponse(&Response{Op: "unsubscribe", Channel: channel, Success: true})
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[channel]
}

func (c *Client) sendResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(msg string) {
	c.sendResponse(&Response{Error: msg})
}

// trySend 慢消费者直接丢弃，不阻塞推送方
func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Broadcast 向某频道的全部订阅者推送消息
func (h *Hub) Broadcast(channel string, payload interface{}) {
	data, err := json.Marshal(&Response{Channel: channel, Data: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.subscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll 关闭全部连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually don't send Origin.
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// validateChannel 频道格式 <kind>:<PAIR>，如 trades:XAU-PERP
func validateChannel(channel string) error {
	kind, pair, ok := strings.Cut(channel, ":")
	if !ok {
		return fmt.Errorf("invalid channel")
	}

	switch kind {
	case "trades", "orders", "mark", "funding", "positions", "liquidations":
	default:
		return fmt.Errorf("invalid channel")
	}

	if len(pair) < 1 || len(pair) > 32 {
		return fmt.Errorf("invalid pair")
	}
	for i := 0; i < len(pair); i++ {
		b := pair[i]
		if !(b >= 'A' && b <= 'Z') && !(b >= '0' && b <= '9') && b != '-' {
			return fmt.Errorf("invalid pair")
		}
	}
	return nil
}
