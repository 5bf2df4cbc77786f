package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sendcore/backend/internal/auth/jwt"
	"sendcore/backend/internal/events"
)

// 连接保活参数
const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
	hubPingInterval = 30 * time.Second
	sendBuffer      = 64
)

// ErrHubBusy 广播队列已满
var ErrHubBusy = errors.New("websocket hub busy")

// TokenValidator 验证订阅方的服务令牌
type TokenValidator interface {
	Require(token, scope string) (*jwt.Claims, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType   `json:"type"`
	Actor     string        `json:"actor,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID      string
	Service string // 令牌中的调用方服务名，未开启认证时为空
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	actors  map[string]bool // 订阅的 actor，为空表示全部
	closed  bool            // send 已关闭
	mu      sync.RWMutex
	log     *zap.Logger
}

// Hub 管理所有WebSocket连接并向订阅方推送 actor 事件
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan events.Event
	done           chan struct{} // Run 退出后关闭
	stopOnce       sync.Once
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	auth           TokenValidator
}

// NewHub 创建WebSocket Hub
//
// auth 为 nil 时不校验令牌（仅开发环境）。
func NewHub(allowedOrigins []string, auth TokenValidator, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan events.Event, 256),
		done:           make(chan struct{}),
		log:            log.Named("websocket"),
		allowedOrigins: allowedOrigins,
		auth:           auth,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			h.stopOnce.Do(func() { close(h.done) })
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered", zap.String("id", client.ID), zap.String("service", client.Service))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			h.broadcastEvent(e)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// addClient 登记客户端，Hub 已停止时返回 false
func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// removeClient 注销客户端，Hub 已停止时直接返回
func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish 实现 events.Publisher，队列满时返回 ErrHubBusy 而不阻塞
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	select {
	case h.broadcast <- e:
		return nil
	default:
		return ErrHubBusy
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastEvent 向订阅该 actor 的客户端推送事件
func (h *Hub) broadcastEvent(e events.Event) {
	data, err := json.Marshal(&Message{
		Type:      MessageTypeEvent,
		Actor:     e.Actor,
		Event:     &e,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.wants(e.Actor) {
			continue
		}
		if !client.trySend(data) {
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.trySend(data)
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		client.closeSend()
	}
	h.clients = make(map[string]*Client)
}

// authenticate 认证客户端，令牌来自 ?token= 或 Authorization 头
func (h *Hub) authenticate(c *gin.Context) (string, error) {
	if h.auth == nil {
		return "", nil
	}

	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return "", errors.New("missing authentication token")
	}

	claims, err := h.auth.Require(token, jwt.ScopeRead)
	if err != nil {
		return "", err
	}
	return claims.Service, nil
}

// parseActors 解析 ?actor=selector,warmup 过滤条件
func parseActors(raw string) (map[string]bool, error) {
	actors := make(map[string]bool)
	for _, a := range strings.Split(raw, ",") {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if !events.KnownActor(a) {
			return nil, errors.New("unknown actor: " + a)
		}
		actors[a] = true
	}
	return actors, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		service, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "需要认证"})
			return
		}

		actors, err := parseActors(c.Query("actor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "msg": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:      uuid.NewString(),
			Service: service,
			conn:    conn,
			hub:     hub,
			send:    make(chan []byte, sendBuffer),
			actors:  actors,
			log:     hub.log,
		}
		if !hub.addClient(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// wants 客户端是否订阅了该 actor
func (c *Client) wants(actor string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.actors) == 0 || c.actors[actor]
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Actor)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Actor)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 追加订阅一个 actor
func (c *Client) subscribe(actor string) {
	actor = strings.ToLower(strings.TrimSpace(actor))
	if !events.KnownActor(actor) {
		c.sendError("unknown actor: " + actor)
		return
	}

	c.mu.Lock()
	c.actors[actor] = true
	c.mu.Unlock()

	c.sendMessage(&Message{Type: MessageTypeSubscribed, Actor: actor, Timestamp: time.Now().UTC()})
}

// unsubscribe 取消订阅，全部取消后恢复为接收所有 actor
func (c *Client) unsubscribe(actor string) {
	c.mu.Lock()
	delete(c.actors, strings.ToLower(strings.TrimSpace(actor)))
	c.mu.Unlock()
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now().UTC()})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	if !c.trySend(data) {
		c.log.Warn("client channel blocked or closed", zap.String("client_id", c.ID))
	}
}

// trySend 非阻塞写入发送队列，队列已满或已关闭时返回 false
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 关闭发送队列，可重复调用
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
