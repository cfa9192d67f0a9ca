package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"starcapital/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// Event 推送给前端的事件
type Event struct {
	Type string      `json:"type"` // message / balance
	Data interface{} `json:"data"`
}

// wsClient 单个 WebSocket 连接
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub 按用户管理 WebSocket 连接
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

// NewHub 创建推送中心
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*wsClient]struct{})}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*wsClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// deliver 在读锁内发送，关闭 channel 只发生在写锁内
// 发送缓冲已满的连接视为掉线
func (h *Hub) deliver(userID string, data []byte) {
	var stale []*wsClient
	h.mu.RLock()
	for uid, set := range h.clients {
		if userID != "" && uid != userID {
			continue
		}
		for c := range set {
			select {
			case c.send <- data:
			default:
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		logger.Warnf("⚠️ [WS] 用户 %s 的发送缓冲已满，断开连接", c.userID)
		h.unregister(c)
	}
}

// Broadcast 推送给所有在线用户
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("❌ [WS] 序列化事件失败: %v", err)
		return
	}
	h.deliver("", data)
}

// SendToUser 推送给指定用户的所有连接
func (h *Hub) SendToUser(userID string, event Event) {
	if userID == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("❌ [WS] 序列化事件失败: %v", err)
		return
	}
	h.deliver(userID, data)
}

// ClientCount 指定用户的在线连接数，userID 为空时统计全部
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID != "" {
		return len(h.clients[userID])
	}
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// CloseAll 关闭所有连接（服务关闭时调用）
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, uid)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 来源已由 CORS 白名单和登录 Cookie 限制
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket 升级为 WebSocket，推送消息和余额变动
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("⚠️ [WS] 升级连接失败: %v", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		userID: c.GetString("user_id"),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump(s.hub)
}

// readPump 只处理 pong 和关闭，客户端不发送业务消息
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump 将发送队列写入连接并定时 ping
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
