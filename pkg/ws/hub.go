package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 推送给看板的消息类型
const (
	MsgTypeInit          = "init"           // 连接时发送检测器状态
	MsgTypeEventReceived = "event_received" // 新事件入库
	MsgTypeProcessResult = "process_result" // 一次处理结束
	MsgTypeError         = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Message 推送消息
type Message struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// EventSummary event_received 的数据，不含证据图片
type EventSummary struct {
	EventID string `json:"event_id"`
	Plate   string `json:"plate"`
	Date    string `json:"date"`
	Speed   int    `json:"speed"`
}

// Client 一个看板连接
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理看板连接并广播事件与处理结果
// 只有 Run 所在的协程修改 clients
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	dropped int64

	// 新连接的首条消息
	initData func() interface{}
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置新连接收到的初始数据
func (h *Hub) SetInitDataProvider(provider func() interface{}) {
	h.mu.Lock()
	h.initData = provider
	h.mu.Unlock()
}

// Run 处理注册、注销和广播，直到 Close
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard connected", zap.Int("total_clients", total))
			h.greet(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Dashboard disconnected", zap.Int("total_clients", total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("Dashboard too slow, disconnecting")
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop 调用方持有 h.mu
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Close 停止 Hub 并断开所有连接，可重复调用
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) greet(c *Client) {
	h.mu.RLock()
	provider := h.initData
	h.mu.RUnlock()
	if provider == nil {
		return
	}

	data := provider()
	if data == nil {
		return
	}
	msg, err := encode(MsgTypeInit, data)
	if err != nil {
		h.logger.Error("Failed to encode init message", zap.Error(err))
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// Broadcast 广播原始消息，队列满时丢弃
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.mu.Lock()
		h.dropped++
		dropped := h.dropped
		h.mu.Unlock()
		h.logger.Warn("Broadcast queue full, dropping message", zap.Int64("dropped_total", dropped))
	}
}

// BroadcastMessage 广播一条带类型的消息
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	msg, err := encode(msgType, data)
	if err != nil {
		h.logger.Error("Failed to encode message", zap.String("type", msgType), zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因队列满被丢弃的消息数
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Time: time.Now(), Data: data})
}

// NewClient 包装一个已升级的连接
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// Register 注册到 Hub，Hub 已关闭时直接返回
func (c *Client) Register() {
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
}

// Unregister 从 Hub 注销
func (c *Client) Unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

// ReadPump 丢弃看板发来的内容，只处理 pong 和断开
func (c *Client) ReadPump() {
	defer func() {
		c.Unregister()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump 写出广播消息并定期 ping
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
