package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"FitProject/logger"
)

// wsClient 网关侧的一条连接：独立发送队列 + 单写协程，
// gorilla 的 WriteMessage 不能并发调用。
type wsClient struct {
	id     string
	userID string
	role   string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// enqueue 非阻塞投递；慢消费者直接丢帧并记日志。
func (c *wsClient) enqueue(data []byte) {
	defer func() {
		// close(send) 与广播存在竞争窗口，丢帧好过崩进程
		if r := recover(); r != nil {
			logger.Debugf("[hub] enqueue on closed client id=%s", c.id)
		}
	}()
	select {
	case c.send <- data:
	default:
		logger.Warnf("[hub] send queue full, drop frame user=%s id=%s", c.userID, c.id)
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debugf("[hub] write failed user=%s id=%s err=%v", c.userID, c.id, err)
			return
		}
	}
}

// Hub 房间注册表：conversationID -> 成员连接。
type Hub struct {
	mu    sync.RWMutex
	byID  map[string]*wsClient
	rooms map[string]map[string]*wsClient // convID -> clientID -> client
}

func NewHub() *Hub {
	return &Hub{
		byID:  make(map[string]*wsClient),
		rooms: make(map[string]map[string]*wsClient),
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[c.id] = c
}

// remove 摘除连接并清掉它的所有房间成员关系。
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.byID, c.id)
	for conv, m := range h.rooms {
		delete(m, c.id)
		if len(m) == 0 {
			delete(h.rooms, conv)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) join(c *wsClient, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.rooms[conversationID]
	if m == nil {
		m = make(map[string]*wsClient)
		h.rooms[conversationID] = m
	}
	m[c.id] = c
}

func (h *Hub) leave(c *wsClient, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.rooms[conversationID]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// broadcast 发给房间所有成员（含发起者本人的连接——客户端自己做回声处理）。
func (h *Hub) broadcast(conversationID string, data []byte) {
	h.mu.RLock()
	m := h.rooms[conversationID]
	targets := make([]*wsClient, 0, len(m))
	for _, c := range m {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}
