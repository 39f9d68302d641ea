package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"algo-trader-go/infrastructure/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn    *websocket.Conn
	account string // 为空表示接收全部账户
}

// WSHub 把事件推送给 websocket 客户端；写超时或失败的客户端被断开。
type WSHub struct {
	mu           sync.Mutex
	clients      map[*wsClient]struct{}
	writeTimeout time.Duration
	logger       *logger.Logger
}

func NewWSHub(writeTimeout time.Duration, lg *logger.Logger) *WSHub {
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &WSHub{
		clients:      make(map[*wsClient]struct{}),
		writeTimeout: writeTimeout,
		logger:       lg,
	}
}

func (h *WSHub) Name() string { return "websocket" }

// ServeHTTP 升级连接；?account= 只接收指定账户的事件。
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.LogError(err, map[string]interface{}{"action": "ws_upgrade"})
		return
	}
	c := &wsClient{conn: conn, account: r.URL.Query().Get("account")}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// 读循环只用于感知断开
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// Clients 当前连接数。
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Deliver 序列化一次并写给所有匹配的客户端。
func (h *WSHub) Deliver(ctx context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.account == "" || c.account == ev.AccountID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
		}
	}
	return nil
}

// Close 断开所有客户端。
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}
