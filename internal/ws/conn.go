package ws

import (
	"sync"
	"time"

	"chanhub/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 1 << 20 // 1MB
)

// Client 是一个长连接，持有已订阅的频道广播组集合。
// 集合只由连接自己的事件和频道删除时的驱逐修改。
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	userID uint

	mu     sync.Mutex
	joined map[uint]*RoomHub
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		quit:   make(chan struct{}),
		joined: make(map[uint]*RoomHub),
	}
}

// deliver 非阻塞投递，缓冲区满或连接已关闭时返回 false。
func (c *Client) deliver(msg []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.quit)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) subscribe(h *Hub, channelID uint) bool {
	return c.attach(h.GetRoom(channelID))
}

// attach 订阅指定的广播组，已订阅时直接返回 true。
func (c *Client) attach(rh *RoomHub) bool {
	c.mu.Lock()
	if _, ok := c.joined[rh.channelID]; ok {
		c.mu.Unlock()
		return true
	}
	c.joined[rh.channelID] = rh
	c.mu.Unlock()
	if rh.Join(c) {
		return true
	}
	c.drop(rh)
	return false
}

func (c *Client) unsubscribe(channelID uint) bool {
	c.mu.Lock()
	rh, ok := c.joined[channelID]
	delete(c.joined, channelID)
	c.mu.Unlock()
	if ok {
		rh.Leave(c)
	}
	return ok
}

// room 返回已订阅频道的广播组。
func (c *Client) room(channelID uint) (*RoomHub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rh, ok := c.joined[channelID]
	return rh, ok
}

// drop 由 RoomHub 在驱逐时调用，只移除仍指向该广播组的记录。
func (c *Client) drop(rh *RoomHub) {
	c.mu.Lock()
	if c.joined[rh.channelID] == rh {
		delete(c.joined, rh.channelID)
	}
	c.mu.Unlock()
}

func (c *Client) leaveAll() {
	c.mu.Lock()
	rooms := make([]*RoomHub, 0, len(c.joined))
	for _, rh := range c.joined {
		rooms = append(rooms, rh)
	}
	c.joined = make(map[uint]*RoomHub)
	c.mu.Unlock()
	for _, rh := range rooms {
		rh.Leave(c)
	}
}

// readPump 逐个处理入站事件，一个事件执行完才读取下一个。
func (c *Client) readPump(g *Gateway) {
	defer func() {
		c.leaveAll()
		c.close()
		metrics.GatewayConnections.Dec()
		log.Debug().Str("conn_id", c.id).Uint("user_id", c.userID).Msg("ws disconnect")
	}()
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		g.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
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
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
