package ws

import (
	"sync"
	"sync/atomic"

	"chanhub/internal/metrics"
)

// Hub 管理频道级别的 RoomHub，实现延迟创建、并发安全与删除时的整体驱逐。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

// GetRoom 若频道的广播组未初始化则懒加载一个 RoomHub。
func (h *Hub) GetRoom(channelID uint) *RoomHub {
	h.mu.RLock()
	room := h.rooms[channelID]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room = h.rooms[channelID]
	if room != nil {
		return room
	}
	room = NewRoomHub(channelID)
	h.rooms[channelID] = room
	metrics.BroadcastGroups.Inc()
	go room.run()
	return room
}

// Online 返回频道广播组当前的连接数。
func (h *Hub) Online(channelID uint) int {
	h.mu.RLock()
	room := h.rooms[channelID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Evict 移除频道的广播组并停止其 goroutine，已排队的广播仍会送达。
func (h *Hub) Evict(channelID uint) {
	h.mu.Lock()
	room := h.rooms[channelID]
	delete(h.rooms, channelID)
	h.mu.Unlock()
	if room != nil {
		metrics.BroadcastGroups.Dec()
		room.close()
	}
}

// Close 停止所有广播组，用于优雅停服。
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[uint]*RoomHub)
	h.mu.Unlock()
	metrics.BroadcastGroups.Sub(float64(len(rooms)))
	for _, room := range rooms {
		room.close()
	}
}

// RoomHub 是单个频道的广播组，由一个 goroutine 串行处理注册、注销与广播。
// 注册与广播共用一个 FIFO 队列：新连接只收到入队之后的广播。
type RoomHub struct {
	channelID  uint
	clients    map[*Client]bool
	queue      chan entry
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	online     int32

	// seq 串行化同一频道的"追加+广播"，保证广播顺序与日志顺序一致。
	seq sync.Mutex
}

// entry 是队列中的一项，join 非空表示注册。
type entry struct {
	msg  []byte
	join *Client
}

func NewRoomHub(channelID uint) *RoomHub {
	return &RoomHub{
		channelID:  channelID,
		clients:    make(map[*Client]bool),
		queue:      make(chan entry, 256),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (rh *RoomHub) run() {
	for {
		select {
		case e := <-rh.queue:
			rh.handle(e)
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			}
		case <-rh.done:
			// 先把已排队的注册和广播处理完，再驱逐所有连接。
			for {
				select {
				case e := <-rh.queue:
					rh.handle(e)
					continue
				default:
				}
				break
			}
			for c := range rh.clients {
				c.drop(rh)
				delete(rh.clients, c)
			}
			atomic.StoreInt32(&rh.online, 0)
			return
		}
	}
}

func (rh *RoomHub) handle(e entry) {
	if e.join != nil {
		rh.clients[e.join] = true
		atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
		return
	}
	rh.fanout(e.msg)
}

func (rh *RoomHub) fanout(msg []byte) {
	for c := range rh.clients {
		if !c.deliver(msg) {
			// 慢消费者：断开连接，由连接自己的清理逻辑退出所有广播组。
			delete(rh.clients, c)
			metrics.SlowConsumers.Inc()
			c.close()
		}
	}
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
}

// Join 把注册排入队列，排在它之前的广播不会发给该连接；广播组已关闭时返回 false。
func (rh *RoomHub) Join(c *Client) bool {
	select {
	case <-rh.done:
		return false
	default:
	}
	select {
	case rh.queue <- entry{join: c}:
		return true
	case <-rh.done:
		return false
	}
}

// Leave 把连接移出广播组，广播组已关闭时直接返回。
func (rh *RoomHub) Leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

// Broadcast 把消息排入广播队列，按入队顺序送达。
func (rh *RoomHub) Broadcast(msg []byte) bool {
	select {
	case <-rh.done:
		return false
	default:
	}
	select {
	case rh.queue <- entry{msg: msg}:
		return true
	case <-rh.done:
		return false
	}
}

func (rh *RoomHub) close() { rh.closeOnce.Do(func() { close(rh.done) }) }

// Online 返回广播组在线连接数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
