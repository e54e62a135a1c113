package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chanhub/internal/auth"
	"chanhub/internal/events"
	"chanhub/internal/metrics"
	"chanhub/internal/models"
	"chanhub/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// JoinNotice 是用户加入频道时写入日志的系统消息。
const JoinNotice = "a new user joined the channel"

// Inbound 是客户端发来的事件，每个事件都携带 access token。
type Inbound struct {
	Event string          `json:"event"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// Outbound 是下发给客户端的事件。
type Outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ErrorData 是 error 事件的内容，只发给发起方。
type ErrorData struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createChannelData struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Length      int               `json:"length"`
	OwnerID     uint              `json:"owner_id"`
	Visibility  models.Visibility `json:"visibility"`
	Password    string            `json:"password"`
}

type channelRef struct {
	ChannelID uint `json:"channel_id"`
}

type joinPrivateData struct {
	Name       string            `json:"name"`
	Visibility models.Visibility `json:"visibility"`
	Password   string            `json:"password"`
}

type sendMessageData struct {
	ChannelID uint   `json:"channel_id"`
	Text      string `json:"text"`
}

type roomMessages struct {
	ChannelID uint                 `json:"channel_id"`
	Messages  []service.MessageDTO `json:"messages"`
	Members   []service.UserRef    `json:"members"`
}

// Gateway 把长连接映射到频道广播组，负责事件鉴权、校验、委托与广播。
type Gateway struct {
	hub      *Hub
	tokens   *auth.TokenService
	channels *service.ChannelService
	messages *service.MessageService
	events   events.Publisher
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, tokens *auth.TokenService, channels *service.ChannelService, messages *service.MessageService, pub events.Publisher) *Gateway {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gateway{
		hub:      hub,
		tokens:   tokens,
		channels: channels,
		messages: messages,
		events:   pub,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Serve 升级为 WebSocket 连接。握手时的 token 可选，但给出时必须有效；
// 之后每个事件都要单独携带 token。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.GetHeader("Authorization"))
		}
		var userID uint
		if token != "" {
			claims, err := g.tokens.VerifyAccess(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = claims.UserID
		}

		conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(conn)
		client.userID = userID
		metrics.GatewayConnections.Inc()
		log.Debug().Str("conn_id", client.id).Uint("user_id", userID).Msg("ws connect")

		go client.writePump()
		client.readPump(g)
	}
}

// dispatch 处理单个入站事件。事件一旦开始就执行到底，不因断线取消。
func (g *Gateway) dispatch(c *Client, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		g.fail(c, in.Event, fmt.Errorf("%w: malformed event", service.ErrInvalidArgument))
		return
	}
	claims, err := g.tokens.VerifyAccess(in.Token)
	if err != nil {
		g.fail(c, in.Event, err)
		return
	}
	c.userID = claims.UserID

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch in.Event {
	case "create_channel":
		err = g.createChannel(ctx, c, claims, in.Data)
	case "delete_channel":
		err = g.deleteChannel(ctx, c, claims, in.Data)
	case "join_channel":
		err = g.joinChannel(ctx, c, claims, in.Data)
	case "join_private_channel":
		err = g.joinPrivateChannel(ctx, c, claims, in.Data)
	case "leave_channel":
		err = g.leaveChannel(c, in.Data)
	case "send_message_to_channel":
		err = g.sendMessage(ctx, c, claims, in.Data)
	case "get_rooms":
		err = g.getRooms(ctx, c, claims)
	default:
		err = fmt.Errorf("%w: unknown event %q", service.ErrInvalidArgument, in.Event)
	}
	if err != nil {
		g.fail(c, in.Event, err)
		return
	}
	metrics.GatewayEvents.WithLabelValues(in.Event, "ok").Inc()
}

func (g *Gateway) fail(c *Client, event string, err error) {
	kind := service.Kind(err)
	if kind == "internal" {
		log.Error().Err(err).Str("event", event).Str("conn_id", c.id).Msg("ws event")
	}
	if event == "" {
		event = "unknown"
	}
	metrics.GatewayEvents.WithLabelValues(event, kind).Inc()
	g.reply(c, "error", ErrorData{Event: event, Code: kind, Message: service.Message(err)})
}

func (g *Gateway) reply(c *Client, event string, data interface{}) {
	b, err := json.Marshal(Outbound{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal outbound")
		return
	}
	if !c.deliver(b) {
		c.close()
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", service.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed data", service.ErrInvalidArgument)
	}
	return nil
}

func (g *Gateway) createChannel(ctx context.Context, c *Client, claims *auth.Claims, data json.RawMessage) error {
	var req createChannelData
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.OwnerID != 0 && req.OwnerID != claims.UserID {
		return fmt.Errorf("%w: owner must be the caller", service.ErrUnauthorized)
	}
	ch, err := g.channels.Create(ctx, service.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     claims.UserID,
		Visibility:  req.Visibility,
		Password:    req.Password,
		LengthHint:  req.Length,
	})
	if err != nil {
		return err
	}
	g.reply(c, "channel_created", ch)
	events.Emit(ctx, g.events, events.Event{Name: events.ChannelCreated, ChannelID: ch.ID, UserID: claims.UserID, Channel: ch.Name})
	return nil
}

func (g *Gateway) deleteChannel(ctx context.Context, c *Client, claims *auth.Claims, data json.RawMessage) error {
	var req channelRef
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := g.channels.Remove(ctx, req.ChannelID, claims.UserID); err != nil {
		return err
	}
	// 已订阅的发起方会通过广播收到通知，驱逐之后再判断就可能重复。
	_, subscribed := c.room(req.ChannelID)
	g.NotifyDeleted(req.ChannelID)
	if !subscribed {
		g.reply(c, "channel_deleted", channelRef{ChannelID: req.ChannelID})
	}
	events.Emit(ctx, g.events, events.Event{Name: events.ChannelDeleted, ChannelID: req.ChannelID, UserID: claims.UserID})
	return nil
}

// NotifyDeleted 通知频道内所有连接频道已删除，随后驱逐整个广播组。
func (g *Gateway) NotifyDeleted(channelID uint) {
	rh := g.hub.GetRoom(channelID)
	b, _ := json.Marshal(Outbound{Event: "channel_deleted", Data: channelRef{ChannelID: channelID}})
	rh.seq.Lock()
	rh.Broadcast(b)
	rh.seq.Unlock()
	g.hub.Evict(channelID)
}

func (g *Gateway) joinChannel(ctx context.Context, c *Client, claims *auth.Claims, data json.RawMessage) error {
	var req channelRef
	if err := decode(data, &req); err != nil {
		return err
	}
	ok, err := g.channels.IsMember(ctx, req.ChannelID, claims.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not a member of this channel", service.ErrUnauthorized)
	}
	members, err := g.channels.Members(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	// 读历史与排队注册都在 seq 内：之前追加的只出现在历史里，之后追加的只实时下发。
	rh := g.hub.GetRoom(req.ChannelID)
	rh.seq.Lock()
	defer rh.seq.Unlock()
	lg, err := g.messages.GetByChannel(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	out := roomMessages{ChannelID: req.ChannelID, Messages: []service.MessageDTO{}, Members: members}
	if lg != nil {
		out.Messages = lg.Messages
	}
	g.reply(c, "room_messages", out)
	if !c.attach(rh) {
		return fmt.Errorf("%w: channel not found", service.ErrNotFound)
	}
	return nil
}

func (g *Gateway) joinPrivateChannel(ctx context.Context, c *Client, claims *auth.Claims, data json.RawMessage) error {
	var req joinPrivateData
	if err := decode(data, &req); err != nil {
		return err
	}
	var (
		ch  *service.ChannelDTO
		err error
	)
	switch req.Visibility {
	case models.VisibilityPublic:
		ch, err = g.channels.GetByName(ctx, req.Name)
		if err != nil {
			return err
		}
		ch, err = g.channels.AddMember(ctx, ch.ID, claims.UserID, req.Password)
	case models.VisibilityPrivate:
		ch, err = g.channels.JoinPrivateByName(ctx, req.Name, req.Password, claims.UserID)
	default:
		return fmt.Errorf("%w: unknown visibility %q", service.ErrInvalidArgument, req.Visibility)
	}
	if err != nil {
		return err
	}
	if !c.subscribe(g.hub, ch.ID) {
		return fmt.Errorf("%w: channel not found", service.ErrNotFound)
	}
	g.reply(c, "joined_channel", ch)
	g.Announce(ctx, ch.ID, claims.UserID)
	return nil
}

// Announce 写入"新成员加入"系统消息并广播给频道内的连接，失败只记录日志。
func (g *Gateway) Announce(ctx context.Context, channelID, userID uint) {
	rh := g.hub.GetRoom(channelID)
	rh.seq.Lock()
	defer rh.seq.Unlock()
	msg, err := g.messages.Append(ctx, channelID, service.Record{SenderID: userID, Text: JoinNotice, System: true}, &service.LogConfig{System: true})
	if err != nil {
		log.Warn().Err(err).Uint("channel_id", channelID).Uint("user_id", userID).Msg("append join notice")
		return
	}
	b, _ := json.Marshal(Outbound{Event: "message", Data: msg})
	rh.Broadcast(b)
	events.Emit(ctx, g.events, events.Event{Name: events.MemberJoined, ChannelID: channelID, UserID: userID})
}

func (g *Gateway) leaveChannel(c *Client, data json.RawMessage) error {
	var req channelRef
	if err := decode(data, &req); err != nil {
		return err
	}
	if !c.unsubscribe(req.ChannelID) {
		return fmt.Errorf("%w: not joined to this channel", service.ErrNotFound)
	}
	g.reply(c, "left_channel", req)
	return nil
}

// sendMessage 在频道的 seq 锁内先追加再广播，同一频道的广播顺序等于追加顺序。
func (g *Gateway) sendMessage(ctx context.Context, c *Client, claims *auth.Claims, data json.RawMessage) error {
	var req sendMessageData
	if err := decode(data, &req); err != nil {
		return err
	}
	rh, ok := c.room(req.ChannelID)
	if !ok {
		return fmt.Errorf("%w: join the channel before sending", service.ErrUnauthorized)
	}
	rh.seq.Lock()
	defer rh.seq.Unlock()
	msg, err := g.messages.Append(ctx, req.ChannelID, service.Record{SenderID: claims.UserID, Text: req.Text}, nil)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Outbound{Event: "message", Data: msg})
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", service.ErrInternal, err)
	}
	metrics.ChannelMessages.Inc()
	if !rh.Broadcast(b) {
		// 广播组已被删除驱逐，只回给发送方。
		g.reply(c, "message", msg)
	}
	return nil
}

func (g *Gateway) getRooms(ctx context.Context, c *Client, claims *auth.Claims) error {
	chs, err := g.channels.ListForUser(ctx, claims.UserID)
	if err != nil {
		return err
	}
	g.reply(c, "rooms", chs)
	return nil
}
