package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// 事件名称。
const (
	ChannelCreated = "channel.created"
	ChannelDeleted = "channel.deleted"
	MemberJoined   = "member.joined"
)

// Queue 是所有频道事件共用的持久化队列。
const Queue = "channel.events"

// Event 是投递到消息队列的领域事件。
type Event struct {
	Name      string    `json:"name"`
	ChannelID uint      `json:"channel_id"`
	UserID    uint      `json:"user_id"`
	Channel   string    `json:"channel,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher 发布领域事件，失败只由调用方记录，不影响主流程。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop 丢弃所有事件，未配置 AMQP_URL 时使用。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }

// AMQPPublisher 复用同一个连接与 channel 发布持久化 JSON 消息。
type AMQPPublisher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial 连接 RabbitMQ 并声明队列（幂等）。
func Dial(url string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	// amqp.Channel 不支持并发发布。
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, "", Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Type:         ev.Name,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// Encode 序列化事件，缺省时间补为当前 UTC 时间。
func Encode(ev Event) ([]byte, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.Name, err)
	}
	return b, nil
}

// Emit 发布事件并只记录失败。
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Name).Uint("channel_id", ev.ChannelID).Msg("publish domain event")
	}
}
