package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChannelName はオンライン状態を共有するRedisチャネル名。
const ChannelName = "online-users"

// Op はチャネルで送る操作の種類。
type Op string

const (
	OpTrack   Op = "track"
	OpUntrack Op = "untrack"
)

// Message はインスタンス間で共有するオンライン状態の変更。
type Message struct {
	Op       Op        `json:"op"`
	Instance string    `json:"instance"`
	Key      string    `json:"key"`
	UserID   *string   `json:"user_id,omitempty"`
	At       time.Time `json:"at"`
}

// Channel はオンライン状態を他のインスタンスと共有する経路。
type Channel interface {
	// Publish は変更を全購読者に送る。自分自身にも届く。
	Publish(ctx context.Context, msg Message) error
	// Run は変更を購読してsinkに渡す。ctxがキャンセルされるまで戻らない。
	Run(ctx context.Context, sink func(Message)) error
}

// MemoryChannel はプロセス内だけで配送するChannel。単一インスタンス構成とテストで使う。
type MemoryChannel struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Message)
}

// NewMemoryChannel はMemoryChannelを生成する。
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[int]func(Message))}
}

func (c *MemoryChannel) Publish(ctx context.Context, msg Message) error {
	c.mu.Lock()
	sinks := make([]func(Message), 0, len(c.subs))
	for _, s := range c.subs {
		sinks = append(sinks, s)
	}
	c.mu.Unlock()

	for _, s := range sinks {
		s(msg)
	}
	return nil
}

func (c *MemoryChannel) Run(ctx context.Context, sink func(Message)) error {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = sink
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	return nil
}

// Subscribers は購読中の数を返す。
func (c *MemoryChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// RedisChannel はRedis Pub/Subで配送するChannel。
type RedisChannel struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisChannel はRedisChannelを生成する。
func NewRedisChannel(client *redis.Client, logger *slog.Logger) *RedisChannel {
	return &RedisChannel{client: client, logger: logger}
}

func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("オンライン状態のエンコードに失敗しました: %w", err)
	}
	if err := c.client.Publish(ctx, ChannelName, data).Err(); err != nil {
		return fmt.Errorf("オンライン状態の送信に失敗しました: %w", err)
	}
	return nil
}

func (c *RedisChannel) Run(ctx context.Context, sink func(Message)) error {
	sub := c.client.Subscribe(ctx, ChannelName)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("オンライン状態チャネルの購読に失敗しました: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Warn("不正なオンライン状態を破棄しました", slog.String("error", err.Error()))
				continue
			}
			sink(msg)
		}
	}
}

// compile-time interface check
var (
	_ Channel = (*MemoryChannel)(nil)
	_ Channel = (*RedisChannel)(nil)
)
