package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// FanoutChannel はパルスを他インスタンスに転送するRedisチャネル名。
const FanoutChannel = "internboard:pulse"

type fanoutMessage struct {
	Instance string  `json:"instance"`
	Tables   []Table `json:"tables"`
}

// RedisFanout はパルスをRedis Pub/Sub経由で他のAPIインスタンスと共有する。
// 自インスタンスが通知用コネクションを失っていても、他インスタンスが受けた変更で表示を更新できる。
type RedisFanout struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewRedisFanout はRedisFanoutを生成する。instanceIDは自分の送信を無視するために使う。
func NewRedisFanout(client *redis.Client, instanceID string, logger *slog.Logger) *RedisFanout {
	return &RedisFanout{client: client, instanceID: instanceID, logger: logger}
}

// Publish は発火したパルスの対象テーブルを送信する。
func (f *RedisFanout) Publish(ctx context.Context, tables []Table) error {
	data, err := json.Marshal(fanoutMessage{Instance: f.instanceID, Tables: tables})
	if err != nil {
		return fmt.Errorf("パルスのエンコードに失敗しました: %w", err)
	}
	if err := f.client.Publish(ctx, FanoutChannel, data).Err(); err != nil {
		return fmt.Errorf("パルスの送信に失敗しました: %w", err)
	}
	return nil
}

// Run は他インスタンスからのパルスを購読し、sinkに渡す。ctxがキャンセルされるまで戻らない。
func (f *RedisFanout) Run(ctx context.Context, sink func(tables []Table)) error {
	sub := f.client.Subscribe(ctx, FanoutChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("パルスチャネルの購読に失敗しました: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				f.logger.Warn("不正なパルスを破棄しました", slog.String("error", err.Error()))
				continue
			}
			if m.Instance == f.instanceID {
				continue
			}
			sink(m.Tables)
		}
	}
}
