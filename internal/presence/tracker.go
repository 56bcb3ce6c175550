// Package presence はオンライン中のユーザー数を数える。
//
// メンバー表は1つのゴルーチン（Run）だけが所有し、他の操作はすべてリクエストとして渡す。
// 各インスタンスは自分の変更をChannelに流し、他インスタンスの変更を同じ表に取り込む。
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
)

// 既定値
const (
	DefaultHeartbeat  = 30 * time.Second
	DefaultMaxMembers = 10000
)

// ErrStopped はRunが終了した後に操作した場合のエラー。
var ErrStopped = errors.New("presence tracker is stopped")

// Options はTrackerの設定。
type Options struct {
	// Instance はこのインスタンスの識別子。自分の送信を無視するために使う。
	Instance string
	// Heartbeat はクライアントのハートビート間隔。2回分届かなければ離脱とみなす。
	Heartbeat  time.Duration
	MaxMembers int
	Now        func() time.Time
}

type member struct {
	userID   *string
	lastSeen time.Time
}

// Tracker はオンライン中のキー（ユーザーIDまたは匿名セッションID）を管理する。
type Tracker struct {
	channel  Channel
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	instance string
	timeout  time.Duration
	max      int
	now      func() time.Time

	reqs    chan func()
	stopped chan struct{}

	// 以下はRunのゴルーチンだけが触る
	members map[string]member
}

// NewTracker はTrackerを生成する。Runを呼ぶまで操作は待たされる。
func NewTracker(channel Channel, collector metrics.MetricsCollector, logger *slog.Logger, opts Options) *Tracker {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = DefaultMaxMembers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		channel:  channel,
		metrics:  collector,
		logger:   logger,
		instance: opts.Instance,
		timeout:  2 * opts.Heartbeat,
		max:      opts.MaxMembers,
		now:      opts.Now,
		reqs:     make(chan func()),
		stopped:  make(chan struct{}),
		members:  make(map[string]member),
	}
}

// Run はメンバー表を所有するループを動かす。ctxがキャンセルされるまで戻らない。
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.stopped)

	remote := make(chan Message, 64)
	go func() {
		err := t.channel.Run(ctx, func(m Message) {
			if m.Instance == t.instance {
				return
			}
			select {
			case remote <- m:
			case <-ctx.Done():
			}
		})
		if err != nil {
			t.logger.Error("オンライン状態の購読が終了しました", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-t.reqs:
			req()
		case m := <-remote:
			t.applyRemote(m)
		}
	}
}

// do はfnをRunのゴルーチンで実行し、完了を待つ。
func (t *Tracker) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := func() {
		fn()
		close(done)
	}
	select {
	case t.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// Join はkeyをオンラインにする。userIDは匿名ならnil。
func (t *Tracker) Join(ctx context.Context, key string, userID *string) error {
	var at time.Time
	if err := t.do(ctx, func() {
		at = t.now()
		t.put(key, member{userID: userID, lastSeen: at})
	}); err != nil {
		return err
	}
	t.publish(ctx, Message{Op: OpTrack, Instance: t.instance, Key: key, UserID: userID, At: at})
	return nil
}

// Heartbeat は最終確認時刻を更新する。未登録のkeyであれば匿名として登録する。
func (t *Tracker) Heartbeat(ctx context.Context, key string) error {
	var (
		at     time.Time
		userID *string
	)
	if err := t.do(ctx, func() {
		at = t.now()
		m := t.members[key]
		m.lastSeen = at
		userID = m.userID
		t.put(key, m)
	}); err != nil {
		return err
	}
	t.publish(ctx, Message{Op: OpTrack, Instance: t.instance, Key: key, UserID: userID, At: at})
	return nil
}

// Leave はkeyをオフラインにする。ベストエフォートで、届かなくても掃除で消える。
func (t *Tracker) Leave(ctx context.Context, key string) error {
	var at time.Time
	if err := t.do(ctx, func() {
		at = t.now()
		delete(t.members, key)
		t.metrics.SetActiveUsers(len(t.members))
	}); err != nil {
		return err
	}
	t.publish(ctx, Message{Op: OpUntrack, Instance: t.instance, Key: key, At: at})
	return nil
}

// ActiveUsers はオンライン中のキーの数を返す。
func (t *Tracker) ActiveUsers(ctx context.Context) (int, error) {
	var n int
	err := t.do(ctx, func() {
		n = len(t.members)
	})
	return n, err
}

// Sweep はハートビートが2回続けて届いていないキーを取り除き、その数を返す。
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	var pruned int
	err := t.do(ctx, func() {
		deadline := t.now().Add(-t.timeout)
		for k, m := range t.members {
			if m.lastSeen.Before(deadline) {
				delete(t.members, k)
				pruned++
			}
		}
		t.metrics.SetActiveUsers(len(t.members))
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		t.logger.Debug("オフラインのユーザーを取り除きました", slog.Int("pruned", pruned))
	}
	return pruned, nil
}

func (t *Tracker) applyRemote(m Message) {
	switch m.Op {
	case OpTrack:
		// 時計のずれを避けるため、受信した時刻を最終確認時刻にする
		t.put(m.Key, member{userID: m.UserID, lastSeen: t.now()})
	case OpUntrack:
		delete(t.members, m.Key)
		t.metrics.SetActiveUsers(len(t.members))
	}
}

// put はメンバーを登録する。上限に達していれば最も古いものを追い出す。
func (t *Tracker) put(key string, m member) {
	if _, ok := t.members[key]; !ok && len(t.members) >= t.max {
		var (
			oldestKey string
			oldest    time.Time
		)
		for k, v := range t.members {
			if oldestKey == "" || v.lastSeen.Before(oldest) {
				oldestKey, oldest = k, v.lastSeen
			}
		}
		delete(t.members, oldestKey)
	}
	t.members[key] = m
	t.metrics.SetActiveUsers(len(t.members))
}

func (t *Tracker) publish(ctx context.Context, msg Message) {
	if err := t.channel.Publish(ctx, msg); err != nil {
		t.logger.Warn("オンライン状態の共有に失敗しました",
			slog.String("key", msg.Key),
			slog.String("error", err.Error()),
		)
	}
}
