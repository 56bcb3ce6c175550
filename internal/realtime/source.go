package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// ConnEvent は通知用コネクションの状態変化。
type ConnEvent int

const (
	ConnConnected ConnEvent = iota
	ConnDisconnected
	ConnReconnected
)

func (e ConnEvent) String() string {
	switch e {
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnReconnected:
		return "reconnected"
	}
	return "unknown"
}

// Source は変更通知の供給元。
type Source interface {
	// Subscribe はtableの変更通知の購読を開始する。
	Subscribe(ctx context.Context, table Table) error
	// Changes は受信した変更通知を返すチャネル。
	Changes() <-chan Change
	// Events はコネクションの状態変化を返すチャネル。
	Events() <-chan ConnEvent
	// Close は購読を終了する。
	Close() error
}

// ChannelName はtableの通知チャネル名を返す。トリガー側の命名と一致させる。
func ChannelName(table Table) string {
	return "changes_" + string(table)
}

// PGSource はlib/pqのListenerでLISTEN/NOTIFYを購読するSource。
// 切断時はListenerが自動で再接続し、再接続後はLISTENし直される。
type PGSource struct {
	listener *pq.Listener
	logger   *slog.Logger
	changes  chan Change
	events   chan ConnEvent
	done     chan struct{}
	once     sync.Once
}

// 再接続の待ち時間とヘルスチェック間隔
const (
	minReconnectInterval = 2 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// NewPGSource はPGSourceを生成し、通知の受信を開始する。
func NewPGSource(databaseURL string, logger *slog.Logger) *PGSource {
	s := &PGSource{
		logger:  logger,
		changes: make(chan Change, 256),
		events:  make(chan ConnEvent, 16),
		done:    make(chan struct{}),
	}
	s.listener = pq.NewListener(databaseURL, minReconnectInterval, maxReconnectInterval, s.onEvent)
	go s.loop()
	return s
}

func (s *PGSource) onEvent(ev pq.ListenerEventType, err error) {
	var mapped ConnEvent
	switch ev {
	case pq.ListenerEventConnected:
		mapped = ConnConnected
	case pq.ListenerEventDisconnected:
		mapped = ConnDisconnected
	case pq.ListenerEventReconnected:
		mapped = ConnReconnected
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("通知用コネクションの接続に失敗しました", slog.String("error", errString(err)))
		return
	default:
		return
	}

	if err != nil {
		s.logger.Warn("通知用コネクションの状態が変化しました",
			slog.String("event", mapped.String()),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("通知用コネクションの状態が変化しました", slog.String("event", mapped.String()))
	}

	select {
	case s.events <- mapped:
	case <-s.done:
	}
}

func (s *PGSource) loop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。状態変化はonEventで扱う
			if n == nil {
				continue
			}
			c, err := ParseChange(n.Extra)
			if err != nil {
				s.logger.Warn("変更通知を破棄しました",
					slog.String("channel", n.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.changes <- c:
			case <-s.done:
				return
			}
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("通知用コネクションのPingに失敗しました", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// Subscribe はLISTENを発行する。購読済みのチャネルはエラーにしない。
func (s *PGSource) Subscribe(ctx context.Context, table Table) error {
	err := s.listener.Listen(ChannelName(table))
	if err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
		return fmt.Errorf("%sの購読に失敗しました: %w", table, err)
	}
	return nil
}

// Changes は変更通知のチャネルを返す。
func (s *PGSource) Changes() <-chan Change {
	return s.changes
}

// Events はコネクション状態のチャネルを返す。
func (s *PGSource) Events() <-chan ConnEvent {
	return s.events
}

// Close はListenerを閉じる。
func (s *PGSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	return err
}

// MemorySource はプロセス内で変更通知を発生させるSource。
// DBを使わない構成とテストで使う。
type MemorySource struct {
	mu          sync.Mutex
	subscribed  map[Table]bool
	subscribeFn func(table Table) error

	changes chan Change
	events  chan ConnEvent
	once    sync.Once
}

// NewMemorySource はMemorySourceを生成する。
func NewMemorySource() *MemorySource {
	return &MemorySource{
		subscribed: make(map[Table]bool),
		changes:    make(chan Change, 256),
		events:     make(chan ConnEvent, 16),
	}
}

// Subscribe はtableを購読済みにする。
func (m *MemorySource) Subscribe(ctx context.Context, table Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeFn != nil {
		if err := m.subscribeFn(table); err != nil {
			return err
		}
	}
	m.subscribed[table] = true
	return nil
}

// Subscribed はtableが購読済みかを返す。
func (m *MemorySource) Subscribed(table Table) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[table]
}

// Emit は購読済みテーブルの変更を配送する。未購読なら捨ててfalseを返す。
func (m *MemorySource) Emit(c Change) bool {
	if !m.Subscribed(c.Table) {
		return false
	}
	m.changes <- c
	return true
}

// Disconnect は切断を通知する。
func (m *MemorySource) Disconnect() {
	m.events <- ConnDisconnected
}

// Reconnect は再接続を通知する。
func (m *MemorySource) Reconnect() {
	m.events <- ConnReconnected
}

// Changes は変更通知のチャネルを返す。
func (m *MemorySource) Changes() <-chan Change {
	return m.changes
}

// Events はコネクション状態のチャネルを返す。
func (m *MemorySource) Events() <-chan ConnEvent {
	return m.events
}

// Close はチャネルを閉じる。
func (m *MemorySource) Close() error {
	m.once.Do(func() {
		close(m.changes)
	})
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// compile-time interface check
var (
	_ Source = (*PGSource)(nil)
	_ Source = (*MemorySource)(nil)
)
