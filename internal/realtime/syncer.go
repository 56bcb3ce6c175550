package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
)

// State は購読テーブルごとの同期状態。
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateSubscribed
	StateRefetching
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateRefetching:
		return "refetching"
	}
	return "unknown"
}

// Syncer はSourceから受け取った変更通知を無効化メッセージとしてBusに流す。
// 通知の中身をそのまま状態に反映することはせず、どのテーブルが変わったかだけを伝える。
type Syncer struct {
	source  Source
	bus     *Bus
	tables  []Table
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[Table]State
}

// NewSyncer はSyncerを生成する。tablesが空の場合はWatchedTablesを購読する。
func NewSyncer(source Source, bus *Bus, tables []Table, collector metrics.MetricsCollector, logger *slog.Logger) *Syncer {
	if len(tables) == 0 {
		tables = WatchedTables
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	states := make(map[Table]State, len(tables))
	for _, t := range tables {
		states[t] = StateDisconnected
	}
	return &Syncer{
		source:  source,
		bus:     bus,
		tables:  tables,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
		states:  states,
	}
}

// State はtableの現在の同期状態を返す。
func (s *Syncer) State(table Table) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[table]
}

// States は全テーブルの同期状態のコピーを返す。
func (s *Syncer) States() map[Table]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Table]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *Syncer) setState(table Table, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[table] = st
}

func (s *Syncer) setAll(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.states {
		s.states[t] = st
	}
}

// Run は全テーブルを購読し、ctxがキャンセルされるかSourceが閉じるまで通知を配送する。
func (s *Syncer) Run(ctx context.Context) error {
	for _, t := range s.tables {
		s.setState(t, StateSubscribing)
		if err := s.source.Subscribe(ctx, t); err != nil {
			s.setState(t, StateDisconnected)
			return fmt.Errorf("変更通知の購読に失敗しました: %w", err)
		}
		s.setState(t, StateSubscribed)
	}
	s.logger.Info("変更通知の購読を開始しました", slog.Int("tables", len(s.tables)))

	defer s.setAll(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-s.source.Changes():
			if !ok {
				return nil
			}
			s.handle(c)
		case ev := <-s.source.Events():
			s.handleConn(ev)
		}
	}
}

func (s *Syncer) handle(c Change) {
	st := s.State(c.Table)
	if st != StateSubscribed && st != StateRefetching {
		s.logger.Debug("購読していないテーブルの通知を無視しました", slog.String("table", string(c.Table)))
		return
	}

	s.setState(c.Table, StateRefetching)
	s.metrics.RecordInvalidation(string(c.Table))
	s.bus.Publish(Invalidation{
		Table:  c.Table,
		Kind:   c.Kind,
		Row:    c.New,
		OldRow: c.Old,
		At:     s.now(),
	})
	s.setState(c.Table, StateSubscribed)
}

func (s *Syncer) handleConn(ev ConnEvent) {
	switch ev {
	case ConnDisconnected:
		s.setAll(StateDisconnected)
		s.logger.Warn("変更通知の購読が切断されました")
	case ConnReconnected:
		s.setAll(StateSubscribed)
		// 切断中の変更は届いていないため全件再取得させる
		s.metrics.RecordInvalidation("resync")
		s.bus.Publish(Resync(s.now()))
		s.logger.Info("変更通知の購読が再開しました")
	case ConnConnected:
		s.setAll(StateSubscribed)
	}
}
