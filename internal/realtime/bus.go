package realtime

import (
	"sync"
	"time"
)

// DefaultQueueSize は購読者ごとのキューの既定サイズ。
const DefaultQueueSize = 64

// Bus は無効化メッセージを購読者ごとのキューに配送する。
// 遅い購読者が他の購読者や送信側を止めることはない。
// キューがあふれた購読者については溜まったメッセージを捨て、代わりにResyncを1件だけ配送する。
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
	now       func() time.Time

	onOverflow func(subscriber string)
}

// NewBus はBusを生成する。queueSizeが0以下の場合は既定値を使う。
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		now:       time.Now,
	}
}

// Subscription はBusの購読者1つ分のキュー。
type Subscription struct {
	name   string
	bus    *Bus
	out    chan Invalidation
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	queue      []Invalidation
	overflowed int
	// holding はpumpが取り出したResyncをまだ渡せていないこと
	holding bool
}

// Subscribe は購読者を登録する。nameはログ・テスト用の識別名。
func (b *Bus) Subscribe(name string) *Subscription {
	s := &Subscription{
		name:   name,
		bus:    b,
		out:    make(chan Invalidation),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// OnOverflow は購読者のキューがあふれたときに呼ばれる関数を設定する。メトリクスの記録に使う。
func (b *Bus) OnOverflow(fn func(subscriber string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOverflow = fn
}

// Publish はメッセージを全購読者のキューに積む。ブロックしない。
func (b *Bus) Publish(inv Invalidation) {
	b.mu.Lock()
	var overflowed []string
	for s := range b.subs {
		if s.push(inv, b.queueSize, b.now) {
			overflowed = append(overflowed, s.name)
		}
	}
	hook := b.onOverflow
	b.mu.Unlock()

	if hook != nil {
		for _, name := range overflowed {
			hook(name)
		}
	}
}

// Close は全購読を終了する。
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.stop()
	}
}

// C はメッセージを受け取るチャネルを返す。購読終了時にクローズされる。
func (s *Subscription) C() <-chan Invalidation {
	return s.out
}

// Overflows はキューがあふれた回数を返す。
func (s *Subscription) Overflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// Close は購読を終了する。
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// push はinvをキューに積み、あふれた場合はtrueを返す。
// 未配送のResyncがある間（キューの先頭にあるか、pumpが渡す前）はそれ以降の変更も
// 再取得で読み込まれるため、キューには積まない。
// Resyncはキューの先頭にしか置かれない。
func (s *Subscription) push(inv Invalidation, limit int, now func() time.Time) (overflowed bool) {
	s.mu.Lock()
	switch {
	case s.holding:
	case inv.IsResync():
		s.queue = append(s.queue[:0], inv)
	case len(s.queue) > 0 && s.queue[0].IsResync():
	case len(s.queue) >= limit:
		s.queue = append(s.queue[:0], Resync(now()))
		s.overflowed++
		overflowed = true
	default:
		s.queue = append(s.queue, inv)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return overflowed
}

func (s *Subscription) pop() (Invalidation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Invalidation{}, false
	}
	inv := s.queue[0]
	s.queue = s.queue[1:]
	s.holding = inv.IsResync()
	return inv, true
}

func (s *Subscription) delivered() {
	s.mu.Lock()
	s.holding = false
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		inv, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- inv:
			s.delivered()
		case <-s.done:
			return
		}
	}
}
