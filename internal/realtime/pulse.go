package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// 既定のパルス設定
const (
	DefaultPulseDebounce  = 300 * time.Millisecond
	DefaultPulseHideAfter = 3 * time.Second
)

// PulseEvent は「更新しました」表示の状態変化。
// Visibleがtrueの場合はTablesに直近で変更されたテーブルが入る。
type PulseEvent struct {
	Visible bool
	Tables  []Table
	At      time.Time
}

// Pulse は連続する無効化メッセージを末尾デバウンスでまとめ、1回の更新通知にする。
// 通知後、hideAfterが経過すると非表示の通知を送る。
type Pulse struct {
	debounce  time.Duration
	hideAfter time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[Table]bool
	resync  bool
	local   bool
	gen     int
	fire    *time.Timer
	hide    *time.Timer
	visible bool
	last    PulseEvent
	subs    map[chan PulseEvent]struct{}
	fanout  func(tables []Table)
}

// NewPulse はPulseを生成する。0以下の値には既定値を使う。
func NewPulse(debounce, hideAfter time.Duration) *Pulse {
	if debounce <= 0 {
		debounce = DefaultPulseDebounce
	}
	if hideAfter <= 0 {
		hideAfter = DefaultPulseHideAfter
	}
	return &Pulse{
		debounce:  debounce,
		hideAfter: hideAfter,
		now:       time.Now,
		pending:   make(map[Table]bool),
		subs:      make(map[chan PulseEvent]struct{}),
	}
}

// OnFire はパルス発火時に呼ばれる関数を設定する。他インスタンスへの転送に使う。
func (p *Pulse) OnFire(fn func(tables []Table)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fanout = fn
}

// Run はinから無効化メッセージを受け取り続ける。
func (p *Pulse) Run(ctx context.Context, in <-chan Invalidation) {
	defer p.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-in:
			if !ok {
				return
			}
			p.Notify(inv)
		}
	}
}

// Notify は無効化メッセージを1件受け付け、デバウンスタイマーを延長する。
func (p *Pulse) Notify(inv Invalidation) {
	if inv.IsResync() {
		p.touch(nil, true, true)
		return
	}
	p.touch([]Table{inv.Table}, false, true)
}

// NotifyTables は他インスタンスから届いた変更をまとめて受け付ける。
// これだけで発火したパルスは転送しない。
func (p *Pulse) NotifyTables(tables []Table) {
	p.touch(tables, false, false)
}

func (p *Pulse) touch(tables []Table, resync, local bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range tables {
		p.pending[t] = true
	}
	if resync {
		p.resync = true
	}
	if local {
		p.local = true
	}

	if p.fire != nil {
		p.fire.Stop()
	}
	p.gen++
	gen := p.gen
	p.fire = time.AfterFunc(p.debounce, func() { p.emit(gen) })
}

func (p *Pulse) emit(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// 停止が間に合わなかった古いタイマー
	if gen != p.gen {
		return
	}

	tables := make([]Table, 0, len(p.pending))
	if p.resync {
		tables = append(tables, WatchedTables...)
	} else {
		for t := range p.pending {
			tables = append(tables, t)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	}
	local := p.local
	p.pending = make(map[Table]bool)
	p.resync = false
	p.local = false
	p.fire = nil

	p.visible = true
	p.broadcast(PulseEvent{Visible: true, Tables: tables, At: p.now()})

	if p.hide != nil {
		p.hide.Stop()
	}
	hideGen := p.gen
	p.hide = time.AfterFunc(p.hideAfter, func() { p.conceal(hideGen) })

	if local && p.fanout != nil {
		go p.fanout(tables)
	}
}

func (p *Pulse) conceal(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.visible = false
	p.hide = nil
	p.broadcast(PulseEvent{Visible: false, At: p.now()})
}

// broadcast は購読者に送る。受信が詰まっている購読者には送らない。p.muを保持して呼ぶ。
func (p *Pulse) broadcast(ev PulseEvent) {
	p.last = ev
	for ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Visible は現在「更新しました」を表示すべきかを返す。
func (p *Pulse) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Last は最後に送ったイベントを返す。
func (p *Pulse) Last() PulseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Subscribe はパルスを受け取るチャネルと購読解除関数を返す。
func (p *Pulse) Subscribe() (<-chan PulseEvent, func()) {
	ch := make(chan PulseEvent, 8)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
		})
	}
}

func (p *Pulse) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fire != nil {
		p.fire.Stop()
	}
	if p.hide != nil {
		p.hide.Stop()
	}
}
