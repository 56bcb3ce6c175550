package listing

import (
	"sync"
	"time"
)

// Debouncer はキーごとに直前の操作時刻を保持し、窓内の再操作を破棄する。
// 保持するキー数はcapacityで上限を設け、超えた場合は窓を過ぎたエントリ、
// それでも足りなければ最も古いエントリから捨てる。
// インスタンスごとに独立した状態を持つ。
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	now      func() time.Time
	last     map[string]time.Time
}

// NewDebouncer はDebouncerを生成する。nowがnilの場合はtime.Nowを使う。
func NewDebouncer(window time.Duration, capacity int, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Debouncer{
		window:   window,
		capacity: capacity,
		now:      now,
		last:     make(map[string]time.Time),
	}
}

// Allow はkeyの操作を通す場合にtrueを返し、その時刻を記録する。
// 前回の操作から窓内であればfalseを返し、記録は更新しない。
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if prev, ok := d.last[key]; ok && now.Sub(prev) < d.window {
		return false
	}

	if _, ok := d.last[key]; !ok && len(d.last) >= d.capacity {
		d.evict(now)
	}
	d.last[key] = now
	return true
}

// Len は保持しているキー数を返す。
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

func (d *Debouncer) evict(now time.Time) {
	for k, t := range d.last {
		if now.Sub(t) >= d.window {
			delete(d.last, k)
		}
	}
	if len(d.last) < d.capacity {
		return
	}

	var oldestKey string
	var oldest time.Time
	for k, t := range d.last {
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = k, t
		}
	}
	delete(d.last, oldestKey)
}
