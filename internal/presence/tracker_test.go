package presence

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingCollector struct {
	mu     sync.Mutex
	active int
}

func (r *recordingCollector) RecordEventAppended(string)           {}
func (r *recordingCollector) RecordIncrementDropped(string)        {}
func (r *recordingCollector) RecordRefetch(string, bool)           {}
func (r *recordingCollector) RecordInvalidation(string)            {}
func (r *recordingCollector) RecordBusOverflow(string)             {}
func (r *recordingCollector) RecordLinkCheck(string)               {}
func (r *recordingCollector) RecordHTTPStatus(int)                 {}
func (r *recordingCollector) RecordLinkCheckLatency(time.Duration) {}
func (r *recordingCollector) SetActiveUsers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// startTracker はTrackerを起動し、テスト終了時に停止する。
func startTracker(t *testing.T, tr *Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func activeUsers(t *testing.T, tr *Tracker) int {
	t.Helper()
	n, err := tr.ActiveUsers(context.Background())
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	return n
}

func strPtr(s string) *string { return &s }

func TestTracker_PrunedAfterTwoMissedHeartbeats(t *testing.T) {
	var buf bytes.Buffer
	clock := newFakeClock()
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a", Now: clock.Now})
	startTracker(t, tr)
	ctx := context.Background()

	if err := tr.Join(ctx, "user-1", strPtr("user-1")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := tr.Heartbeat(ctx, "user-1"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	// 2回分（60秒）ちょうどではまだオンライン
	clock.Advance(60 * time.Second)
	if pruned, _ := tr.Sweep(ctx); pruned != 0 {
		t.Errorf("pruned = %d at exactly two intervals, want 0", pruned)
	}
	if got := activeUsers(t, tr); got != 1 {
		t.Errorf("ActiveUsers = %d, want 1", got)
	}

	clock.Advance(time.Second)
	if pruned, _ := tr.Sweep(ctx); pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if got := activeUsers(t, tr); got != 0 {
		t.Errorf("ActiveUsers = %d, want 0", got)
	}
}

func TestTracker_HeartbeatKeepsMemberAlive(t *testing.T) {
	var buf bytes.Buffer
	clock := newFakeClock()
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a", Now: clock.Now})
	startTracker(t, tr)
	ctx := context.Background()

	tr.Join(ctx, "session-1", nil)
	for i := 0; i < 10; i++ {
		clock.Advance(30 * time.Second)
		tr.Heartbeat(ctx, "session-1")
		tr.Sweep(ctx)
	}
	if got := activeUsers(t, tr); got != 1 {
		t.Errorf("ActiveUsers = %d, want 1", got)
	}
}

func TestTracker_JoinLeave(t *testing.T) {
	var buf bytes.Buffer
	collector := &recordingCollector{}
	tr := NewTracker(NewMemoryChannel(), collector, newTestLogger(&buf), Options{Instance: "a"})
	startTracker(t, tr)
	ctx := context.Background()

	tr.Join(ctx, "user-1", strPtr("user-1"))
	tr.Join(ctx, "session-2", nil)
	tr.Join(ctx, "user-1", strPtr("user-1"))

	if got := activeUsers(t, tr); got != 2 {
		t.Errorf("ActiveUsers = %d, want 2", got)
	}
	collector.mu.Lock()
	if collector.active != 2 {
		t.Errorf("active users gauge = %d, want 2", collector.active)
	}
	collector.mu.Unlock()

	tr.Leave(ctx, "user-1")
	tr.Leave(ctx, "unknown")
	if got := activeUsers(t, tr); got != 1 {
		t.Errorf("ActiveUsers = %d, want 1", got)
	}
}

func TestTracker_HeartbeatRegistersUnknownKey(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a"})
	startTracker(t, tr)

	tr.Heartbeat(context.Background(), "session-9")
	if got := activeUsers(t, tr); got != 1 {
		t.Errorf("ActiveUsers = %d, want 1", got)
	}
}

func TestTracker_MaxMembersEvictsOldest(t *testing.T) {
	var buf bytes.Buffer
	clock := newFakeClock()
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a", MaxMembers: 2, Now: clock.Now})
	startTracker(t, tr)
	ctx := context.Background()

	tr.Join(ctx, "first", nil)
	clock.Advance(time.Second)
	tr.Join(ctx, "second", nil)
	clock.Advance(time.Second)
	tr.Join(ctx, "third", nil)

	if got := activeUsers(t, tr); got != 2 {
		t.Errorf("ActiveUsers = %d, want 2", got)
	}
	// firstが追い出されていれば、second/thirdの更新で件数は増えない
	tr.Heartbeat(ctx, "second")
	tr.Heartbeat(ctx, "third")
	if got := activeUsers(t, tr); got != 2 {
		t.Errorf("ActiveUsers = %d, want 2", got)
	}
}

func TestTracker_StoppedReturnsError(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := tr.ActiveUsers(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestTracker_NotStartedHonoursContext(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(NewMemoryChannel(), nil, newTestLogger(&buf), Options{Instance: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Join(ctx, "k", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestTracker_SharesMembershipAcrossInstances(t *testing.T) {
	var buf bytes.Buffer
	ch := NewMemoryChannel()
	a := NewTracker(ch, nil, newTestLogger(&buf), Options{Instance: "a"})
	b := NewTracker(ch, nil, newTestLogger(&buf), Options{Instance: "b"})
	startTracker(t, a)
	startTracker(t, b)
	waitFor(t, func() bool { return ch.Subscribers() == 2 })
	ctx := context.Background()

	a.Join(ctx, "user-1", strPtr("user-1"))
	b.Join(ctx, "session-2", nil)
	waitFor(t, func() bool { return activeUsers(t, a) == 2 && activeUsers(t, b) == 2 })

	// 同じキーが両方のインスタンスに現れても1人として数える
	b.Join(ctx, "user-1", strPtr("user-1"))
	if got := activeUsers(t, a); got != 2 {
		t.Errorf("a.ActiveUsers = %d, want 2", got)
	}

	a.Leave(ctx, "session-2")
	waitFor(t, func() bool { return activeUsers(t, b) == 1 })
}

func TestTracker_RedisChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	a := NewTracker(NewRedisChannel(clientA, logger), nil, logger, Options{Instance: "a"})
	b := NewTracker(NewRedisChannel(clientB, logger), nil, logger, Options{Instance: "b"})
	startTracker(t, a)
	startTracker(t, b)
	waitFor(t, func() bool { return mr.PubSubNumSub(ChannelName)[ChannelName] == 2 })
	ctx := context.Background()

	if err := a.Join(ctx, "user-1", strPtr("user-1")); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, func() bool { return activeUsers(t, b) == 1 })

	a.Leave(ctx, "user-1")
	waitFor(t, func() bool { return activeUsers(t, b) == 0 })
}

func TestRedisChannel_DropsMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	var buf bytes.Buffer
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ch := NewRedisChannel(client, newTestLogger(&buf))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 2)
	go ch.Run(ctx, func(m Message) { got <- m })
	waitFor(t, func() bool { return mr.PubSubNumSub(ChannelName)[ChannelName] == 1 })

	mr.Publish(ChannelName, "not json")
	ch.Publish(ctx, Message{Op: OpTrack, Instance: "x", Key: "k"})

	select {
	case m := <-got:
		if m.Key != "k" || m.Op != OpTrack {
			t.Errorf("message = %+v, want track k", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message was not delivered")
	}
	if !bytes.Contains(buf.Bytes(), []byte("不正なオンライン状態")) {
		t.Errorf("malformed message should be logged, got %s", buf.String())
	}
}
