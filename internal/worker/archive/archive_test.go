package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type mockArchiver struct {
	called bool
	now    time.Time
	n      int64
	err    error
}

func (m *mockArchiver) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	m.called = true
	m.now = now
	return m.n, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestJob_Run_PassesCurrentTimeInUTC(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockArchiver{n: 3}
	job := NewJob(mock, newTestLogger(&buf))
	fixed := time.Date(2024, 4, 1, 7, 0, 0, 0, time.FixedZone("UTC+7", 7*3600))
	job.now = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if !mock.called {
		t.Fatal("ArchiveExpired was not called")
	}
	if !mock.now.Equal(fixed) || mock.now.Location() != time.UTC {
		t.Errorf("now = %v, want %v in UTC", mock.now, fixed)
	}
}

func TestJob_Run_LogsArchivedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockArchiver{n: 5}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["archived_count"] != float64(5) {
		t.Errorf("archived_count = %v, want 5", entry["archived_count"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms is missing from the log")
	}
}

func TestJob_Run_ZeroIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockArchiver{}, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Errorf("Run() returned error: %v", err)
	}
}

func TestJob_Run_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockArchiver{err: errors.New("connection refused")}, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should return an error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want wrapped cause", err)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("failure should be logged at ERROR, got %s", buf.String())
	}
}
