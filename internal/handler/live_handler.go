package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/internboard/internal/realtime"
)

// DefaultKeepAlive はSSE接続を維持するためのコメント送信間隔。
const DefaultKeepAlive = 25 * time.Second

// PulseSubscriber は「更新しました」パルスの購読元。
type PulseSubscriber interface {
	Subscribe() (<-chan realtime.PulseEvent, func())
	Last() realtime.PulseEvent
}

// LiveHandler はパルスをServer-Sent Eventsでブラウザに配信する。
type LiveHandler struct {
	pulse     PulseSubscriber
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewLiveHandler はLiveHandlerを生成する。keepAliveが0以下なら既定値を使う。
func NewLiveHandler(pulse PulseSubscriber, keepAlive time.Duration, logger *slog.Logger) *LiveHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &LiveHandler{pulse: pulse, keepAlive: keepAlive, logger: logger}
}

// pulseEventResponse はSSEで送るパルスのペイロード。
type pulseEventResponse struct {
	Visible bool      `json:"visible"`
	Tables  []string  `json:"tables"`
	At      time.Time `json:"at"`
}

func toPulseEventResponse(ev realtime.PulseEvent) pulseEventResponse {
	tables := make([]string, 0, len(ev.Tables))
	for _, t := range ev.Tables {
		tables = append(tables, string(t))
	}
	return pulseEventResponse{Visible: ev.Visible, Tables: tables, At: ev.At}
}

// Stream は接続中のクライアントにパルスを送り続ける。
// 接続直後に現在の状態を1回送る。
// GET /api/live
func (h *LiveHandler) Stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutはSSEには適用しない
	_ = rc.SetWriteDeadline(time.Time{})

	events, unsubscribe := h.pulse.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := h.send(w, rc, h.pulse.Last()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := h.send(w, rc, ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *LiveHandler) send(w http.ResponseWriter, rc *http.ResponseController, ev realtime.PulseEvent) error {
	data, err := json.Marshal(toPulseEventResponse(ev))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: pulse\ndata: %s\n\n", data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		h.logger.Warn("SSEのフラッシュに失敗しました", slog.String("error", err.Error()))
		return err
	}
	return nil
}
