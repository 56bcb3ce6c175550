package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/internboard/internal/middleware"
)

// SessionHeader は匿名ブラウザのセッションIDを運ぶヘッダー。
const SessionHeader = "X-Session-ID"

// PresenceTrackerInterface はオンライン状態ハンドラーが必要とするインターフェース。
type PresenceTrackerInterface interface {
	Join(ctx context.Context, key string, userID *string) error
	Heartbeat(ctx context.Context, key string) error
	Leave(ctx context.Context, key string) error
}

// PresenceHandler はオンライン状態のHTTPハンドラー。
// ログイン中ならユーザーID、匿名ならX-Session-IDをキーにする。
type PresenceHandler struct {
	tracker   PresenceTrackerInterface
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewPresenceHandler はPresenceHandlerを生成する。
func NewPresenceHandler(tracker PresenceTrackerInterface, heartbeat time.Duration, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{tracker: tracker, heartbeat: heartbeat, logger: logger}
}

// presenceRequest はオンライン状態の通知ボディ。Eventは join または heartbeat。
type presenceRequest struct {
	Event string `json:"event"`
}

// presenceResponse はオンライン状態の通知レスポンス。
// クライアントはSessionIDを保持し、HeartbeatSeconds間隔で通知を続ける。
type presenceResponse struct {
	resultResponse
	SessionID        string `json:"session_id"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

// Track は参加またはハートビートを記録する。
// 匿名でセッションIDがない場合は新しく発行し、参加として扱う。
// POST /api/presence
func (h *PresenceHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	key, userID, issued := presenceKey(r)
	var err error
	if issued || req.Event == "join" {
		err = h.tracker.Join(r.Context(), key, userID)
	} else {
		err = h.tracker.Heartbeat(r.Context(), key)
	}
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	if userID == nil {
		w.Header().Set(SessionHeader, key)
	}
	writeJSON(w, http.StatusOK, presenceResponse{
		resultResponse:   ok("オンライン状態を記録しました"),
		SessionID:        key,
		HeartbeatSeconds: int(h.heartbeat / time.Second),
	})
}

// Leave は退出を通知する。失敗してもハートビート切れで削除されるため成功として返す。
// DELETE /api/presence
func (h *PresenceHandler) Leave(w http.ResponseWriter, r *http.Request) {
	key, _, issued := presenceKey(r)
	if !issued {
		if err := h.tracker.Leave(r.Context(), key); err != nil {
			h.logger.Warn("退出の通知に失敗しました", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, ok("退出しました"))
}

// presenceKey はリクエストのオンライン状態キーを返す。
// 匿名で有効なセッションIDがない場合は新しいIDを発行し、issuedをtrueにする。
func presenceKey(r *http.Request) (key string, userID *string, issued bool) {
	if id := optionalUserID(r); id != nil {
		return *id, id, false
	}
	if sid, err := uuid.Parse(r.Header.Get(SessionHeader)); err == nil {
		return sid.String(), nil, false
	}
	return uuid.New().String(), nil, true
}
