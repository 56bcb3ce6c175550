package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/internboard/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 1 << 20

// resultResponse は更新系APIの共通レスポンス。
// UIはSuccessで成否を判定し、Messageをそのまま表示する。
type resultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ok(message string) resultResponse {
	return resultResponse{Success: true, Message: message}
}

// writeJSON はvをJSONとして書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("レスポンスの書き込みに失敗しました", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvに読み込む。
// 空のボディは許容し、vはゼロ値のまま返す。
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return model.NewValidationError("body", "JSONの形式が正しくありません")
	}
	return nil
}

// optionalUserID は認証済みならユーザーIDへのポインタを、匿名ならnilを返す。
func optionalUserID(r *http.Request) *string {
	id, err := currentUserID(r)
	if err != nil {
		return nil
	}
	return &id
}
