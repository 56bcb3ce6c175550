package linkcheck

import (
	"net/http"

	"github.com/hitoshi/internboard/internal/model"
)

// ClassifyHTTPStatus はHTTPステータスコードをリンクの状態に分類する。
// リダイレクトはクライアントが追従するため、ここには最終応答のコードが渡される。
func ClassifyHTTPStatus(statusCode int) model.LinkStatus {
	switch {
	case statusCode >= 200 && statusCode < 400:
		return model.LinkStatusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return model.LinkStatusBroken
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// ログイン必須やボット拒否のページは、人が開けば見られることが多い
		return model.LinkStatusTemporary
	case statusCode == http.StatusTooManyRequests:
		return model.LinkStatusTemporary
	case statusCode >= 500:
		return model.LinkStatusTemporary
	case statusCode >= 400:
		return model.LinkStatusBroken
	default:
		return model.LinkStatusTemporary
	}
}

// needsGetFallback はHEADに対応していないサーバーの応答かどうかを返す。
func needsGetFallback(statusCode int) bool {
	return statusCode == http.StatusMethodNotAllowed || statusCode == http.StatusNotImplemented
}
