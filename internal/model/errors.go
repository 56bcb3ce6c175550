// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。
// ハンドラーはKindからHTTPステータスを決定する。
type ErrorKind string

const (
	// KindValidation は入力不正。書き込み前に処理を中断する。
	KindValidation ErrorKind = "validation"
	// KindAuth は認証ユーザー不在または権限不足。
	KindAuth ErrorKind = "auth"
	// KindNotFound は操作対象が存在しない。
	KindNotFound ErrorKind = "not_found"
	// KindTransientStorage はDB接続断などの一時的な障害。自動リトライはしない。
	KindTransientStorage ErrorKind = "transient_storage"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string    // エラーコード
	Kind     ErrorKind // エラー分類
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: auth, validation, listing, stats, system
	Action   string    // ユーザー向け対処方法
	Cause    error     // 元のエラー（ログ用、レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// IsKind はerrがAPIErrorで、指定した分類であるかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == kind
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInvalidEventKind   = "INVALID_EVENT_KIND"
	ErrCodeListingRequired    = "LISTING_REQUIRED"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeListingNotFound    = "LISTING_NOT_FOUND"
	ErrCodeEventNotFound      = "EVENT_NOT_FOUND"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
)

// NewValidationError は入力検証エラーを生成する。
// fieldは問題のある項目名、reasonは理由。
func NewValidationError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Kind:     KindValidation,
		Message:  fmt.Sprintf("%s: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidEventKindError は未知のイベント種別エラーを生成する。
func NewInvalidEventKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEventKind,
		Kind:     KindValidation,
		Message:  fmt.Sprintf("不明なイベント種別です: %s", kind),
		Category: "validation",
		Action:   "イベント種別には view または apply を指定してください。",
	}
}

// NewListingRequiredError はイベントの募集参照が欠けている場合のエラーを生成する。
func NewListingRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeListingRequired,
		Kind:     KindValidation,
		Message:  "募集IDが指定されていないか、存在しない募集です。",
		Category: "validation",
		Action:   "募集IDを確認してください。",
	}
}

// NewAuthError はログインが必要な操作を未認証で実行した場合のエラーを生成する。
func NewAuthError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Kind:     KindAuth,
		Message:  "この操作にはログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewForbiddenError は管理者権限が必要な操作のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Kind:     KindAuth,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewListingNotFoundError は募集未検出エラーを生成する。
func NewListingNotFoundError(listingID string) *APIError {
	return &APIError{
		Code:     ErrCodeListingNotFound,
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("指定された募集が見つかりません: %s", listingID),
		Category: "listing",
		Action:   "募集IDを確認してください。",
	}
}

// NewEventNotFoundError はイベントログ未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Kind:     KindNotFound,
		Message:  fmt.Sprintf("指定されたログが見つかりません: %s", eventID),
		Category: "stats",
		Action:   "ログIDを確認してください。",
	}
}

// NewTransientStorageError はDBへの一時的なアクセス失敗を表すエラーを生成する。
func NewTransientStorageError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageUnavailable,
		Kind:     KindTransientStorage,
		Message:  "データの読み書きに一時的に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}
