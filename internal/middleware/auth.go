// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/internboard/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("current_user")

// TokenVerifier はアクセストークンの検証に必要なインターフェース。
// auth.Verifier が満たす。
type TokenVerifier interface {
	Verify(token string) (*model.CurrentUser, error)
}

// RoleChecker は役割の確認に必要なインターフェース。
// repository.RoleRepositoryの部分集合として定義する。
type RoleChecker interface {
	HasRole(ctx context.Context, userID string, role model.Role) (bool, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 認証済みユーザーをリクエストコンテキストに注入するミドルウェアを返す。
// ヘッダーがなければ匿名として通し、不正なトークンには401を返す。
func NewAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				WriteError(w, model.NewAuthError())
				return
			}
			user, err := verifier.Verify(token)
			if err != nil {
				slog.Debug("アクセストークンの検証に失敗しました", slog.String("error", err.Error()))
				WriteError(w, model.NewAuthError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// RequireUser は認証済みでないリクエストに401を返すミドルウェア。
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CurrentUserFromContext(r.Context()); !ok {
			WriteError(w, model.NewAuthError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRequireAdminMiddleware はadmin役割を持たないユーザーに403を返すミドルウェアを返す。
// 未認証の場合は401を返す。
func NewRequireAdminMiddleware(roles RoleChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := CurrentUserFromContext(r.Context())
			if !ok {
				WriteError(w, model.NewAuthError())
				return
			}
			isAdmin, err := roles.HasRole(r.Context(), user.ID, model.RoleAdmin)
			if err != nil {
				slog.Error("役割の確認に失敗しました",
					slog.String("user_id", user.ID),
					slog.String("error", err.Error()),
				)
				WriteError(w, model.NewTransientStorageError(err))
				return
			}
			if !isAdmin {
				WriteError(w, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CurrentUserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func CurrentUserFromContext(ctx context.Context) (*model.CurrentUser, bool) {
	user, ok := ctx.Value(userContextKey).(*model.CurrentUser)
	if !ok || user == nil || user.ID == "" {
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := CurrentUserFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.CurrentUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}
