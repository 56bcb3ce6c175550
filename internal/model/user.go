package model

// Role はユーザーの役割を表す。
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// CurrentUser はリクエスト中の認証済みユーザーを表す。
// IdPが発行したトークンのクレームから組み立てる。
type CurrentUser struct {
	ID    string
	Email string
}
