// Package auth は外部IdPが発行したアクセストークンを検証する。
// トークンの発行やログインフローはIdP側の責務で、ここでは扱わない。
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/internboard/internal/model"
)

// ErrInvalidToken はトークンが不正または期限切れの場合のエラー。
var ErrInvalidToken = errors.New("invalid access token")

// leeway はIdPとの時計のずれとして許容する幅。
const leeway = 30 * time.Second

// claims はIdPのアクセストークンのクレーム。subがユーザーID。
type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Verifier はHS256で署名されたアクセストークンを検証する。
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier はVerifierを生成する。issuerが空の場合はissを検証しない。
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Verify はトークンを検証し、認証済みユーザーを返す。
func (v *Verifier) Verify(token string) (*model.CurrentUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: subがありません", ErrInvalidToken)
	}
	return &model.CurrentUser{ID: c.Subject, Email: c.Email}, nil
}
