// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// minJWTSecretLength はHS256の鍵として受け付ける最短の長さ。
const minJWTSecretLength = 32

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Identity provider
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// Redis（未設定なら単一インスタンスとして動く）
	RedisURL   string `env:"REDIS_URL"`
	InstanceID string `env:"INSTANCE_ID"`

	// Server
	ServerPort        string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL           string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Rate Limit（req/min）
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitTrack   int `env:"RATE_LIMIT_TRACK" envDefault:"30"`

	// Tracking
	ViewDebounce  time.Duration `env:"VIEW_DEBOUNCE" envDefault:"2s"`
	ApplyThrottle time.Duration `env:"APPLY_THROTTLE" envDefault:"3s"`

	// Realtime
	PresenceHeartbeat time.Duration `env:"PRESENCE_HEARTBEAT" envDefault:"30s"`
	PulseDebounce     time.Duration `env:"PULSE_DEBOUNCE" envDefault:"300ms"`
	PulseHideAfter    time.Duration `env:"PULSE_HIDE_AFTER" envDefault:"3s"`

	// Link check
	LinkCheckInterval      time.Duration `env:"LINKCHECK_INTERVAL" envDefault:"15m"`
	LinkCheckTimeout       time.Duration `env:"LINKCHECK_TIMEOUT" envDefault:"10s"`
	LinkCheckMaxConcurrent int           `env:"LINKCHECK_MAX_CONCURRENT" envDefault:"5"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗しました: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET は%d文字以上にしてください", minJWTSecretLength)
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitTrack <= 0 {
		return fmt.Errorf("RATE_LIMIT_GENERAL と RATE_LIMIT_TRACK は1以上にしてください")
	}
	if c.LinkCheckMaxConcurrent <= 0 {
		return fmt.Errorf("LINKCHECK_MAX_CONCURRENT は1以上にしてください")
	}
	for name, d := range map[string]time.Duration{
		"VIEW_DEBOUNCE":      c.ViewDebounce,
		"APPLY_THROTTLE":     c.ApplyThrottle,
		"PRESENCE_HEARTBEAT": c.PresenceHeartbeat,
		"PULSE_DEBOUNCE":     c.PulseDebounce,
		"PULSE_HIDE_AFTER":   c.PulseHideAfter,
		"LINKCHECK_INTERVAL": c.LinkCheckInterval,
		"LINKCHECK_TIMEOUT":  c.LinkCheckTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s は正の期間にしてください", name)
		}
	}
	return nil
}
