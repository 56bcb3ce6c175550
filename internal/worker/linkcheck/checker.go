// Package linkcheck は外部リンク応募の応募先URLの死活チェックを提供する。
// チェックはSSRF対策済みのHTTPクライアントで行い、結果を募集に記録する。
package linkcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/internboard/internal/metrics"
	"github.com/hitoshi/internboard/internal/model"
)

// userAgent はチェック時に送るUser-Agent。
const userAgent = "internboard-linkcheck/1.0"

// URLValidator はチェック前にURLが公開アドレスを指しているかを検証する。
// security.URLGuard が満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Result は1件のチェック結果。
type Result struct {
	Status     model.LinkStatus
	StatusCode int // 応答がなかった場合は0
	Latency    time.Duration
	Err        error
}

// Checker はURLを1件ずつチェックする。
type Checker struct {
	client    *http.Client
	validator URLValidator
	metrics   metrics.MetricsCollector
}

// NewChecker はCheckerを生成する。clientにはsecurity.URLGuard.NewSafeClientで作ったものを渡す。
func NewChecker(client *http.Client, validator URLValidator, collector metrics.MetricsCollector) *Checker {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Checker{client: client, validator: validator, metrics: collector}
}

// Check はrawURLの状態を返す。
// 公開URLでないものはリクエストせずにbroken、通信エラーはtemporaryとする。
func (c *Checker) Check(ctx context.Context, rawURL string) Result {
	if err := c.validator.ValidateURL(rawURL); err != nil {
		return Result{Status: model.LinkStatusBroken, Err: err}
	}

	start := time.Now()
	code, err := c.request(ctx, http.MethodHead, rawURL)
	if err == nil && needsGetFallback(code) {
		code, err = c.request(ctx, http.MethodGet, rawURL)
	}
	latency := time.Since(start)
	c.metrics.RecordLinkCheckLatency(latency)

	if err != nil {
		return Result{Status: model.LinkStatusTemporary, Latency: latency, Err: err}
	}
	c.metrics.RecordHTTPStatus(code)
	return Result{Status: ClassifyHTTPStatus(code), StatusCode: code, Latency: latency}
}

func (c *Checker) request(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("リンクへの接続に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	// 本文は読まない。接続を再利用できるよう少しだけ捨てる
	io.CopyN(io.Discard, resp.Body, 4096)
	return resp.StatusCode, nil
}
