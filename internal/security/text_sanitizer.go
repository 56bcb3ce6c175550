package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は募集説明などの自由記述からHTMLを除去する。
type TextSanitizer interface {
	// Sanitize はタグを取り除いたプレーンテキストを返す。前後の空白も除去する。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はStrictPolicy（全タグ除去）のTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去する。
// bluemondayはテキスト中の記号をエスケープするため、保存用にアンエスケープする。
// 表示側でエスケープされる前提のプレーンテキストとして扱う。
func (s *textSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
