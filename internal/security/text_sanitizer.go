package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextRunes は表示項目の既定の最大文字数。
const DefaultMaxTextRunes = 255

// TextSanitizer はプロフィールの表示項目（ユーザー名、氏名）をプレーンテキストに整える。
// 認証プロバイダー由来の値をそのまま保存しないために使う。
type TextSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTextSanitizer はTextSanitizerを生成する。maxRunesが0以下の場合は既定値を使う。
func NewTextSanitizer(maxRunes int) *TextSanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTextRunes
	}
	return &TextSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: maxRunes,
	}
}

// SanitizeText はHTMLタグと制御文字を除去し、空白を正規化して最大文字数に切り詰める。
// 同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}

	stripped := html.UnescapeString(s.policy.Sanitize(in))
	stripped = strings.Map(func(r rune) rune {
		switch {
		case r == '<' || r == '>':
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, stripped)

	out := strings.Join(strings.Fields(stripped), " ")
	if runes := []rune(out); len(runes) > s.maxRunes {
		out = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return out
}
