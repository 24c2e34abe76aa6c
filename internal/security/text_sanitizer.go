// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はチャット本文や表示名からHTMLを取り除き、
// 利用者の入力がそのままマークアップとして解釈されないようにする。
// 判定はbluemondayのStrictPolicy（全タグ拒否）に任せる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキスト入力の無害化のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いたテキストを返す。
	// 実体参照は元の文字に戻すため、"a & b" は "a & b" のまま保存される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はTextSanitizerを実装する。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは残したテキストをエスケープするため、保存前に戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.TrimSpace(cleaned)
}
