// Package security はアプリケーションのセキュリティ機能を提供する。
//
// DescriptionSanitizer は外部カレンダーから取得したイベント説明文のHTMLをサニタイズし、
// 保存前に危険なタグや属性を除去する。タグを含まないプレーンテキストは変更しない。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// Google Calendarのエディタが生成する書式タグのみを通過させる。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizer はイベント説明文のサニタイズ機能のインターフェースを定義する。
type DescriptionSanitizer interface {
	// Sanitize は説明文HTMLをサニタイズして安全なHTMLを返す。
	// タグを含まない入力（空文字列を含む）はそのまま返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// descriptionSanitizer はDescriptionSanitizerの実装。
// bluemondayのPolicyは構築後はスレッドセーフに使用できる。
type descriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, b, i, u, strong, em, ul, ol, li, span
//   - aタグ: href属性のみ、http/https/mailtoスキームに限定、rel="noopener noreferrer"を自動付与
//   - 上記以外のタグ（script, iframe, style, img等）とon*イベント属性は除去
func NewDescriptionSanitizer() *descriptionSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "b", "i", "u",
		"strong", "em", "ul", "ol", "li", "span",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireNoFollowOnLinks(false)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &descriptionSanitizer{
		policy: p,
	}
}

// Sanitize は説明文HTMLをサニタイズする。
// プレーンテキストはbluemondayに渡すと&や'がエスケープされるため、
// タグを含む場合のみサニタイズし、前後の空白を除去する。
func (s *descriptionSanitizer) Sanitize(rawHTML string) string {
	if !containsMarkup(rawHTML) {
		return rawHTML
	}
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// containsMarkup は文字列がタグ・コメント・終了タグらしき"<"を含むかどうかを返す。
// "budget < 5k" のように"<"の直後が英字・"/"・"!"でない場合はテキストとみなす。
func containsMarkup(text string) bool {
	for i := 0; i+1 < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		c := text[i+1]
		if c == '/' || c == '!' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') {
			return true
		}
	}
	return false
}
