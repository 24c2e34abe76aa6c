package security

import (
	"strings"
	"testing"
)

func TestTextSanitizer_Sanitize(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "プレーンテキストはそのまま", input: "今日は英単語を100個", want: "今日は英単語を100個"},
		{name: "前後の空白を除去", input: "  がんばろう \n", want: "がんばろう"},
		{name: "scriptタグは中身ごと除去", input: `<script>alert(1)</script>hi`, want: "hi"},
		{name: "装飾タグは外してテキストを残す", input: "<b>集中</b>タイム", want: "集中タイム"},
		{name: "イベント属性付きimgは除去", input: `<img src=x onerror=alert(1)>ok`, want: "ok"},
		{name: "記号は実体参照にならない", input: "a & b < c", want: "a & b < c"},
		{name: "空文字列", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizer.Sanitize(tt.input)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	inputs := []string{
		"<p>段落</p><i>斜体</i>",
		"1 &lt; 2",
		strings.Repeat("<div>x</div>", 5),
	}
	for _, in := range inputs {
		once := sanitizer.Sanitize(in)
		twice := sanitizer.Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}
