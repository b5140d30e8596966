package service

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateOnRune(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"短于上限", "hello", 10, "hello"},
		{"恰好等于上限", "hello", 5, "hello"},
		{"ASCII 截断", "hello world", 5, "hello"},
		{"中文不截半个字", "你好世界", 7, "你好"},
		{"边界落在字符中间", "a你好", 3, "a"},
		{"上限为零", "你好", 0, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncateOnRune(tc.in, tc.max)
			if got != tc.want {
				t.Errorf("truncateOnRune(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Result %q is not valid UTF-8", got)
			}
		})
	}

	// 回复快照的预览长度也不能截出半个汉字
	long := strings.Repeat("消息", snapshotPreview)
	got := truncateOnRune(long, snapshotPreview)
	if len(got) > snapshotPreview {
		t.Errorf("Expected at most %d bytes, got %d", snapshotPreview, len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("Result is not valid UTF-8")
	}
}
