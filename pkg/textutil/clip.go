package textutil

import (
	"strings"
	"unicode/utf8"
)

// Clip 把来自客户端的字符串整理成可以写入 utf8mb4 列的形式：
// 非法字节替换为 U+FFFD，再按字符边界截断到不超过 max 字节。
func Clip(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
