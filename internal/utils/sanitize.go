package utils

import "strings"

// Sanitize 去除控制字符（0x00-0x1F、0x7F-0x9F），非 ASCII 字符替换为 '?'
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x20, r >= 0x7f && r <= 0x9f:
			continue
		case r > 0x7f:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
