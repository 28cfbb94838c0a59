package dispatch

import "strings"

// markdownV2Specials is the full reserved set of Telegram MarkdownV2.
// Unescaped occurrences in user text make the API reject the whole message,
// so every one of them is escaped before transmission.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

// escapeMarkdownV2 escapes user-supplied text for MarkdownV2 parse mode.
// The output renders verbatim: user text never gains accidental formatting.
func escapeMarkdownV2(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for _, r := range s {
		if r < 0x80 && strings.ContainsRune(markdownV2Specials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
