package chatclient

import "strings"

// markdownSpecial is the set of characters the strict MarkdownV2
// dialect requires backslash-escaped in ordinary text.
const markdownSpecial = "\\_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 backslash-escapes every character in markdownSpecial
// and leaves everything else untouched.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InlineCode escapes backslash and backtick, then wraps the result in
// backticks.
func InlineCode(s string) string {
	escaped := strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(s)
	return "`" + escaped + "`"
}

// CodeBlock escapes backslash and backtick in the content and wraps it
// in a triple-backtick fence, with an optional language tag.
func CodeBlock(language, content string) string {
	escaped := strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(content)
	return "```" + language + "\n" + escaped + "\n```"
}
