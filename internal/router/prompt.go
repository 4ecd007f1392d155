// ABOUTME: Prompt assembly: pending chat messages rendered as an XML block
// ABOUTME: Escaped so message content can never break out of its element

package router

import (
	"strings"

	"github.com/warrenhq/warren/internal/store"
)

// xmlEscape covers the characters that matter inside element content
// and attribute values.
var xmlEscape = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// formatPrompt renders pending messages in arrival order as a
// <messages> block the agent can parse unambiguously.
func formatPrompt(messages []*store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range messages {
		b.WriteString(`  <message sender="`)
		b.WriteString(xmlEscape.Replace(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(xmlEscape.Replace(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(xmlEscape.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}
