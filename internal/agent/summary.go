package agent

import (
	"fmt"
	"strings"

	"github.com/basket/nightshift/internal/persistence"
)

// summaryWindow is how many trailing conversation entries feed a summary.
const summaryWindow = 6

// maxEntryPreview caps how much of each entry appears in the summary.
const maxEntryPreview = 200

// Summarize builds a compact resume context from a conversation history.
// Malformed entries (empty role or content) are skipped. Returns "" when
// nothing usable remains.
func Summarize(history []persistence.ConversationEntry) string {
	var usable []persistence.ConversationEntry
	for _, e := range history {
		if strings.TrimSpace(e.Role) == "" || strings.TrimSpace(e.Content) == "" {
			continue
		}
		usable = append(usable, e)
	}
	if len(usable) == 0 {
		return ""
	}
	if len(usable) > summaryWindow {
		usable = usable[len(usable)-summaryWindow:]
	}

	var sb strings.Builder
	sb.WriteString("Recent conversation before the interruption:\n")
	for _, e := range usable {
		content := strings.Join(strings.Fields(e.Content), " ")
		if len(content) > maxEntryPreview {
			content = content[:maxEntryPreview] + "..."
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", e.Role, content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
