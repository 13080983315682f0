package databases

import "strings"

// previewOf truncates a user message to the 80-character session preview
// per spec §7, falling back to a placeholder for empty content.
func previewOf(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "New conversation"
	}
	const maxLen = 80
	runes := []rune(trimmed)
	if len(runes) <= maxLen {
		return trimmed
	}
	return string(runes[:maxLen])
}
