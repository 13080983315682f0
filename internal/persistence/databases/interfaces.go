package databases

import "codetutor/internal/persistence"

// Manager holds concrete database backends resolved from configuration.
//
// Only the chat store is wired today; the field is kept on a struct (rather
// than returning persistence.ChatStore directly) so additional backends can
// be added later without changing every call site.
type Manager struct {
	Chat persistence.ChatStore
}

// Close releases any underlying connection pools. It's a no-op for the
// in-memory backend.
func (m Manager) Close() {
	if c, ok := any(m.Chat).(interface{ Close() }); ok {
		c.Close()
	}
}
