package mcp

import (
	"regexp"
	"sync"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NameAdapter maps MCP tool names (which may contain dots or other punctuation) to
// function names accepted by the remote API (^[a-zA-Z0-9_-]{1,64}$).
type NameAdapter struct {
	mu             sync.Mutex
	safeToOriginal map[string]string
	originalToSafe map[string]string
}

// NewNameAdapter creates a new name adapter.
func NewNameAdapter() *NameAdapter {
	return &NameAdapter{
		safeToOriginal: make(map[string]string),
		originalToSafe: make(map[string]string),
	}
}

// ToSafeName replaces every disallowed character with an underscore and truncates to
// 64 characters. Example: "gmail.messages.list" -> "gmail_messages_list"
func ToSafeName(original string) string {
	safe := unsafeNameChars.ReplaceAllString(original, "_")
	if len(safe) > 64 {
		safe = safe[:64]
	}
	return safe
}

// ToOriginalName converts a safe name back to the original MCP tool name.
func (a *NameAdapter) ToOriginalName(safe string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	original, ok := a.safeToOriginal[safe]
	return original, ok
}

// GetSafeName returns the safe name for an original name, creating the mapping if
// needed. The second result is false when the safe name already belongs to a
// different original name.
func (a *NameAdapter) GetSafeName(original string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if safe, ok := a.originalToSafe[original]; ok {
		return safe, true
	}
	safe := ToSafeName(original)
	if other, taken := a.safeToOriginal[safe]; taken && other != original {
		return safe, false
	}
	a.originalToSafe[original] = safe
	a.safeToOriginal[safe] = original
	return safe, true
}
