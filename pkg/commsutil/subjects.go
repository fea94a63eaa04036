package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectInvoke       = "hostbridge.invoke"
	SubjectEvents       = "hostbridge.events"
	EventSessionChanged = "session.changed"
	EventResourceStored = "resource.created"
)

// BuildInvokeSubject builds the per-node invoke subject, e.g. hostbridge.invoke.studio_mac.
func BuildInvokeSubject(base, node string) string {
	if node == "" {
		return base
	}
	return fmt.Sprintf("%s.%s", base, sanitizeToken(node))
}

// BuildEventSubject builds an event subject under base, e.g. hostbridge.events.session.changed.
func BuildEventSubject(base, event string) string {
	return fmt.Sprintf("%s.%s", base, event)
}

// sanitizeToken makes a string safe to use as a single subject token.
func sanitizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
