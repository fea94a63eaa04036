// Package events defines bridge lifecycle events and the publishers that emit them.
package events

// SessionChangedEvent is emitted on every gateway session state transition.
type SessionChangedEvent struct {
	State     string `json:"state"`
	Previous  string `json:"previous,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ResourceCreatedEvent is emitted when a handler stores a large payload.
type ResourceCreatedEvent struct {
	ResourceID string `json:"resourceId"`
	Command    string `json:"command,omitempty"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	ExpiresAt  string `json:"expiresAt"`
	Timestamp  string `json:"timestamp"`
}
