package db

import (
	"strings"
	"time"
)

// Invocation represents a row in the invocations table.
type Invocation struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"requestId,omitempty"`
	Command    string    `json:"command"`
	Namespace  string    `json:"namespace"`
	Transport  string    `json:"transport,omitempty"`
	Ok         bool      `json:"ok"`
	Code       string    `json:"code,omitempty"`
	DurationMs int64     `json:"durationMs"`
	DeviceID   string    `json:"deviceId,omitempty"`
	InvokedAt  time.Time `json:"invokedAt"`
}

// RecordInvocationParams holds parameters for RecordInvocation.
type RecordInvocationParams struct {
	RequestID string
	Command   string
	Transport string
	Ok        bool
	Code      string
	Duration  time.Duration
	DeviceID  string
	InvokedAt time.Time
}

// CommandStats aggregates invocations of one command.
type CommandStats struct {
	Command  string `json:"command"`
	Total    int64  `json:"total"`
	Failures int64  `json:"failures"`
	AvgMs    int64  `json:"avgMs"`
}

// NamespaceOf returns the capability namespace of a command ("file.read" -> "file").
func NamespaceOf(command string) string {
	if i := strings.IndexByte(command, '.'); i > 0 {
		return command[:i]
	}
	return command
}
