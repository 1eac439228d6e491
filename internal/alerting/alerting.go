// Package alerting fans market anomalies and digests out to chat platforms
// (Slack, Discord).
package alerting

import (
	"context"
)

// Notifier is implemented by every platform adapter.
type Notifier interface {
	// Name identifies the platform in logs, e.g. "slack".
	Name() string

	// Notify delivers one message to the platform.
	Notify(ctx context.Context, msg Message) error

	// Close releases the platform connection.
	Close() error
}

// Connector is an optional interface for notifiers that need a connection
// before the first Notify.
type Connector interface {
	Connect(ctx context.Context) error
}

// Message is one outbound alert.
type Message struct {
	ChannelID string  // target channel; empty uses the adapter default
	Text      string  // fallback text
	Events    []Event // structured attachments
}

// Event is an alert formatted for display in chat.
type Event struct {
	Title    string  // headline, e.g. "Price manipulation suspected"
	Body     string  // detail text
	Severity string  // "info", "warning", "critical", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}
