package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BaseEvent carries the fields shared by every published event
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Subject   string    `json:"subject,omitempty"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a new base event with defaults
func NewBaseEvent(eventType, source, subject string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Subject:   subject,
		Version:   "1.0",
	}
}

// SanitizeUTF8 drops invalid byte sequences so driver errors can travel as JSON strings
func SanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}
