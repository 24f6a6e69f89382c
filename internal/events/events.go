// Package events carries the pipeline's lifecycle events: a shared header
// plus one payload variant per event kind. Subscribers match on the type tag
// and assert the payload variant they care about.
package events

import (
	"time"

	"github.com/google/uuid"

	"sms-gateway/internal/messages"
)

type Type string

const (
	TypeSendingStarted Type = "sms.sending.started"
	TypeSent           Type = "sms.sent"
	TypeFailed         Type = "sms.failed"
	TypePromoted       Type = "queue.promoted"
	TypeMaintenance    Type = "queue.maintenance"
	TypeAlert          Type = "alert"
)

// Event is the tagged union: header fields are always set, Message is a
// snapshot where one exists, Payload holds the per-kind variant.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"type"`
	Source    string            `json:"source"`
	Message   *messages.Message `json:"message,omitempty"`
	Payload   interface{}       `json:"payload,omitempty"`
}

type SentPayload struct {
	ProcessingMs int64 `json:"processing_ms"`
	Attempt      int   `json:"attempt"`
}

type FailedPayload struct {
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
	RetryAtMs int64  `json:"retry_at_ms,omitempty"`
	Attempt   int    `json:"attempt"`
}

type PromotedPayload struct {
	Promoted int `json:"promoted"`
	Expired  int `json:"expired"`
}

type MaintenancePayload struct {
	DeletedSent      int64    `json:"deleted_sent"`
	DeletedFailed    int64    `json:"deleted_failed"`
	DeletedCancelled int64    `json:"deleted_cancelled"`
	Rescued          int64    `json:"rescued"`
	Expired          int64    `json:"expired"`
	Reorganized      int64    `json:"reorganized"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

type AlertPayload struct {
	Metric    string  `json:"metric"`
	Level     string  `json:"level"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// New stamps the header. Source names the publishing component.
func New(eventType Type, source string, msg *messages.Message, payload interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Type:      eventType,
		Source:    source,
		Message:   msg,
		Payload:   payload,
	}
}
