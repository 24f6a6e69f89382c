package messages

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type State string

const (
	StateQueued    State = "QUEUED"
	StateScheduled State = "SCHEDULED"
	StateSending   State = "SENDING"
	StateSent      State = "SENT"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed || s == StateCancelled
}

func ParseState(s string) (State, error) {
	switch State(strings.ToUpper(s)) {
	case StateQueued, StateScheduled, StateSending, StateSent, StateFailed, StateCancelled:
		return State(strings.ToUpper(s)), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// CanTransition enumerates the legal edges of the lifecycle. Every state
// mutation in the Store goes through a conditional update against one of
// these edges, so a message observes strictly monotonic transitions.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateSending || to == StateCancelled
	case StateScheduled:
		return to == StateQueued || to == StateCancelled || to == StateFailed
	case StateSending:
		return to == StateSent || to == StateScheduled || to == StateFailed || to == StateCancelled
	}
	return false
}

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// BasePosition is the fixed queue_position offset of a priority band.
// Higher priorities get lower bases, so position order alone never puts a
// lower-priority row ahead of a higher-priority one.
func BasePosition(p Priority) int64 {
	return int64(5-int(p)) * 10_000
}

type RetryStrategy string

const (
	RetryExponential RetryStrategy = "EXPONENTIAL"
	RetryLinear      RetryStrategy = "LINEAR"
	RetryFixed       RetryStrategy = "FIXED"
	RetryCustom      RetryStrategy = "CUSTOM"
)

func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch RetryStrategy(strings.ToUpper(s)) {
	case RetryExponential, RetryLinear, RetryFixed, RetryCustom:
		return RetryStrategy(strings.ToUpper(s)), nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// Message is the central entity. Timestamps are milliseconds since epoch.
type Message struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	Recipient     string            `json:"recipient" db:"recipient"`
	Content       string            `json:"content" db:"content"`
	Parts         int               `json:"parts" db:"parts"`
	State         State             `json:"state" db:"state"`
	Priority      Priority          `json:"priority" db:"priority"`
	QueuePosition *int64            `json:"queue_position,omitempty" db:"queue_position"`
	RetryStrategy RetryStrategy     `json:"retry_strategy" db:"retry_strategy"`
	AttemptCount  int               `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts" db:"max_attempts"`
	LastError     *string           `json:"last_error,omitempty" db:"last_error"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     int64             `json:"created_at" db:"created_at"`
	ScheduledAt   *int64            `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt        *int64            `json:"sent_at,omitempty" db:"sent_at"`
	UpdatedAt     int64             `json:"updated_at" db:"updated_at"`
}

// NowMillis is the single clock conversion used for all persisted timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SingleSMSLimit is the content length above which a submission is accepted
// with a warning rather than rejected.
const SingleSMSLimit = 160

var recipientStrip = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// ValidateRecipient checks the destination address: digits with an optional
// leading +, length 9-15 after stripping common punctuation.
func ValidateRecipient(recipient string) error {
	cleaned := recipientStrip.Replace(strings.TrimSpace(recipient))
	if cleaned == "" {
		return fmt.Errorf("recipient is required")
	}
	digits := strings.TrimPrefix(cleaned, "+")
	if digits == "" {
		return fmt.Errorf("recipient %q has no digits", recipient)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("recipient %q contains non-digit characters", recipient)
		}
	}
	if len(digits) < 9 || len(digits) > 15 {
		return fmt.Errorf("recipient %q must be 9-15 digits, got %d", recipient, len(digits))
	}
	return nil
}

// CalculateParts calculates the number of SMS parts based on text content.
func CalculateParts(text string) int {
	length := utf8.RuneCountInString(text)

	if isGSM7Compatible(text) {
		if length <= 160 {
			return 1
		}
		// Concatenated GSM-7 parts carry 153 characters each.
		return (length-1)/153 + 1
	}
	// UCS-2 encoding
	if length <= 70 {
		return 1
	}
	return (length-1)/67 + 1
}

func isGSM7Compatible(text string) bool {
	for _, r := range text {
		if r > 127 && !isGSMExtendedChar(r) {
			return false
		}
	}
	return true
}

func isGSMExtendedChar(r rune) bool {
	switch r {
	case '^', '{', '}', '\\', '[', '~', ']', '|', '€':
		return true
	}
	return false
}
