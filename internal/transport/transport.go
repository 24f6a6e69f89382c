// Package transport defines the boundary the dispatcher sends through.
// Implementations are external; the mock subpackage ships a configurable
// stand-in used in development and tests.
package transport

import "context"

// Result is the provider-side acknowledgement of a send.
type Result struct {
	ProviderMessageID string
}

// Transport delivers one message to one recipient. A nil error means the
// provider accepted the message; the error text of a failure is classified
// by the retry engine.
type Transport interface {
	Name() string
	Send(ctx context.Context, recipient, content string) (*Result, error)
}
