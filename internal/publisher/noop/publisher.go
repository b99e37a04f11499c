// Package noop contains a publisher that drops every message.
package noop

import "context"

// Publisher discards all payloads. It stands in for Pub/Sub when event
// publishing is disabled.
type Publisher struct{}

// New returns a no-op Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish drops the payload and reports success.
func (*Publisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
