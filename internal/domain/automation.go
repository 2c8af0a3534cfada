package domain

import "context"

// EventKind enumerates the lifecycle signals an automation client raises.
type EventKind string

const (
	EventPairingCode  EventKind = "pairing_code"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventDisconnected EventKind = "disconnected"
)

// Event is one lifecycle signal. Payload carries the pairing token for
// EventPairingCode; Reason carries a human-readable cause for failures and disconnects.
type Event struct {
	Kind    EventKind
	Payload string
	Reason  string
}

// EventSink receives events from exactly one automation client.
type EventSink func(Event)

// AutomationClient is the capability interface over one live connection to the
// messaging network. Implementations must be safe for concurrent use.
type AutomationClient interface {
	// Initialize starts connecting. It may return before the connection is usable;
	// progress is reported through the EventSink given to the factory.
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, address, body string) error
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Destroy releases the connection without unlinking the device.
	Destroy(ctx context.Context) error
}

// ClientFactory builds a fresh automation client bound to a user key. Every event the
// client raises must be delivered to sink.
type ClientFactory interface {
	NewClient(ctx context.Context, userID string, sink EventSink) (AutomationClient, error)
}
