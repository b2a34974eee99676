package x402

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt fires when a payment is about to be built (client)
	// or verified (gateway).
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess fires after a paid response (client) or a
	// successful settlement (gateway).
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure fires when the payment could not be completed.
	PaymentEventFailure PaymentEventType = "failure"

	// PaymentEventDuplicate fires when the gateway rejects a replayed payload.
	PaymentEventDuplicate PaymentEventType = "duplicate"
)

// PaymentEvent represents a payment lifecycle event. HTTP, gin and MCP
// front ends emit the same shape.
type PaymentEvent struct {
	Type      PaymentEventType
	Timestamp time.Time

	// Method is the transport ("HTTP" or "MCP").
	Method string

	// RequestID correlates gateway events for one inbound request.
	RequestID string

	// Resource is the requirements resource URL (or MCP tool name).
	Resource string

	// Fingerprint identifies the payload on the gateway side.
	Fingerprint string

	// Amount is the payment amount in atomic units.
	Amount string

	Asset     string
	Network   string
	Scheme    string
	Recipient string

	// Payer and Transaction are set once known.
	Payer       string
	Transaction string

	// Error is set on failure events.
	Error error

	Duration time.Duration

	Metadata map[string]interface{}
}

// PaymentCallback is a function that handles payment events.
// Callbacks run synchronously inside the payment flow and must not block.
type PaymentCallback func(PaymentEvent)

// Emit invokes every callback with ev, stamping the timestamp when unset.
func Emit(callbacks []PaymentCallback, ev PaymentEvent) {
	if len(callbacks) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, cb := range callbacks {
		if cb != nil {
			cb(ev)
		}
	}
}
