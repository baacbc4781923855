package conversion

import "errors"

var (
	// ErrMalformedEvent: identifying attributes are missing. The event is
	// dropped and never dispatched.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrInvalidPayload: a webhook body could not be parsed or validated.
	// Rejected with 4xx, never retried by us.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrChannelUnavailable: client storage or a tracking channel is blocked.
	// Dispatch continues with the remaining channels.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrGatewayUnreachable: the Conversions API gateway failed or answered
	// non-2xx. Retried with backoff, then dead-lettered.
	ErrGatewayUnreachable = errors.New("gateway unreachable")
)
