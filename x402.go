// Package x402 holds the protocol types, error taxonomy, and collaborator
// interfaces shared by the payment gate, the paying client, and the
// facilitator implementations.
//
// The wire format is x402 version 1: a priced resource answers 402 with a
// list of PaymentRequirements, the caller retries with a base64 JSON
// PaymentPayload in the X-PAYMENT header, and the server reports the
// settlement in X-PAYMENT-RESPONSE.
package x402

const (
	// X402Version is the protocol version spoken on the wire.
	X402Version = 1

	// SchemeExact is the only payment scheme: an EIP-3009
	// transferWithAuthorization for an exact amount.
	SchemeExact = "exact"

	// PaymentHeader carries the encoded PaymentPayload on the paid request.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the encoded SettleResponse on the
	// served response.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"

	// DefaultMaxTimeoutSeconds bounds how long an authorization stays valid.
	DefaultMaxTimeoutSeconds = 60
)
