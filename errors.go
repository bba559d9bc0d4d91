package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a payment failure. The string value is the machine
// readable code written into error bodies.
type Kind string

const (
	KindNoPayment              Kind = "no_payment"
	KindMalformedPayload       Kind = "malformed_payload"
	KindRequirementMismatch    Kind = "requirement_mismatch"
	KindVerificationFailed     Kind = "verification_failed"
	KindSettlementFailed       Kind = "settlement_failed"
	KindRecipientUnavailable   Kind = "recipient_unavailable"
	KindFacilitatorUnavailable Kind = "facilitator_unavailable"
)

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrNoPayment              = errors.New("x402: payment required")
	ErrMalformedPayload       = errors.New("x402: malformed payment payload")
	ErrRequirementMismatch    = errors.New("x402: payment does not match requirements")
	ErrVerificationFailed     = errors.New("x402: payment verification failed")
	ErrSettlementFailed       = errors.New("x402: payment settlement failed")
	ErrRecipientUnavailable   = errors.New("x402: recipient address unavailable")
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")
)

var sentinels = map[Kind]error{
	KindNoPayment:              ErrNoPayment,
	KindMalformedPayload:       ErrMalformedPayload,
	KindRequirementMismatch:    ErrRequirementMismatch,
	KindVerificationFailed:     ErrVerificationFailed,
	KindSettlementFailed:       ErrSettlementFailed,
	KindRecipientUnavailable:   ErrRecipientUnavailable,
	KindFacilitatorUnavailable: ErrFacilitatorUnavailable,
}

// Known reports whether k is one of the kinds above.
func (k Kind) Known() bool {
	_, ok := sentinels[k]
	return ok
}

// PaymentError is a classified payment failure.
//
// Reason is the machine readable detail (for example the facilitator's
// invalidReason, or "value_below_required"). Infrastructure marks failures
// caused by a collaborator being unreachable rather than by the caller's
// payment; it only changes the status of settlement failures.
type PaymentError struct {
	Kind           Kind
	Message        string
	Reason         string
	Infrastructure bool
	Err            error
}

func (e *PaymentError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusCode maps the failure to the HTTP status the gate answers with.
func (e *PaymentError) StatusCode() int {
	switch e.Kind {
	case KindMalformedPayload:
		return http.StatusBadRequest
	case KindNoPayment, KindRequirementMismatch, KindVerificationFailed:
		return http.StatusPaymentRequired
	case KindSettlementFailed:
		if e.Infrastructure {
			return http.StatusBadGateway
		}
		return http.StatusPaymentRequired
	case KindRecipientUnavailable, KindFacilitatorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Challenge reports whether the response should carry fresh payment
// requirements so the caller can try again.
func (e *PaymentError) Challenge() bool {
	return e.StatusCode() == http.StatusPaymentRequired
}

// NewPaymentError creates a classified error.
func NewPaymentError(kind Kind, message string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: err}
}

// WithReason sets the machine readable reason and returns e.
func (e *PaymentError) WithReason(reason string) *PaymentError {
	e.Reason = reason
	return e
}

// AsPaymentError extracts a PaymentError from err. Unclassified errors are
// reported as nil, false.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
