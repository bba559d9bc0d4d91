package x402

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentErrorStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    *PaymentError
		status int
	}{
		{"no payment", NewPaymentError(KindNoPayment, "missing", nil), http.StatusPaymentRequired},
		{"malformed", NewPaymentError(KindMalformedPayload, "bad base64", nil), http.StatusBadRequest},
		{"mismatch", NewPaymentError(KindRequirementMismatch, "wrong payTo", nil), http.StatusPaymentRequired},
		{"verification", NewPaymentError(KindVerificationFailed, "bad sig", nil), http.StatusPaymentRequired},
		{"settlement rejected", NewPaymentError(KindSettlementFailed, "funds", nil), http.StatusPaymentRequired},
		{"settlement infra", &PaymentError{Kind: KindSettlementFailed, Infrastructure: true}, http.StatusBadGateway},
		{"resolver", NewPaymentError(KindRecipientUnavailable, "down", nil), http.StatusServiceUnavailable},
		{"facilitator", NewPaymentError(KindFacilitatorUnavailable, "down", nil), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode())
		})
	}
}

func TestPaymentErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("gate: %w", NewPaymentError(KindFacilitatorUnavailable, "verify timed out", context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrFacilitatorUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrVerificationFailed))

	pe, ok := AsPaymentError(err)
	assert.True(t, ok)
	assert.Equal(t, KindFacilitatorUnavailable, pe.Kind)
}

func TestPaymentErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewPaymentError(KindRequirementMismatch, "authorization does not match", nil).WithReason("recipient_mismatch")
	assert.Equal(t, "requirement_mismatch: authorization does not match (recipient_mismatch)", err.Error())
	assert.True(t, err.Challenge())
}

func TestKindKnown(t *testing.T) {
	assert.True(t, KindSettlementFailed.Known())
	assert.True(t, KindNoPayment.Known())
	assert.False(t, Kind("quota_exhausted").Known())
	assert.False(t, Kind("").Known())
}
