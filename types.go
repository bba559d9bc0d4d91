package x402

import (
	"encoding/json"
)

// PaymentRequirements describes what a caller must pay for one resource.
// It is built fresh for every request; PayTo in particular is never cached.
type PaymentRequirements struct {
	Scheme            string        `json:"scheme"`
	Network           string        `json:"network"`
	MaxAmountRequired string        `json:"maxAmountRequired"`
	Resource          string        `json:"resource"`
	Description       string        `json:"description"`
	MimeType          string        `json:"mimeType"`
	PayTo             string        `json:"payTo"`
	MaxTimeoutSeconds int           `json:"maxTimeoutSeconds"`
	Asset             string        `json:"asset"`
	Extra             *PaymentExtra `json:"extra,omitempty"`
}

// PaymentExtra carries the token's EIP-712 domain name and version.
type PaymentExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message. Amounts
// and timestamps are decimal strings so they survive JSON without loss.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload is the signed authorization carried by the exact scheme.
type ExactEvmPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// PaymentPayload is what travels in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// PaymentRequired is the 402 response body. Code and Reason are set when the
// challenge follows a rejected payment.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Code        string                 `json:"code,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Accepts     []*PaymentRequirements `json:"accepts"`
}

// ErrorBody is the response body for failures that carry no challenge.
type ErrorBody struct {
	X402Version int    `json:"x402Version"`
	Error       string `json:"error"`
	Code        string `json:"code"`
	Reason      string `json:"reason,omitempty"`
}

// FacilitatorRequest is the body POSTed to a facilitator's verify and settle
// endpoints.
type FacilitatorRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is a facilitator's verdict on a payment.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// UnmarshalJSON accepts both the x402 field names and the shorter
// valid/reason form some facilitators answer with.
func (v *VerifyResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		IsValid       *bool  `json:"isValid"`
		Valid         *bool  `json:"valid"`
		InvalidReason string `json:"invalidReason"`
		Reason        string `json:"reason"`
		Payer         string `json:"payer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*v = VerifyResponse{Payer: raw.Payer}
	switch {
	case raw.IsValid != nil:
		v.IsValid = *raw.IsValid
	case raw.Valid != nil:
		v.IsValid = *raw.Valid
	}
	v.InvalidReason = firstNonEmpty(raw.InvalidReason, raw.Reason)
	return nil
}

// SettleResponse is a facilitator's settlement result. It is also what the
// gate encodes into X-PAYMENT-RESPONSE.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// UnmarshalJSON accepts both the x402 field names and the settled/txRef/reason
// form.
func (s *SettleResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success     *bool  `json:"success"`
		Settled     *bool  `json:"settled"`
		ErrorReason string `json:"errorReason"`
		Reason      string `json:"reason"`
		Transaction string `json:"transaction"`
		TxRef       string `json:"txRef"`
		Network     string `json:"network"`
		Payer       string `json:"payer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = SettleResponse{Network: raw.Network, Payer: raw.Payer}
	switch {
	case raw.Success != nil:
		s.Success = *raw.Success
	case raw.Settled != nil:
		s.Success = *raw.Settled
	}
	s.ErrorReason = firstNonEmpty(raw.ErrorReason, raw.Reason)
	s.Transaction = firstNonEmpty(raw.Transaction, raw.TxRef)
	return nil
}

// SupportedKind is one scheme/network pair a facilitator can handle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse lists the kinds a facilitator supports.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
