// Package encoding converts payment payloads and settlement receipts to and
// from their base64 JSON header form.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// MaxHeaderLength bounds the encoded X-PAYMENT header. A well formed exact
// payload is well under 1KB.
const MaxHeaderLength = 8 << 10

var encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Codec decodes and encodes X-PAYMENT headers. The zero value is not usable;
// create one with NewCodec.
type Codec struct {
	schemes  map[string]struct{}
	networks map[string]struct{}
}

// Option configures a Codec.
type Option func(*Codec)

// WithSchemes replaces the accepted schemes.
func WithSchemes(schemes ...string) Option {
	return func(c *Codec) {
		c.schemes = toSet(schemes)
	}
}

// WithNetworks replaces the accepted networks.
func WithNetworks(networks ...string) Option {
	return func(c *Codec) {
		c.networks = toSet(networks)
	}
}

// NewCodec accepts the exact scheme on every known EVM network unless told
// otherwise.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		schemes:  toSet([]string{x402.SchemeExact}),
		networks: toSet(evm.SupportedNetworks()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decode parses an X-PAYMENT header. Every failure is a PaymentError of kind
// KindMalformedPayload; Decode never panics on untrusted input.
func (c *Codec) Decode(header string) (*x402.PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, malformed("payment header is empty", "empty_header", nil)
	}
	if len(header) > MaxHeaderLength {
		return nil, malformed("payment header too large", "header_too_large", nil)
	}

	raw, err := decodeBase64(header)
	if err != nil {
		return nil, malformed("payment header is not valid base64", "invalid_base64", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, malformed("payment payload is not well formed", "invalid_payload", err)
	}

	var payload x402.PaymentPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, malformed("payment payload is not well formed", "invalid_payload", err)
	}

	if payload.X402Version != x402.X402Version {
		return nil, malformed(fmt.Sprintf("unsupported x402Version %d", payload.X402Version), "unsupported_version", nil)
	}
	if _, ok := c.schemes[payload.Scheme]; !ok {
		return nil, malformed(fmt.Sprintf("unsupported scheme %q", payload.Scheme), "unsupported_scheme", nil)
	}
	if _, ok := c.networks[payload.Network]; !ok {
		return nil, malformed(fmt.Sprintf("unsupported network %q", payload.Network), "unsupported_network", nil)
	}
	return &payload, nil
}

// Encode is the inverse of Decode. Amounts are carried as strings so no
// precision is lost.
func (c *Codec) Encode(payload *x402.PaymentPayload) (string, error) {
	if payload == nil || payload.Payload == nil || payload.Payload.Authorization == nil {
		return "", errors.New("encoding: incomplete payment payload")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// EncodeSettlement renders a settlement for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement *x402.SettleResponse) (string, error) {
	body, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to base64 encode the settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(body), nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header.
func DecodeSettlement(header string) (*x402.SettleResponse, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("invalid payment response header: %w", err)
	}
	var settlement x402.SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil, fmt.Errorf("invalid payment response header: %w", err)
	}
	return &settlement, nil
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func malformed(message, reason string, err error) error {
	return x402.NewPaymentError(x402.KindMalformedPayload, message, err).WithReason(reason)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
