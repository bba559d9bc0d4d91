// Package facilitatorclient talks to a remote x402 facilitator over HTTP.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
)

const (
	// DefaultFacilitatorURL is the public x402 facilitator.
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	// DefaultVerifyTimeout bounds a verify call.
	DefaultVerifyTimeout = 10 * time.Second

	// DefaultSettleTimeout bounds a settle call. Settlement waits for a
	// transaction, so it gets longer than verify.
	DefaultSettleTimeout = 30 * time.Second

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"

	maxBodySize = 1 << 20
)

// FacilitatorConfig configures a FacilitatorClient.
type FacilitatorConfig struct {
	URL           string
	VerifyTimeout time.Duration
	SettleTimeout time.Duration
	HTTPClient    *http.Client
	// CreateAuthHeaders returns headers per action ("verify", "settle",
	// "supported").
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// FacilitatorClient verifies and settles payments against a remote
// facilitator. It implements x402.Facilitator.
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	VerifyTimeout     time.Duration
	SettleTimeout     time.Duration
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

var _ x402.Facilitator = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a client. A nil config targets
// DefaultFacilitatorURL with default timeouts.
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	c := &FacilitatorClient{
		URL:               strings.TrimRight(config.URL, "/"),
		HTTPClient:        config.HTTPClient,
		VerifyTimeout:     config.VerifyTimeout,
		SettleTimeout:     config.SettleTimeout,
		CreateAuthHeaders: config.CreateAuthHeaders,
	}
	if c.URL == "" {
		c.URL = DefaultFacilitatorURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = DefaultSettleTimeout
	}
	return c
}

// Verify asks the facilitator whether payload satisfies requirements.
// A rejection is returned as a response with IsValid false; an error means
// the facilitator could not give an answer.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	var verifyResp x402.VerifyResponse
	status, err := c.post(ctx, "verify", authHeaderVerify, c.VerifyTimeout, payload, requirements, &verifyResp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && (verifyResp.IsValid || verifyResp.InvalidReason == "") {
		return nil, unavailable(fmt.Sprintf("failed to verify payment: %d %s", status, http.StatusText(status)), nil)
	}
	return &verifyResp, nil
}

// Settle asks the facilitator to execute the authorization. A rejection is
// returned as a response with Success false.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	var settleResp x402.SettleResponse
	status, err := c.post(ctx, "settle", authHeaderSettle, c.SettleTimeout, payload, requirements, &settleResp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && (settleResp.Success || settleResp.ErrorReason == "") {
		return nil, unavailable(fmt.Sprintf("failed to settle payment: %d %s", status, http.StatusText(status)), nil)
	}
	return &settleResp, nil
}

// Supported lists the scheme/network pairs the facilitator handles.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.VerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	if err := c.addAuthHeader(req, authHeaderSupported); err != nil {
		return nil, fmt.Errorf("failed to apply supported auth headers: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, unavailable("failed to send supported request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(fmt.Sprintf("failed to get supported payment kinds: %s", resp.Status), nil)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&supportedResp); err != nil {
		return nil, unavailable("failed to decode supported response", err)
	}
	return &supportedResp, nil
}

// post sends a facilitator request and decodes the body into out whatever
// the status, so rejections reported with a 4xx are still readable. It
// returns the HTTP status.
func (c *FacilitatorClient) post(
	ctx context.Context,
	action, authKey string,
	timeout time.Duration,
	payload *x402.PaymentPayload,
	requirements *x402.PaymentRequirements,
	out any,
) (int, error) {
	jsonBody, err := json.Marshal(x402.FacilitatorRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.URL, action), bytes.NewReader(jsonBody))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeader(req, authKey); err != nil {
		return 0, fmt.Errorf("failed to apply %s auth headers: %w", action, err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, unavailable(fmt.Sprintf("failed to send %s request", action), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, unavailable(fmt.Sprintf("failed to read %s response", action), err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, unavailable(fmt.Sprintf("failed to %s payment: %s", action, resp.Status), nil)
		}
		return 0, unavailable(fmt.Sprintf("failed to decode %s response", action), err)
	}
	return resp.StatusCode, nil
}

func (c *FacilitatorClient) addAuthHeader(req *http.Request, key string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("create auth headers: %w", err)
	}

	for headerKey, value := range headers[key] {
		req.Header.Set(headerKey, value)
	}
	return nil
}

func unavailable(message string, err error) error {
	return x402.NewPaymentError(x402.KindFacilitatorUnavailable, message, err)
}

// BearerAuth returns a CreateAuthHeaders func that sends the same bearer
// token on every action.
func BearerAuth(token string) func() (map[string]map[string]string, error) {
	return HeaderAuth("Authorization", "Bearer "+token)
}

// HeaderAuth returns a CreateAuthHeaders func that sends one fixed header,
// such as an API key, on every action.
func HeaderAuth(key, value string) func() (map[string]map[string]string, error) {
	return func() (map[string]map[string]string, error) {
		h := map[string]string{key: value}
		return map[string]map[string]string{
			authHeaderVerify:    h,
			authHeaderSettle:    h,
			authHeaderSupported: h,
		}, nil
	}
}
