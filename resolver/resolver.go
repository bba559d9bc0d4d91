// Package resolver looks up the address that should receive a service's
// payments. Addresses may rotate between requests, so nothing here caches.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
)

// DefaultTimeout bounds a single lookup.
const DefaultTimeout = 5 * time.Second

// maxBodySize caps how much of a lookup response is read.
const maxBodySize = 64 << 10

// lookupResponse is the address service's envelope.
type lookupResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		PayableAddress string `json:"payableAddress"`
	} `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// HTTPResolver resolves identities against an address lookup service that
// answers GET {BaseURL}/{identity} with {success, data:{payableAddress}, error}.
type HTTPResolver struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Header     http.Header
}

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithHTTPClient sets the client used for lookups.
func WithHTTPClient(client *http.Client) Option {
	return func(r *HTTPResolver) {
		r.HTTPClient = client
	}
}

// WithTimeout bounds each lookup.
func WithTimeout(timeout time.Duration) Option {
	return func(r *HTTPResolver) {
		r.Timeout = timeout
	}
}

// WithHeader adds a header, such as an API key, to every lookup.
func WithHeader(key, value string) Option {
	return func(r *HTTPResolver) {
		r.Header.Set(key, value)
	}
}

// NewHTTPResolver creates a resolver for the service at baseURL.
func NewHTTPResolver(baseURL string, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
		Timeout:    DefaultTimeout,
		Header:     make(http.Header),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the current payable address of serviceIdentity. Any
// failure, including a timeout or a response without a valid address, is a
// PaymentError of kind KindRecipientUnavailable. Resolve does not retry.
func (r *HTTPResolver) Resolve(ctx context.Context, serviceIdentity string) (string, error) {
	if serviceIdentity == "" {
		return "", unavailable("empty service identity", nil)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	endpoint := fmt.Sprintf("%s/%s", r.BaseURL, url.PathEscape(serviceIdentity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", unavailable("failed to create lookup request", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return "", unavailable("failed to send lookup request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", unavailable("failed to read lookup response", err)
	}

	var lookup lookupResponse
	if err := json.Unmarshal(body, &lookup); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", unavailable(fmt.Sprintf("lookup failed: %s", resp.Status), nil)
		}
		return "", unavailable("failed to decode lookup response", err)
	}
	if resp.StatusCode != http.StatusOK || !lookup.Success {
		msg := lookup.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", unavailable(fmt.Sprintf("lookup failed: %s", msg), nil)
	}
	if lookup.Data == nil || !common.IsHexAddress(lookup.Data.PayableAddress) {
		return "", unavailable("lookup response has no usable payableAddress", nil)
	}

	return common.HexToAddress(lookup.Data.PayableAddress).Hex(), nil
}

// Static always resolves to the same address. Useful for services whose
// recipient never rotates.
type Static string

func (s Static) Resolve(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("lookup cancelled", err)
	}
	if !common.IsHexAddress(string(s)) {
		return "", unavailable(fmt.Sprintf("static address %q is not a hex address", string(s)), nil)
	}
	return common.HexToAddress(string(s)).Hex(), nil
}

func unavailable(message string, err error) error {
	return x402.NewPaymentError(x402.KindRecipientUnavailable, message, err)
}
