package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/encoding"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
	"github.com/Abhi270303/Disburse-AI-sub001/metrics"
)

var (
	// ErrNoAcceptableRequirements means none of the offered requirements can
	// be paid by the client's signer.
	ErrNoAcceptableRequirements = errors.New("x402 client: no acceptable payment requirements")
	// ErrInvalidChallenge means a 402 response did not carry a usable
	// x402 v1 body.
	ErrInvalidChallenge = errors.New("x402 client: invalid payment challenge")
)

const maxChallengeSize = 1 << 20

// requirementChecker is implemented by signers that can tell ahead of time
// whether they can pay a requirement.
type requirementChecker interface {
	CanSign(requirements *x402.PaymentRequirements) bool
}

// Client pays x402 challenges on behalf of one signer. It is safe for
// concurrent use; every payment gets a fresh random nonce.
type Client struct {
	httpClient *http.Client
	signer     x402.PaymentSigner
	codec      *encoding.Codec
	log        logger.Logger
	metrics    metrics.Recorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client, which times out after a
// minute.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClientLogger sets the logger for payments made.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger.OrNoop(l)
	}
}

// WithClientMetrics records paid and failed downstream calls.
func WithClientMetrics(r metrics.Recorder) ClientOption {
	return func(c *Client) {
		c.metrics = metrics.OrNoop(r)
	}
}

// NewClient creates a client that signs with signer.
func NewClient(signer x402.PaymentSigner, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		signer:     signer,
		codec:      encoding.NewCodec(),
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PaymentRecord describes a payment the client made.
type PaymentRecord struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Resource    string `json:"resource"`
	Transaction string `json:"transaction,omitempty"`
}

// Result is the outcome of Do. Payment and Settlement are nil when the
// resource did not ask for payment.
type Result struct {
	Response   *http.Response
	Payment    *PaymentRecord
	Settlement *x402.SettleResponse
}

// Do sends req and, if it is answered with 402, pays the first acceptable
// requirement and sends it again. A second 402, or a gate error body on a
// 400 or 5xx answer, is returned as a *x402.PaymentError carrying the
// server's code and reason. A payment is recorded only when the answer
// carries a settlement header or is a success. Any other response is
// returned as is; the caller closes its body.
func (c *Client) Do(req *http.Request) (*Result, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(withBody(req, body))
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{Response: resp}, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}
	requirements, err := c.selectRequirements(challenge.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := c.signer.CreatePayment(req.Context(), requirements)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	header, err := c.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	paid := withBody(req, body)
	paid.Header.Set(x402.PaymentHeader, header)

	labels := map[string]string{"network": requirements.Network}
	start := time.Now()
	resp, err = c.httpClient.Do(paid)
	c.metrics.ObserveLatency(metrics.OperationDownstream, time.Since(start), labels)
	if err != nil {
		c.metrics.IncCounter(metrics.EventClientFailed, labels)
		return nil, fmt.Errorf("failed to send paid request: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		c.metrics.IncCounter(metrics.EventClientFailed, labels)
		return nil, rejection(resp)
	}

	var settlement *x402.SettleResponse
	if h := resp.Header.Get(x402.PaymentResponseHeader); h != "" {
		settlement, err = encoding.DecodeSettlement(h)
		if err != nil {
			c.log.Warn("ignoring unreadable payment response header", map[string]any{"error": err})
			settlement = nil
		}
	}

	// Without a settlement header only a success proves the payment was
	// accepted; a gate that failed before settling answers with an error
	// body instead.
	if settlement == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		c.metrics.IncCounter(metrics.EventClientFailed, labels)
		if perr := gateFailure(resp); perr != nil {
			return nil, perr
		}
		return &Result{Response: resp}, nil
	}

	record := &PaymentRecord{
		From:     c.signer.Address(),
		To:       requirements.PayTo,
		Amount:   requirements.MaxAmountRequired,
		Asset:    requirements.Asset,
		Network:  requirements.Network,
		Resource: requirements.Resource,
	}
	if settlement != nil {
		record.Transaction = settlement.Transaction
	}
	result := &Result{Response: resp, Payment: record, Settlement: settlement}

	c.metrics.IncCounter(metrics.EventClientPaid, labels)
	c.log.Info("paid for resource", map[string]any{
		"url":         req.URL.String(),
		"payTo":       record.To,
		"amount":      record.Amount,
		"status":      resp.StatusCode,
		"transaction": record.Transaction,
	})
	return result, nil
}

// Post is a convenience wrapper around Do.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

func (c *Client) selectRequirements(accepts []*x402.PaymentRequirements) (*x402.PaymentRequirements, error) {
	checker, _ := c.signer.(requirementChecker)
	for _, req := range accepts {
		if req == nil || req.Scheme != x402.SchemeExact {
			continue
		}
		if checker != nil && !checker.CanSign(req) {
			continue
		}
		return req, nil
	}
	return nil, ErrNoAcceptableRequirements
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = http.NoBody
		clone.GetBody = nil
		clone.ContentLength = 0
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.ContentLength = int64(len(body))
	return clone
}

func readChallenge(resp *http.Response) (*x402.PaymentRequired, error) {
	defer resp.Body.Close()

	var challenge x402.PaymentRequired
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxChallengeSize)).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if challenge.X402Version != x402.X402Version {
		return nil, fmt.Errorf("%w: unsupported x402Version %d", ErrInvalidChallenge, challenge.X402Version)
	}
	if len(challenge.Accepts) == 0 {
		return nil, fmt.Errorf("%w: no accepts", ErrInvalidChallenge)
	}
	return &challenge, nil
}

// rejection converts a 402 answer to a paid request into a PaymentError.
func rejection(resp *http.Response) error {
	defer resp.Body.Close()

	var body x402.PaymentRequired
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxChallengeSize)).Decode(&body)

	message := body.Error
	if message == "" {
		message = "payment was rejected"
	}
	return x402.NewPaymentError(knownKind(body.Code), message, nil).WithReason(body.Reason)
}

// gateFailure reads the x402 error body a gate writes with 400 and 5xx
// answers. Responses that carry no such body are left readable and nil is
// returned.
func gateFailure(resp *http.Response) *x402.PaymentError {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode < 500 {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeSize))
	var body x402.ErrorBody
	if err != nil || json.Unmarshal(raw, &body) != nil || body.X402Version != x402.X402Version || !x402.Kind(body.Code).Known() {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(raw), resp.Body), resp.Body}
		return nil
	}
	resp.Body.Close()

	perr := x402.NewPaymentError(x402.Kind(body.Code), body.Error, nil).WithReason(body.Reason)
	if perr.Kind == x402.KindSettlementFailed && resp.StatusCode == http.StatusBadGateway {
		perr.Infrastructure = true
	}
	return perr
}

// knownKind maps a code from a 402 body to a Kind, treating codes this
// client does not know as a failed verification.
func knownKind(code string) x402.Kind {
	if kind := x402.Kind(code); kind.Known() {
		return kind
	}
	return x402.KindVerificationFailed
}

type readCloser struct {
	io.Reader
	io.Closer
}
