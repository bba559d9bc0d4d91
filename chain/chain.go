// Package chain lets a paid handler buy from downstream priced services and
// report every response and charge in one aggregate.
//
// A Chain is built per inbound request. The inbound payment is recorded with
// Inbound, each downstream purchase is made with Call or CallAll, and
// Result produces the {type, responses, summary, payment_flow} body. A
// downstream failure never escapes as an error from the handler: it is
// recorded in the aggregate, and Result reports 502 with the partial body.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// CorrelationHeader carries the chain's correlation ID to every leg.
const CorrelationHeader = "X-Correlation-ID"

// Failure kinds for legs that did not end in a paid 2xx response. Payment
// failures use the x402 error kind instead.
const (
	KindDownstreamError       = "downstream_error"
	KindDownstreamUnavailable = "downstream_unavailable"
)

const maxResponseSize = 4 << 20

// DefaultMaxConcurrentLegs bounds how many legs CallAll runs at once.
const DefaultMaxConcurrentLegs = 8

// Payer is the paying client used for downstream legs. *x402http.Client
// implements it.
type Payer interface {
	Do(req *http.Request) (*x402http.Result, error)
}

// Leg is one downstream purchase.
type Leg struct {
	// ServiceID keys the leg's response in the aggregate and names the payee
	// in the payment flow.
	ServiceID string
	URL       string
	// Method defaults to POST.
	Method string
	// Body is sent as JSON when non-nil.
	Body any
}

// Charge is one settled or verified payment along the chain.
type Charge struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	PayTo       string `json:"payTo,omitempty"`
	Transaction string `json:"transaction,omitempty"`

	amount decimal.Decimal
}

// Failure names the leg that failed and why.
type Failure struct {
	ServiceID string `json:"serviceId"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error"`
}

// Aggregate is the chained response body.
type Aggregate struct {
	Type          string                     `json:"type"`
	CorrelationID string                     `json:"correlation_id"`
	Responses     map[string]json.RawMessage `json:"responses"`
	Summary       string                     `json:"summary"`
	PaymentFlow   string                     `json:"payment_flow"`
	Payments      []Charge                   `json:"payments"`
	Failures      []Failure                  `json:"failures,omitempty"`
}

// Chain accumulates one aggregate. It is safe for concurrent use by the legs
// of a single request.
type Chain struct {
	payer         Payer
	self          string
	correlationID string
	maxConcurrent int
	log           logger.Logger

	mu        sync.Mutex
	responses map[string]json.RawMessage
	inbound   *Charge
	outbound  []*Charge
	failures  []Failure
}

// Option configures a Chain.
type Option func(*Chain)

// WithCorrelationID reuses an inbound correlation ID instead of minting one.
func WithCorrelationID(id string) Option {
	return func(c *Chain) {
		if id != "" {
			c.correlationID = id
		}
	}
}

// WithLogger sets the logger for leg outcomes.
func WithLogger(l logger.Logger) Option {
	return func(c *Chain) {
		c.log = logger.OrNoop(l)
	}
}

// WithMaxConcurrentLegs bounds how many legs CallAll runs at once.
func WithMaxConcurrentLegs(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// New starts a chain for the service named self, buying with payer.
func New(payer Payer, self string, opts ...Option) *Chain {
	c := &Chain{
		payer:         payer,
		self:          self,
		correlationID: uuid.NewString(),
		maxConcurrent: DefaultMaxConcurrentLegs,
		log:           logger.NoopLogger{},
		responses:     map[string]json.RawMessage{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CorrelationID identifies the chain across all of its legs.
func (c *Chain) CorrelationID() string {
	return c.correlationID
}

// Inbound records the payment that let the request reach this service.
// from names the caller in the payment flow. A nil payment (free mode)
// records nothing.
func (c *Chain) Inbound(from string, p *x402http.Payment) {
	if p == nil || p.Requirements == nil {
		return
	}
	charge := newCharge(from, c.self, p.Requirements)
	if p.Verification != nil {
		charge.Payer = p.Verification.Payer
	}
	if p.Settlement != nil {
		charge.Transaction = p.Settlement.Transaction
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = charge
}

// Respond records this service's own contribution to the aggregate.
func (c *Chain) Respond(serviceID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s response: %w", serviceID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[serviceID] = raw
	return nil
}

// Call buys leg and records its response, or its failure. The returned error
// is informational: the failure is already in the aggregate.
func (c *Chain) Call(ctx context.Context, leg Leg) (json.RawMessage, error) {
	raw, charge, failure := c.call(ctx, leg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if charge != nil {
		c.outbound = append(c.outbound, charge)
	}
	if failure != nil {
		c.failures = append(c.failures, *failure)
		c.log.Warn("downstream leg failed", map[string]any{
			"correlationId": c.correlationID,
			"service":       leg.ServiceID,
			"kind":          failure.Kind,
			"reason":        failure.Reason,
			"error":         failure.Error,
		})
		return nil, fmt.Errorf("chain: %s: %s", leg.ServiceID, failure.Error)
	}
	c.responses[leg.ServiceID] = raw
	return raw, nil
}

// CallAll buys every leg concurrently and waits for all of them. Charges are
// reported in leg order regardless of which leg finishes first. Legs that
// have not started when ctx ends are recorded as failed without being sent.
func (c *Chain) CallAll(ctx context.Context, legs ...Leg) {
	type outcome struct {
		raw     json.RawMessage
		charge  *Charge
		failure *Failure
	}
	outcomes := make([]outcome, len(legs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for i, leg := range legs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i] = outcome{failure: failureFor(leg.ServiceID, err)}
				return err
			}
			raw, charge, failure := c.call(gctx, leg)
			outcomes[i] = outcome{raw: raw, charge: charge, failure: failure}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Warn("downstream legs abandoned", map[string]any{
			"correlationId": c.correlationID,
			"error":         err,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range outcomes {
		if o.charge != nil {
			c.outbound = append(c.outbound, o.charge)
		}
		if o.failure != nil {
			c.failures = append(c.failures, *o.failure)
			continue
		}
		c.responses[legs[i].ServiceID] = o.raw
	}
}

func (c *Chain) call(ctx context.Context, leg Leg) (json.RawMessage, *Charge, *Failure) {
	req, err := c.newRequest(ctx, leg)
	if err != nil {
		return nil, nil, &Failure{ServiceID: leg.ServiceID, Kind: KindDownstreamError, Error: err.Error()}
	}

	res, err := c.payer.Do(req)
	if err != nil {
		return nil, nil, failureFor(leg.ServiceID, err)
	}
	defer res.Response.Body.Close()

	var charge *Charge
	if res.Payment != nil {
		charge = chargeFromRecord(c.self, leg.ServiceID, res.Payment)
	}

	body, err := io.ReadAll(io.LimitReader(res.Response.Body, maxResponseSize))
	if err != nil {
		return nil, charge, &Failure{ServiceID: leg.ServiceID, Kind: KindDownstreamUnavailable, Error: fmt.Sprintf("failed to read response: %v", err)}
	}
	if res.Response.StatusCode < 200 || res.Response.StatusCode > 299 {
		return nil, charge, &Failure{
			ServiceID: leg.ServiceID,
			Kind:      KindDownstreamError,
			Status:    res.Response.StatusCode,
			Error:     fmt.Sprintf("downstream answered %d", res.Response.StatusCode),
		}
	}

	c.log.Info("downstream leg completed", map[string]any{
		"correlationId": c.correlationID,
		"service":       leg.ServiceID,
		"paid":          charge != nil,
	})
	return asJSON(body), charge, nil
}

func (c *Chain) newRequest(ctx context.Context, leg Leg) (*http.Request, error) {
	method := leg.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if leg.Body != nil {
		b, err := json.Marshal(leg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, leg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(CorrelationHeader, c.correlationID)
	return req, nil
}

// Failed reports whether any leg failed so far.
func (c *Chain) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failures) > 0
}

// Result builds the aggregate and the status to answer with: 200, or 502
// when any leg failed.
func (c *Chain) Result(typ string) (*Aggregate, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	charges := make([]*Charge, 0, len(c.outbound)+1)
	if c.inbound != nil {
		charges = append(charges, c.inbound)
	}
	charges = append(charges, c.outbound...)

	agg := &Aggregate{
		Type:          typ,
		CorrelationID: c.correlationID,
		Responses:     make(map[string]json.RawMessage, len(c.responses)),
		PaymentFlow:   paymentFlow(charges),
		Payments:      make([]Charge, 0, len(charges)),
		Failures:      append([]Failure(nil), c.failures...),
	}
	for k, v := range c.responses {
		agg.Responses[k] = v
	}
	for _, ch := range charges {
		agg.Payments = append(agg.Payments, *ch)
	}
	agg.Summary = c.summary(charges)

	if len(c.failures) > 0 {
		return agg, http.StatusBadGateway
	}
	return agg, http.StatusOK
}

func (c *Chain) summary(charges []*Charge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s served the request", c.self)

	var downstream []string
	for _, ch := range c.outbound {
		downstream = append(downstream, ch.To)
	}
	if len(downstream) > 0 {
		fmt.Fprintf(&b, " with help from %s", strings.Join(downstream, ", "))
	}

	if len(charges) > 0 {
		totals := map[string]decimal.Decimal{}
		var symbols []string
		for _, ch := range charges {
			if _, ok := totals[ch.Asset]; !ok {
				symbols = append(symbols, ch.Asset)
			}
			totals[ch.Asset] = totals[ch.Asset].Add(ch.amount)
		}
		parts := make([]string, 0, len(symbols))
		for _, s := range symbols {
			parts = append(parts, totals[s].String()+" "+s)
		}
		fmt.Fprintf(&b, "; %d payment(s) totaling %s", len(charges), strings.Join(parts, " + "))
	}

	if len(c.failures) > 0 {
		failed := make([]string, 0, len(c.failures))
		for _, f := range c.failures {
			failed = append(failed, f.ServiceID+" ("+f.Kind+")")
		}
		fmt.Fprintf(&b, "; failed: %s", strings.Join(failed, ", "))
	}
	return b.String()
}

// paymentFlow renders "a → b: 0.01 USDC; b → c: 0.001 USDC".
func paymentFlow(charges []*Charge) string {
	parts := make([]string, 0, len(charges))
	for _, ch := range charges {
		parts = append(parts, fmt.Sprintf("%s → %s: %s %s", ch.From, ch.To, ch.amount.String(), ch.Asset))
	}
	return strings.Join(parts, "; ")
}

func newCharge(from, to string, r *x402.PaymentRequirements) *Charge {
	return buildCharge(from, to, r.MaxAmountRequired, r.Asset, r.Network, r.PayTo)
}

func chargeFromRecord(from, to string, p *x402http.PaymentRecord) *Charge {
	ch := buildCharge(from, to, p.Amount, p.Asset, p.Network, p.To)
	ch.Payer = p.From
	ch.Transaction = p.Transaction
	return ch
}

// buildCharge converts atomic units to a human amount using the asset's
// decimals. Unknown assets keep their atomic amount and address.
func buildCharge(from, to, atomic, asset, network, payTo string) *Charge {
	ch := &Charge{From: from, To: to, Network: network, PayTo: payTo, Asset: asset}
	amount, err := decimal.NewFromString(atomic)
	if err != nil {
		amount = decimal.Zero
	}
	if info, err := evm.GetAssetInfo(network, asset); err == nil {
		amount = amount.Shift(-info.Decimals)
		ch.Asset = info.Symbol
	}
	ch.amount = amount
	ch.Amount = amount.String()
	return ch
}

func failureFor(serviceID string, err error) *Failure {
	f := &Failure{ServiceID: serviceID, Kind: KindDownstreamUnavailable, Error: err.Error()}
	if perr, ok := x402.AsPaymentError(err); ok {
		f.Kind = string(perr.Kind)
		f.Reason = perr.Reason
		f.Status = perr.StatusCode()
	}
	return f
}

// asJSON keeps JSON bodies as they are and quotes anything else.
func asJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
