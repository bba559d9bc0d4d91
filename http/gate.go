// Package http puts an x402 payment gate in front of net/http handlers and
// provides the paying client that answers such gates.
package http

import (
	"context"
	"math/big"
	"net/http"
	"time"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	"github.com/Abhi270303/Disburse-AI-sub001/encoding"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
	"github.com/Abhi270303/Disburse-AI-sub001/metrics"
)

// Default outbound call timeouts.
const (
	DefaultResolveTimeout = 5 * time.Second
	DefaultVerifyTimeout  = 10 * time.Second
	DefaultSettleTimeout  = 30 * time.Second
)

// DefaultFreeModeParam is the query parameter that requests free mode on
// routes that allow it: ?mode=free.
const DefaultFreeModeParam = "mode"

const freeModeValue = "free"

// Timeouts bounds each outbound call the gate makes.
type Timeouts struct {
	Resolve time.Duration
	Verify  time.Duration
	Settle  time.Duration
}

// Gate decides whether requests to priced routes may proceed. It is safe for
// concurrent use.
type Gate struct {
	catalog         *catalog.Catalog
	facilitator     x402.Facilitator
	codec           *encoding.Codec
	timeouts        Timeouts
	verifyOnly      bool
	resourceRootURL string
	freeModeParam   string
	now             func() time.Time
	log             logger.Logger
	metrics         metrics.Recorder
}

// Option configures a Gate.
type Option func(*Gate)

// WithCodec replaces the default payload codec, for example to narrow the
// accepted networks.
func WithCodec(codec *encoding.Codec) Option {
	return func(g *Gate) {
		g.codec = codec
	}
}

// WithTimeouts overrides the outbound call timeouts. Zero fields keep their
// defaults.
func WithTimeouts(t Timeouts) Option {
	return func(g *Gate) {
		if t.Resolve > 0 {
			g.timeouts.Resolve = t.Resolve
		}
		if t.Verify > 0 {
			g.timeouts.Verify = t.Verify
		}
		if t.Settle > 0 {
			g.timeouts.Settle = t.Settle
		}
	}
}

// WithVerifyOnly serves the resource after a successful verify without
// settling.
func WithVerifyOnly() Option {
	return func(g *Gate) {
		g.verifyOnly = true
	}
}

// WithResourceRootURL sets the scheme and host used to build each
// requirement's resource URL. By default it is derived from the request.
func WithResourceRootURL(url string) Option {
	return func(g *Gate) {
		g.resourceRootURL = url
	}
}

// WithFreeModeParam renames the free-mode query parameter.
func WithFreeModeParam(name string) Option {
	return func(g *Gate) {
		g.freeModeParam = name
	}
}

// WithClock replaces time.Now for validity window checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger for gate decisions.
func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.log = logger.OrNoop(l)
	}
}

// WithMetrics records gate events and outbound call latency.
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gate) {
		g.metrics = metrics.OrNoop(r)
	}
}

// NewGate creates a gate that prices requests with c and verifies payments
// with f.
func NewGate(c *catalog.Catalog, f x402.Facilitator, opts ...Option) *Gate {
	g := &Gate{
		catalog:     c,
		facilitator: f,
		codec:       encoding.NewCodec(),
		timeouts: Timeouts{
			Resolve: DefaultResolveTimeout,
			Verify:  DefaultVerifyTimeout,
			Settle:  DefaultSettleTimeout,
		},
		freeModeParam: DefaultFreeModeParam,
		now:           time.Now,
		log:           logger.NoopLogger{},
		metrics:       metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Outcome is the terminal state of a gate decision.
type Outcome int

const (
	// Bypassed means the route is free, or free mode was requested on a
	// route that allows it.
	Bypassed Outcome = iota
	// Accepted means the payment was verified, and settled unless the gate
	// is verify-only.
	Accepted
	// Rejected means the request must not reach the handler.
	Rejected
)

// Decision is the result of Gate.Decide.
type Decision struct {
	Outcome      Outcome
	Route        catalog.Route
	Requirements *x402.PaymentRequirements
	Payment      *x402.PaymentPayload
	Verification *x402.VerifyResponse
	Settlement   *x402.SettleResponse
	// Err is set when Outcome is Rejected.
	Err *x402.PaymentError
}

// Decide runs the payment state machine for r. It performs the resolver,
// verify, and settle calls, each under its own timeout, and returns only
// once the decision is final.
func (g *Gate) Decide(r *http.Request) *Decision {
	route, ok := g.catalog.Lookup(r.Method, r.URL.Path)
	if !ok {
		return &Decision{Outcome: Bypassed}
	}
	d := &Decision{Route: route}
	if route.FreeMode && r.URL.Query().Get(g.freeModeParam) == freeModeValue {
		d.Outcome = Bypassed
		return d
	}

	ctx := r.Context()
	labels := map[string]string{"network": route.Network}

	requirements, err := g.requirements(ctx, route, g.resource(r), labels)
	if err != nil {
		return g.reject(d, err)
	}
	d.Requirements = requirements

	header := r.Header.Get(x402.PaymentHeader)
	if header == "" {
		return g.reject(d, x402.NewPaymentError(x402.KindNoPayment, "X-PAYMENT header is required", nil))
	}

	payload, err := g.codec.Decode(header)
	if err != nil {
		return g.reject(d, err)
	}
	d.Payment = payload

	if perr := g.validate(payload, requirements); perr != nil {
		return g.reject(d, perr)
	}

	verification, err := g.verify(ctx, payload, requirements, labels)
	if err != nil {
		return g.reject(d, err)
	}
	d.Verification = verification

	if !g.verifyOnly {
		settlement, err := g.settle(ctx, payload, requirements, labels)
		if err != nil {
			return g.reject(d, err)
		}
		d.Settlement = settlement
	}

	d.Outcome = Accepted
	return d
}

func (g *Gate) requirements(ctx context.Context, route catalog.Route, resource string, labels map[string]string) (*x402.PaymentRequirements, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Resolve)
	defer cancel()

	start := time.Now()
	requirements, err := g.catalog.Requirements(ctx, route, resource)
	g.metrics.ObserveLatency(metrics.OperationResolve, time.Since(start), labels)
	if err != nil {
		if _, ok := x402.AsPaymentError(err); ok {
			return nil, err
		}
		return nil, x402.NewPaymentError(x402.KindRecipientUnavailable, "failed to build payment requirements", err)
	}
	return requirements, nil
}

// validate enforces the invariants that need no facilitator: scheme and
// network (which, with the signature domain, bind the asset), recipient,
// amount, and time window.
func (g *Gate) validate(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) *x402.PaymentError {
	if payload.Payload == nil || payload.Payload.Authorization == nil {
		return mismatch("payment carries no authorization", x402.ReasonInvalidPayload)
	}
	auth := payload.Payload.Authorization

	if payload.Scheme != requirements.Scheme {
		return mismatch("payment scheme does not match requirements", x402.ReasonSchemeMismatch)
	}
	if payload.Network != requirements.Network {
		return mismatch("payment network does not match requirements", x402.ReasonNetworkMismatch)
	}
	if _, err := evm.GetAssetInfo(payload.Network, requirements.Asset); err != nil {
		return mismatch("payment asset is not accepted on this network", x402.ReasonInvalidPayload)
	}
	if !evm.SameAddress(auth.To, requirements.PayTo) {
		return mismatch("authorization recipient does not match payTo", x402.ReasonRecipientMismatch)
	}

	value, err := evm.ParseUint256(auth.Value)
	if err != nil {
		return mismatch("authorization value is not a uint256", x402.ReasonInvalidPayload)
	}
	required, err := evm.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return mismatch("requirement amount is not a uint256", x402.ReasonInvalidPayload)
	}
	if value.Cmp(required) < 0 {
		return mismatch("authorization value is below the required amount", x402.ReasonInsufficientValue)
	}

	validAfter, err := evm.ParseUint256(auth.ValidAfter)
	if err != nil {
		return mismatch("validAfter is not a uint256", x402.ReasonInvalidPayload)
	}
	validBefore, err := evm.ParseUint256(auth.ValidBefore)
	if err != nil {
		return mismatch("validBefore is not a uint256", x402.ReasonInvalidPayload)
	}
	now := big.NewInt(g.now().Unix())
	if validAfter.Cmp(now) > 0 {
		return mismatch("authorization is not yet valid", x402.ReasonNotYetValid)
	}
	if validBefore.Cmp(now) <= 0 {
		return mismatch("authorization has expired", x402.ReasonExpired)
	}
	return nil
}

func (g *Gate) verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, labels map[string]string) (*x402.VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeouts.Verify)
	defer cancel()

	start := time.Now()
	resp, err := g.facilitator.Verify(ctx, payload, requirements)
	g.metrics.ObserveLatency(metrics.OperationVerify, time.Since(start), labels)
	if err != nil {
		if perr, ok := x402.AsPaymentError(err); ok {
			return nil, perr
		}
		return nil, x402.NewPaymentError(x402.KindFacilitatorUnavailable, "failed to verify payment", err)
	}
	if resp == nil {
		return nil, x402.NewPaymentError(x402.KindFacilitatorUnavailable, "facilitator returned no verify result", nil)
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if reason == "" {
			reason = x402.ReasonVerificationFailed
		}
		return nil, x402.NewPaymentError(x402.KindVerificationFailed, "facilitator rejected payment", nil).WithReason(reason)
	}
	g.metrics.IncCounter(metrics.EventVerified, labels)
	return resp, nil
}

// settle runs detached from the inbound request: once the facilitator has
// been asked to move funds the answer is awaited even if the caller left.
func (g *Gate) settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements, labels map[string]string) (*x402.SettleResponse, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeouts.Settle)
	defer cancel()

	start := time.Now()
	resp, err := g.facilitator.Settle(ctx, payload, requirements)
	g.metrics.ObserveLatency(metrics.OperationSettle, time.Since(start), labels)
	if err != nil {
		perr := x402.NewPaymentError(x402.KindSettlementFailed, "failed to settle payment", err)
		perr.Infrastructure = true
		return nil, perr
	}
	if resp == nil {
		perr := x402.NewPaymentError(x402.KindSettlementFailed, "facilitator returned no settle result", nil)
		perr.Infrastructure = true
		return nil, perr
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = x402.ReasonUnexpectedSettle
		}
		return nil, x402.NewPaymentError(x402.KindSettlementFailed, "facilitator did not settle payment", nil).WithReason(reason)
	}
	if resp.Network == "" {
		resp.Network = requirements.Network
	}
	g.metrics.IncCounter(metrics.EventSettled, labels)
	return resp, nil
}

func (g *Gate) reject(d *Decision, err error) *Decision {
	perr, ok := x402.AsPaymentError(err)
	if !ok {
		perr = x402.NewPaymentError(x402.KindFacilitatorUnavailable, "unexpected payment gate failure", err)
	}
	d.Outcome = Rejected
	d.Err = perr
	return d
}

func (g *Gate) resource(r *http.Request) string {
	if g.resourceRootURL != "" {
		return g.resourceRootURL + r.URL.Path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func mismatch(message, reason string) *x402.PaymentError {
	return x402.NewPaymentError(x402.KindRequirementMismatch, message, nil).WithReason(reason)
}
