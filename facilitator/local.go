// Package facilitator verifies and settles exact-scheme EVM payments in
// process, and serves them over HTTP for resource servers that use the
// facilitator client.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// Local is a facilitator that checks authorizations itself. A successful
// Verify reserves the nonce for the authorization that was verified and a
// successful Settle keeps it, so no other request can be served with the
// same nonce for as long as the authorization could still be valid.
type Local struct {
	nonces   NonceStore
	executor Executor
	now      func() time.Time
	log      logger.Logger
	networks []string
}

var _ x402.Facilitator = (*Local)(nil)

// Option configures a Local facilitator.
type Option func(*Local)

// WithNonceStore replaces the in-memory nonce store.
func WithNonceStore(store NonceStore) Option {
	return func(f *Local) {
		f.nonces = store
	}
}

// WithExecutor replaces the simulated executor.
func WithExecutor(executor Executor) Option {
	return func(f *Local) {
		f.executor = executor
	}
}

// WithClock replaces time.Now for validity window checks.
func WithClock(now func() time.Time) Option {
	return func(f *Local) {
		f.now = now
	}
}

// WithLogger sets the logger for rejections and settlements.
func WithLogger(l logger.Logger) Option {
	return func(f *Local) {
		f.log = logger.OrNoop(l)
	}
}

// WithNetworks limits the networks the facilitator accepts.
func WithNetworks(networks ...string) Option {
	return func(f *Local) {
		f.networks = networks
	}
}

// New creates a Local facilitator backed by memory and a simulated
// executor unless options say otherwise.
func New(opts ...Option) *Local {
	f := &Local{
		nonces:   NewMemoryNonceStore(),
		executor: NewSimulatedExecutor(),
		now:      time.Now,
		log:      logger.NoopLogger{},
		networks: evm.SupportedNetworks(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// checked is an authorization that passed every stateless check.
type checked struct {
	auth        *x402.Authorization
	payer       common.Address
	validBefore *big.Int
	holder      string
}

// Verify checks payload against requirements and reports the first
// failing rule as InvalidReason. A valid payment reserves its nonce, so
// verifying the same authorization twice fails the second time.
func (f *Local) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	c, reason := f.check(payload, requirements)
	if reason != "" {
		return f.invalid(reason, payload, requirements), nil
	}

	reserved, err := f.nonces.Reserve(ctx, f.nonceKey(requirements, c.auth), c.holder, f.claimTTL(c.validBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve nonce: %w", err)
	}
	if !reserved {
		f.log.Warn("nonce replay rejected", map[string]any{"payer": c.payer.Hex(), "nonce": c.auth.Nonce})
		return f.invalid(x402.ReasonNonceAlreadyUsed, payload, requirements), nil
	}

	return &x402.VerifyResponse{IsValid: true, Payer: c.payer.Hex()}, nil
}

// Settle verifies payload, claims its nonce, and executes the transfer. A
// nonce reserved by Verify can only be claimed by the same authorization.
// The claim is released again if the transfer does not happen.
func (f *Local) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	c, reason := f.check(payload, requirements)
	if reason != "" {
		return f.settleFailure(reason, requirements, ""), nil
	}
	payer := c.payer.Hex()

	key := f.nonceKey(requirements, c.auth)
	claimed, err := f.nonces.Claim(ctx, key, c.holder, f.claimTTL(c.validBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to claim nonce: %w", err)
	}
	if !claimed {
		f.log.Warn("nonce replay rejected", map[string]any{"payer": payer, "nonce": c.auth.Nonce})
		return f.settleFailure(x402.ReasonNonceAlreadyUsed, requirements, payer), nil
	}

	tx, err := f.executor.Transfer(ctx, requirements.Network, requirements.Asset, c.auth, payload.Payload.Signature)
	if err != nil {
		if rerr := f.nonces.Release(context.WithoutCancel(ctx), key); rerr != nil {
			f.log.Error("failed to release nonce", map[string]any{"error": rerr, "nonce": c.auth.Nonce})
		}
		if errors.Is(err, ErrInsufficientFunds) {
			return f.settleFailure(x402.ReasonInsufficientFunds, requirements, payer), nil
		}
		f.log.Error("transfer failed", map[string]any{"error": err, "payer": payer, "network": requirements.Network})
		return nil, fmt.Errorf("failed to execute transfer: %w", err)
	}

	f.log.Info("payment settled", map[string]any{
		"payer":       payer,
		"payTo":       requirements.PayTo,
		"value":       c.auth.Value,
		"network":     requirements.Network,
		"transaction": tx,
	})
	return &x402.SettleResponse{
		Success:     true,
		Transaction: tx,
		Network:     requirements.Network,
		Payer:       payer,
	}, nil
}

// Supported lists one kind per accepted network.
func (f *Local) Supported() *x402.SupportedResponse {
	resp := &x402.SupportedResponse{Kinds: make([]x402.SupportedKind, 0, len(f.networks))}
	for _, network := range f.networks {
		resp.Kinds = append(resp.Kinds, x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      x402.SchemeExact,
			Network:     network,
		})
	}
	return resp
}

func (f *Local) check(payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (checked, string) {
	if payload == nil || requirements == nil || payload.Payload == nil || payload.Payload.Authorization == nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	auth := payload.Payload.Authorization

	if payload.X402Version != x402.X402Version {
		return checked{}, x402.ReasonInvalidVersion
	}
	if payload.Scheme != x402.SchemeExact || requirements.Scheme != payload.Scheme {
		return checked{}, x402.ReasonSchemeMismatch
	}
	if payload.Network != requirements.Network || !f.acceptsNetwork(payload.Network) {
		return checked{}, x402.ReasonNetworkMismatch
	}

	domain, err := evm.DomainForRequirements(requirements)
	if err != nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return checked{}, x402.ReasonInvalidPayload
	}
	if !evm.SameAddress(auth.To, requirements.PayTo) {
		return checked{}, x402.ReasonRecipientMismatch
	}

	value, err := evm.ParseUint256(auth.Value)
	if err != nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	required, err := evm.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	if value.Cmp(required) < 0 {
		return checked{}, x402.ReasonInsufficientValue
	}

	validAfter, err := evm.ParseUint256(auth.ValidAfter)
	if err != nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	validBefore, err := evm.ParseUint256(auth.ValidBefore)
	if err != nil {
		return checked{}, x402.ReasonInvalidPayload
	}
	now := big.NewInt(f.now().Unix())
	if validAfter.Cmp(now) > 0 {
		return checked{}, x402.ReasonNotYetValid
	}
	if validBefore.Cmp(now) <= 0 {
		return checked{}, x402.ReasonExpired
	}

	signer, err := evm.RecoverAuthorizationSigner(auth, payload.Payload.Signature, domain)
	if err != nil || signer != common.HexToAddress(auth.From) {
		return checked{}, x402.ReasonInvalidSignature
	}

	return checked{
		auth:        auth,
		payer:       signer,
		validBefore: validBefore,
		holder:      crypto.Keccak256Hash([]byte(strings.ToLower(payload.Payload.Signature))).Hex(),
	}, ""
}

func (f *Local) acceptsNetwork(network string) bool {
	for _, n := range f.networks {
		if n == network {
			return true
		}
	}
	return false
}

func (f *Local) nonceKey(requirements *x402.PaymentRequirements, auth *x402.Authorization) string {
	return NonceKey(requirements.Network, requirements.Asset, auth.From, auth.Nonce)
}

// claimTTL keeps a claim until the authorization expires. Authorizations
// valid beyond the int64 horizon are claimed forever.
func (f *Local) claimTTL(validBefore *big.Int) time.Duration {
	if !validBefore.IsInt64() {
		return 0
	}
	remaining := validBefore.Int64() - f.now().Unix()
	if remaining > int64(math.MaxInt64/time.Second) {
		return 0
	}
	ttl := time.Duration(remaining) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (f *Local) invalid(reason string, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) *x402.VerifyResponse {
	resp := &x402.VerifyResponse{IsValid: false, InvalidReason: reason}
	if payload != nil && payload.Payload != nil && payload.Payload.Authorization != nil {
		resp.Payer = payload.Payload.Authorization.From
	}
	network := ""
	if requirements != nil {
		network = requirements.Network
	}
	f.log.Debug("payment rejected", map[string]any{"reason": reason, "network": network, "payer": resp.Payer})
	return resp
}

func (f *Local) settleFailure(reason string, requirements *x402.PaymentRequirements, payer string) *x402.SettleResponse {
	resp := &x402.SettleResponse{Success: false, ErrorReason: reason, Payer: payer}
	if requirements != nil {
		resp.Network = requirements.Network
	}
	return resp
}
