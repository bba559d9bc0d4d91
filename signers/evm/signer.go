// Package evm holds a private key and turns payment requirements into signed
// EIP-3009 authorizations.
package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	x402evm "github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// validAfterSkew backdates validAfter so a verifier with a slightly slower
// clock still sees the authorization as active.
const validAfterSkew = 10 * time.Second

var (
	ErrInvalidKey       = errors.New("evm signer: invalid private key")
	ErrUnsupported      = errors.New("evm signer: requirements not signable")
	ErrAmountExceeded   = errors.New("evm signer: amount exceeds spending cap")
	ErrInvalidAmount    = errors.New("evm signer: invalid amount")
	ErrNonceUnavailable = errors.New("evm signer: nonce source failed")
	ErrInvalidRecipient = errors.New("evm signer: invalid payTo address")
)

// Signer signs TransferWithAuthorization messages with one key. It is safe
// for concurrent use: every authorization draws its own nonce.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	networks   map[string]struct{}
	maxAmount  *big.Int
	now        func() time.Time
	nonces     io.Reader
}

// Option configures a Signer.
type Option func(*Signer) error

// WithMaxAmount refuses to sign any requirement above amount atomic units.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		if amount == nil || amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		s.maxAmount = new(big.Int).Set(amount)
		return nil
	}
}

// WithNetworks restricts the signer to the given networks.
func WithNetworks(networks ...string) Option {
	return func(s *Signer) error {
		s.networks = make(map[string]struct{}, len(networks))
		for _, n := range networks {
			if _, err := x402evm.GetNetworkConfig(n); err != nil {
				return err
			}
			s.networks[n] = struct{}{}
		}
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// WithNonceReader overrides crypto/rand as the nonce source.
func WithNonceReader(r io.Reader) Option {
	return func(s *Signer) error {
		s.nonces = r
		return nil
	}
}

// NewSigner creates a signer from a hex private key, with or without 0x.
func NewSigner(privateKeyHex string, opts ...Option) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSignerFromKey(key, opts...)
}

// NewSignerFromKey creates a signer from an ECDSA key.
func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		now:        time.Now,
		nonces:     rand.Reader,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Address returns the checksummed address of the key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// MaxAmount returns the spending cap, or nil if there is none.
func (s *Signer) MaxAmount() *big.Int {
	if s.maxAmount == nil {
		return nil
	}
	return new(big.Int).Set(s.maxAmount)
}

// CanSign reports whether requirements use a scheme, network, and asset
// this signer knows how to sign for, within its spending cap.
func (s *Signer) CanSign(requirements *x402.PaymentRequirements) bool {
	return s.check(requirements) == nil
}

func (s *Signer) check(requirements *x402.PaymentRequirements) error {
	if requirements == nil || requirements.Scheme != x402.SchemeExact {
		return fmt.Errorf("%w: scheme must be %q", ErrUnsupported, x402.SchemeExact)
	}
	if s.networks != nil {
		if _, ok := s.networks[requirements.Network]; !ok {
			return fmt.Errorf("%w: network %s", ErrUnsupported, requirements.Network)
		}
	}
	if _, err := x402evm.DomainForRequirements(requirements); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if !common.IsHexAddress(requirements.PayTo) {
		return ErrInvalidRecipient
	}
	amount, err := x402evm.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAmountExceeded, amount, s.maxAmount)
	}
	return nil
}

// CreatePayment builds and signs a payload that pays exactly
// MaxAmountRequired to PayTo, valid from a few seconds ago until
// MaxTimeoutSeconds from now.
func (s *Signer) CreatePayment(ctx context.Context, requirements *x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(requirements); err != nil {
		return nil, err
	}

	nonce, err := s.newNonce()
	if err != nil {
		return nil, err
	}

	timeout := requirements.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = x402.DefaultMaxTimeoutSeconds
	}
	now := s.now()
	auth := &x402.Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(requirements.PayTo).Hex(),
		Value:       requirements.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-validAfterSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(timeout)*time.Second).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	signature, err := s.SignAuthorization(ctx, requirements, auth)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload: &x402.ExactEvmPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}, nil
}

// SignAuthorization signs auth in the domain described by requirements and
// returns the 65 byte r||s||v signature as 0x hex, with v in {27, 28}.
func (s *Signer) SignAuthorization(ctx context.Context, requirements *x402.PaymentRequirements, auth *x402.Authorization) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	domain, err := x402evm.DomainForRequirements(requirements)
	if err != nil {
		return "", err
	}
	digest, err := x402evm.HashEIP3009Authorization(auth, domain)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

func (s *Signer) newNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := io.ReadFull(s.nonces, nonce[:]); err != nil {
		return nonce, fmt.Errorf("%w: %v", ErrNonceUnavailable, err)
	}
	return nonce, nil
}
