package http_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	"github.com/Abhi270303/Disburse-AI-sub001/encoding"
	"github.com/Abhi270303/Disburse-AI-sub001/facilitator"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
	evmsigner "github.com/Abhi270303/Disburse-AI-sub001/signers/evm"
)

// testPrivateKey is the first Anvil default account. Test use only.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	payer      = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	payTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	otherPayTo = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	usdc       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

var testNow = time.Unix(1_750_000_000, 0)

func clock() time.Time { return testNow }

// fakeFacilitator counts calls and delegates to optional funcs. With no
// funcs it approves everything.
type fakeFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
	verify      func(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	settle      func(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.SettleResponse, error)
}

func (f *fakeFacilitator) Verify(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.verifyCalls.Add(1)
	if f.verify != nil {
		return f.verify(ctx, p, r)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: p.Payload.Authorization.From}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, p *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.settleCalls.Add(1)
	if f.settle != nil {
		return f.settle(ctx, p, r)
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: r.Network}, nil
}

func routes() []catalog.RouteConfig {
	return []catalog.RouteConfig{
		{
			Path:            "/api/chat",
			Method:          "POST",
			Price:           "$0.01",
			Network:         "base-sepolia",
			Description:     "Ask the agent",
			ServiceIdentity: "disburse",
			FreeMode:        true,
		},
		{
			Path:            "/api/agents/answer",
			Method:          "POST",
			Price:           "$0.01",
			Network:         "base-sepolia",
			ServiceIdentity: "answer-agent",
		},
	}
}

func newCatalog(t *testing.T, resolver x402.RecipientResolver) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(resolver, routes()...)
	require.NoError(t, err)
	return c
}

func staticResolver(addr string) x402.RecipientResolver {
	return x402.ResolverFunc(func(context.Context, string) (string, error) { return addr, nil })
}

type served struct {
	mu       sync.Mutex
	count    int
	payments []*x402http.Payment
}

func (s *served) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.count++
		if p, ok := x402http.PaymentFromContext(r.Context()); ok {
			s.payments = append(s.payments, p)
		}
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"answer":"42"}`))
	})
}

func (s *served) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func newSigner(t *testing.T) *evmsigner.Signer {
	t.Helper()
	signer, err := evmsigner.NewSigner(testPrivateKey, evmsigner.WithClock(clock))
	require.NoError(t, err)
	return signer
}

func requirementsFor(to string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		PayTo:             to,
		MaxTimeoutSeconds: 60,
		Asset:             usdc,
		Extra:             &x402.PaymentExtra{Name: "USDC", Version: "2"},
	}
}

// header signs auth with the test key and encodes it.
func header(t *testing.T, auth *x402.Authorization) string {
	t.Helper()
	signer := newSigner(t)
	sig, err := signer.SignAuthorization(context.Background(), requirementsFor(auth.To), auth)
	require.NoError(t, err)
	value, err := encoding.NewCodec().Encode(&x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     "base-sepolia",
		Payload:     &x402.ExactEvmPayload{Signature: sig, Authorization: auth},
	})
	require.NoError(t, err)
	return value
}

var nonceSeq atomic.Int64

func authorization(to, value string) *x402.Authorization {
	var nonce [32]byte
	binary.BigEndian.PutUint64(nonce[24:], uint64(nonceSeq.Add(1)))
	return &x402.Authorization{
		From:        payer,
		To:          to,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(testNow.Add(time.Minute).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}
}

func do(t *testing.T, h http.Handler, path, paymentHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if paymentHeader != "" {
		req.Header.Set(x402.PaymentHeader, paymentHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeChallenge(t *testing.T, rec *httptest.ResponseRecorder) x402.PaymentRequired {
	t.Helper()
	var body x402.PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestChallengeUsesCurrentRecipient(t *testing.T) {
	addresses := []string{payTo, otherPayTo}
	var calls atomic.Int32
	resolver := x402.ResolverFunc(func(_ context.Context, identity string) (string, error) {
		assert.Equal(t, "disburse", identity)
		return addresses[int(calls.Add(1)-1)%2], nil
	})
	fac := &fakeFacilitator{}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, resolver), fac, x402http.WithClock(clock))(s.handler())

	for _, want := range addresses {
		rec := do(t, h, "/api/chat", "")
		require.Equal(t, http.StatusPaymentRequired, rec.Code)

		body := decodeChallenge(t, rec)
		assert.Equal(t, 1, body.X402Version)
		assert.Equal(t, "X-PAYMENT header is required", body.Error)
		require.Len(t, body.Accepts, 1)
		assert.Equal(t, want, body.Accepts[0].PayTo)
		assert.Equal(t, "10000", body.Accepts[0].MaxAmountRequired)
		assert.Equal(t, usdc, body.Accepts[0].Asset)
		assert.Equal(t, "http://example.com/api/chat", body.Accepts[0].Resource)
	}
	assert.Zero(t, s.calls())
	assert.Zero(t, fac.verifyCalls.Load())
}

func TestUnpricedRouteBypassesGate(t *testing.T) {
	resolver := x402.ResolverFunc(func(context.Context, string) (string, error) {
		t.Error("resolver must not be called for free routes")
		return "", errors.New("unreachable")
	})
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, resolver), &fakeFacilitator{})(s.handler())

	rec := do(t, h, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.calls())
}

func TestAcceptedPaymentIsServed(t *testing.T) {
	local := facilitator.New(facilitator.WithClock(clock))
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), local, x402http.WithClock(clock))(s.handler())

	auth := authorization(payTo, "10000")
	rec := do(t, h, "/api/chat", header(t, auth))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"answer":"42"}`, rec.Body.String())

	settlement, err := encoding.DecodeSettlement(rec.Header().Get(x402.PaymentResponseHeader))
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.NotEmpty(t, settlement.Transaction)
	assert.Equal(t, "base-sepolia", settlement.Network)

	require.Len(t, s.payments, 1)
	p := s.payments[0]
	assert.Equal(t, auth.From, p.Verification.Payer)
	assert.Equal(t, settlement.Transaction, p.Settlement.Transaction)
	assert.Equal(t, "/api/chat", p.Route.Path)
}

func TestRequirementMismatchNeverCallsFacilitator(t *testing.T) {
	future := strconv.FormatInt(testNow.Add(time.Minute).Unix(), 10)
	tests := []struct {
		name   string
		auth   func() *x402.Authorization
		reason string
	}{
		{
			name:   "recipient differs",
			auth:   func() *x402.Authorization { return authorization(otherPayTo, "10000") },
			reason: x402.ReasonRecipientMismatch,
		},
		{
			name:   "value below required",
			auth:   func() *x402.Authorization { return authorization(payTo, "9999") },
			reason: x402.ReasonInsufficientValue,
		},
		{
			name: "not yet valid",
			auth: func() *x402.Authorization {
				a := authorization(payTo, "10000")
				a.ValidAfter = strconv.FormatInt(testNow.Add(time.Second).Unix(), 10)
				a.ValidBefore = future
				return a
			},
			reason: x402.ReasonNotYetValid,
		},
		{
			name: "expired",
			auth: func() *x402.Authorization {
				a := authorization(payTo, "10000")
				a.ValidBefore = strconv.FormatInt(testNow.Add(-time.Second).Unix(), 10)
				return a
			},
			reason: x402.ReasonExpired,
		},
		{
			name: "validBefore is now",
			auth: func() *x402.Authorization {
				a := authorization(payTo, "10000")
				a.ValidBefore = strconv.FormatInt(testNow.Unix(), 10)
				return a
			},
			reason: x402.ReasonExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &fakeFacilitator{}
			s := &served{}
			h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

			// Signatures are valid: the rejection must come from the gate's own checks.
			rec := do(t, h, "/api/chat", header(t, tt.auth()))
			require.Equal(t, http.StatusPaymentRequired, rec.Code)

			body := decodeChallenge(t, rec)
			assert.Equal(t, string(x402.KindRequirementMismatch), body.Code)
			assert.Equal(t, tt.reason, body.Reason)
			require.Len(t, body.Accepts, 1, "a mismatch still carries fresh requirements")
			assert.Zero(t, fac.verifyCalls.Load())
			assert.Zero(t, fac.settleCalls.Load())
			assert.Zero(t, s.calls())
		})
	}
}

func TestValidAfterEqualToNowIsAccepted(t *testing.T) {
	fac := &fakeFacilitator{}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

	auth := authorization(payTo, "10000")
	auth.ValidAfter = strconv.FormatInt(testNow.Unix(), 10)
	rec := do(t, h, "/api/chat", header(t, auth))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMalformedPayloadIs400(t *testing.T) {
	fac := &fakeFacilitator{}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac)(s.handler())

	rec := do(t, h, "/api/chat", "%%%not-base64%%%")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body x402.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(x402.KindMalformedPayload), body.Code)
	assert.Equal(t, "invalid_base64", body.Reason)
	assert.Zero(t, fac.verifyCalls.Load())
}

func TestReplayIsRejected(t *testing.T) {
	local := facilitator.New(facilitator.WithClock(clock))
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), local, x402http.WithClock(clock))(s.handler())

	value := header(t, authorization(payTo, "10000"))

	first := do(t, h, "/api/chat", value)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, h, "/api/chat", value)
	require.Equal(t, http.StatusPaymentRequired, second.Code)
	body := decodeChallenge(t, second)
	assert.Equal(t, string(x402.KindVerificationFailed), body.Code)
	assert.Equal(t, x402.ReasonNonceAlreadyUsed, body.Reason)

	assert.Equal(t, 1, s.calls(), "the resource is served once")
}

func TestVerificationRejectionCarriesFacilitatorReason(t *testing.T) {
	fac := &fakeFacilitator{
		verify: func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInvalidSignature}, nil
		},
	}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

	rec := do(t, h, "/api/chat", header(t, authorization(payTo, "10000")))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeChallenge(t, rec)
	assert.Equal(t, string(x402.KindVerificationFailed), body.Code)
	assert.Equal(t, x402.ReasonInvalidSignature, body.Reason)
	assert.Equal(t, int32(1), fac.verifyCalls.Load(), "no retry after a definitive rejection")
	assert.Zero(t, fac.settleCalls.Load())
	assert.Zero(t, s.calls())
}

func TestRecipientUnavailableIs503(t *testing.T) {
	resolver := x402.ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	})
	fac := &fakeFacilitator{}
	h := x402http.PaymentMiddleware(newCatalog(t, resolver), fac, x402http.WithClock(clock))((&served{}).handler())

	for _, value := range []string{"", header(t, authorization(payTo, "10000"))} {
		rec := do(t, h, "/api/chat", value)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body x402.ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(x402.KindRecipientUnavailable), body.Code)
	}
	assert.Zero(t, fac.verifyCalls.Load())
}

func TestResolverTimeoutIs503(t *testing.T) {
	resolver := x402.ResolverFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := x402http.PaymentMiddleware(newCatalog(t, resolver), &fakeFacilitator{},
		x402http.WithTimeouts(x402http.Timeouts{Resolve: 20 * time.Millisecond}))((&served{}).handler())

	rec := do(t, h, "/api/chat", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFacilitatorUnavailableIs503(t *testing.T) {
	fac := &fakeFacilitator{
		verify: func(ctx context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac,
		x402http.WithClock(clock),
		x402http.WithTimeouts(x402http.Timeouts{Verify: 20 * time.Millisecond}),
	)(s.handler())

	rec := do(t, h, "/api/chat", header(t, authorization(payTo, "10000")))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body x402.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(x402.KindFacilitatorUnavailable), body.Code)
	assert.Zero(t, s.calls())
}

func TestSettlementFailures(t *testing.T) {
	tests := []struct {
		name   string
		settle func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleResponse, error)
		status int
		reason string
	}{
		{
			name: "payer cannot cover",
			settle: func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleResponse, error) {
				return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonInsufficientFunds}, nil
			},
			status: http.StatusPaymentRequired,
			reason: x402.ReasonInsufficientFunds,
		},
		{
			name: "facilitator unreachable",
			settle: func(context.Context, *x402.PaymentPayload, *x402.PaymentRequirements) (*x402.SettleResponse, error) {
				return nil, x402.NewPaymentError(x402.KindFacilitatorUnavailable, "connection reset", nil)
			},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &fakeFacilitator{settle: tt.settle}
			s := &served{}
			h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

			rec := do(t, h, "/api/chat", header(t, authorization(payTo, "10000")))
			require.Equal(t, tt.status, rec.Code)
			assert.Zero(t, s.calls(), "nothing is served before settlement succeeds")
			assert.Empty(t, rec.Header().Get(x402.PaymentResponseHeader))

			var body struct {
				Code   string `json:"code"`
				Reason string `json:"reason"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(x402.KindSettlementFailed), body.Code)
			assert.Equal(t, tt.reason, body.Reason)
		})
	}
}

func TestVerifyOnlySkipsSettlement(t *testing.T) {
	fac := &fakeFacilitator{}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac,
		x402http.WithClock(clock), x402http.WithVerifyOnly())(s.handler())

	rec := do(t, h, "/api/chat", header(t, authorization(payTo, "10000")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, fac.settleCalls.Load())
	assert.Empty(t, rec.Header().Get(x402.PaymentResponseHeader))
	require.Len(t, s.payments, 1)
	assert.Nil(t, s.payments[0].Settlement)
}

func TestVerifyOnlyReplayIsRejected(t *testing.T) {
	local := facilitator.New(facilitator.WithClock(clock))
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), local,
		x402http.WithClock(clock), x402http.WithVerifyOnly())(s.handler())

	value := header(t, authorization(payTo, "10000"))

	first := do(t, h, "/api/chat", value)
	require.Equal(t, http.StatusOK, first.Code)

	second := do(t, h, "/api/chat", value)
	require.Equal(t, http.StatusPaymentRequired, second.Code)
	body := decodeChallenge(t, second)
	assert.Equal(t, x402.ReasonNonceAlreadyUsed, body.Reason)

	assert.Equal(t, 1, s.calls(), "a verified nonce serves one request")
}

func TestFreeModePolicy(t *testing.T) {
	fac := &fakeFacilitator{}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

	rec := do(t, h, "/api/chat?mode=free", "")
	assert.Equal(t, http.StatusOK, rec.Code, "route allows free mode")

	rec = do(t, h, "/api/agents/answer?mode=free", "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, "priced route ignores the flag")

	rec = do(t, h, "/api/chat?mode=paid", "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	assert.Equal(t, 1, s.calls())
	assert.Zero(t, fac.verifyCalls.Load())
}

func TestDisconnectedClientGetsNoResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var settleCtxErr error
	fac := &fakeFacilitator{
		verify: func(_ context.Context, p *x402.PaymentPayload, _ *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
			cancel()
			return &x402.VerifyResponse{IsValid: true, Payer: p.Payload.Authorization.From}, nil
		},
		settle: func(ctx context.Context, _ *x402.PaymentPayload, r *x402.PaymentRequirements) (*x402.SettleResponse, error) {
			settleCtxErr = ctx.Err()
			return &x402.SettleResponse{Success: true, Transaction: "0xabc", Network: r.Network}, nil
		},
	}
	s := &served{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), fac, x402http.WithClock(clock))(s.handler())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil).WithContext(ctx)
	req.Header.Set(x402.PaymentHeader, header(t, authorization(payTo, "10000")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NoError(t, settleCtxErr, "settlement is not cut short by the client leaving")
	assert.Zero(t, s.calls())
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header().Get(x402.PaymentResponseHeader))
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) IncCounter(name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[name]++
}

func (m *recordingMetrics) ObserveLatency(string, time.Duration, map[string]string) {}

func TestGateRecordsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	h := x402http.PaymentMiddleware(newCatalog(t, staticResolver(payTo)), &fakeFacilitator{},
		x402http.WithClock(clock), x402http.WithMetrics(m))((&served{}).handler())

	do(t, h, "/api/chat", "")
	do(t, h, "/api/chat", header(t, authorization(payTo, "10000")))
	do(t, h, "/api/chat", header(t, authorization(payTo, "1")))

	assert.Equal(t, map[string]int{"challenge": 1, "verified": 1, "settled": 1, "served": 1, "rejected": 1}, m.counts)
}
