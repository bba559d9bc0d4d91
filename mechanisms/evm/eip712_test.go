package evm

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
)

const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testAuthorization() *x402.Authorization {
	return &x402.Authorization{
		From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		To:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Value:       "10000",
		ValidAfter:  "1700000000",
		ValidBefore: "1700000060",
		Nonce:       hexutil.Encode(bytes.Repeat([]byte{0x01}, 32)),
	}
}

func testDomain(t *testing.T) TypedDataDomain {
	t.Helper()
	domain, err := DomainForRequirements(&x402.PaymentRequirements{
		Network: "base-sepolia",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	})
	require.NoError(t, err)
	return domain
}

func sign(t *testing.T, auth *x402.Authorization, domain TypedDataDomain) string {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	digest, err := HashEIP3009Authorization(auth, domain)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func TestDomainForRequirements(t *testing.T) {
	domain := testDomain(t)
	assert.Equal(t, "USDC", domain.Name)
	assert.Equal(t, "2", domain.Version)
	assert.Equal(t, 0, domain.ChainID.Cmp(big.NewInt(84532)))

	withExtra, err := DomainForRequirements(&x402.PaymentRequirements{
		Network: "base-sepolia",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Extra:   &x402.PaymentExtra{Name: "Custom", Version: "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Custom", withExtra.Name)
	assert.Equal(t, "7", withExtra.Version)

	_, err = DomainForRequirements(&x402.PaymentRequirements{Network: "base-sepolia", Asset: "0x1234567890123456789012345678901234567890"})
	assert.Error(t, err, "unknown asset without extra must not get a domain")

	_, err = DomainForRequirements(&x402.PaymentRequirements{Network: "solana", Asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"})
	assert.Error(t, err)
}

func TestHashEIP3009AuthorizationDeterministic(t *testing.T) {
	domain := testDomain(t)
	a, err := HashEIP3009Authorization(testAuthorization(), domain)
	require.NoError(t, err)
	b, err := HashEIP3009Authorization(testAuthorization(), domain)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	changed := testAuthorization()
	changed.Value = "10001"
	c, err := HashEIP3009Authorization(changed, domain)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestAuthorizationMessageRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*x402.Authorization)
	}{
		{"negative value", func(a *x402.Authorization) { a.Value = "-1" }},
		{"float value", func(a *x402.Authorization) { a.Value = "1.5" }},
		{"short nonce", func(a *x402.Authorization) { a.Nonce = "0x01" }},
		{"bad from", func(a *x402.Authorization) { a.From = "alice" }},
		{"overflow", func(a *x402.Authorization) {
			a.ValidBefore = "115792089237316195423570985008687907853269984665640564039457584007913129639936"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := testAuthorization()
			tt.mutate(auth)
			_, err := AuthorizationMessage(auth)
			assert.Error(t, err)
		})
	}
}

func TestVerifyAuthorizationSignature(t *testing.T) {
	domain := testDomain(t)
	auth := testAuthorization()
	sig := sign(t, auth, domain)

	ok, err := VerifyAuthorizationSignature(auth, sig, domain)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := testAuthorization()
	tampered.To = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	ok, err = VerifyAuthorizationSignature(tampered, sig, domain)
	require.NoError(t, err)
	assert.False(t, ok)

	otherChain := domain
	otherChain.ChainID = ChainIDBase
	ok, err = VerifyAuthorizationSignature(auth, sig, otherChain)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAuthorizationSignature(auth, "0x1234", domain)
	assert.Error(t, err)
}

func TestParseAndFormatAmount(t *testing.T) {
	atomic, err := ParseAmount("0.01", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "10000", atomic.String())

	atomic, err = ParseAmount("1", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "1000000", atomic.String())

	_, err = ParseAmount("0.0000001", DefaultDecimals)
	assert.Error(t, err)
	_, err = ParseAmount("-1", DefaultDecimals)
	assert.Error(t, err)

	human, err := FormatAmount("10000", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "0.01", human)

	human, err = FormatAmount("1000", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "0.001", human)
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"))
	assert.False(t, SameAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8", "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))
	assert.False(t, SameAddress("alice", "alice"))
}
