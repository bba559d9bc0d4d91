package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
	"github.com/Abhi270303/Disburse-AI-sub001/resolver"
)

const payTo = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func chatRoute() RouteConfig {
	return RouteConfig{
		Path:            "/api/chat",
		Method:          "post",
		Price:           "$0.01",
		Network:         "base-sepolia",
		Description:     "Ask the agent a question",
		ServiceIdentity: "disburse",
	}
}

func TestParsePrice(t *testing.T) {
	info := evm.NetworkConfigs["base-sepolia"].DefaultAsset
	tests := []struct {
		price string
		want  string
	}{
		{"$0.01", "10000"},
		{"0.001", "1000"},
		{"1 USDC", "1000000"},
		{" $2.5 USD ", "2500000"},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.price, info)
		require.NoError(t, err, tt.price)
		assert.Equal(t, tt.want, got, tt.price)
	}

	_, err := ParsePrice("ten dollars", info)
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	res := resolver.Static(payTo)

	bad := []RouteConfig{
		{Path: "api/chat", Price: "$0.01", Network: "base-sepolia", ServiceIdentity: "x"},
		{Path: "/api/chat", Price: "$0.01", Network: "base-sepolia"},
		{Path: "/api/chat", Price: "$0.01", Network: "mars", ServiceIdentity: "x"},
		{Path: "/api/chat", Price: "$0", Network: "base-sepolia", ServiceIdentity: "x"},
		{Path: "/api/chat", Price: "$0.01", Network: "base-sepolia", ServiceIdentity: "x", Asset: "usdc"},
		{Path: "/api/chat", Price: "$0.01", Network: "base-sepolia", ServiceIdentity: "x", Method: "FETCH"},
	}
	for _, cfg := range bad {
		_, err := New(res, cfg)
		assert.Error(t, err, "%+v", cfg)
	}

	_, err := New(nil, chatRoute())
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	c, err := New(resolver.Static(payTo),
		chatRoute(),
		RouteConfig{Path: "/api/agents/*", Price: "$0.02", Network: "base-sepolia", ServiceIdentity: "agents"},
		RouteConfig{Path: "/api/agents/answer", Method: "POST", Price: "$0.001", Network: "base-sepolia", ServiceIdentity: "answer"},
	)
	require.NoError(t, err)

	route, ok := c.Lookup("POST", "/api/chat")
	require.True(t, ok)
	assert.Equal(t, "10000", route.Amount)
	assert.Equal(t, 60, route.MaxTimeoutSeconds)
	assert.Equal(t, "application/json", route.MimeType)

	_, ok = c.Lookup("GET", "/api/chat")
	assert.False(t, ok, "method must match")

	route, ok = c.Lookup("POST", "/api/agents/answer")
	require.True(t, ok)
	assert.Equal(t, "1000", route.Amount, "exact match beats prefix")

	route, ok = c.Lookup("GET", "/api/agents/research")
	require.True(t, ok)
	assert.Equal(t, "20000", route.Amount)

	_, ok = c.Lookup("GET", "/health")
	assert.False(t, ok)

	assert.Len(t, c.Routes(), 3)
}

func TestRequirementsForResolvesEveryCall(t *testing.T) {
	addresses := []string{payTo, "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"}
	calls := 0
	res := x402.ResolverFunc(func(ctx context.Context, identity string) (string, error) {
		assert.Equal(t, "disburse", identity)
		addr := addresses[calls%2]
		calls++
		return addr, nil
	})

	c, err := New(res, chatRoute())
	require.NoError(t, err)

	first, err := c.RequirementsFor(context.Background(), "POST", "/api/chat", "http://localhost/api/chat")
	require.NoError(t, err)
	second, err := c.RequirementsFor(context.Background(), "POST", "/api/chat", "http://localhost/api/chat")
	require.NoError(t, err)

	assert.Equal(t, addresses[0], first.PayTo)
	assert.Equal(t, addresses[1], second.PayTo)
	assert.Equal(t, x402.SchemeExact, first.Scheme)
	assert.Equal(t, "10000", first.MaxAmountRequired)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", first.Asset)
	assert.Equal(t, "USDC", first.Extra.Name)
	assert.Equal(t, "http://localhost/api/chat", first.Resource)
}

func TestRequirementsForFailures(t *testing.T) {
	failing := x402.ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	})
	c, err := New(failing, chatRoute())
	require.NoError(t, err)

	_, err = c.RequirementsFor(context.Background(), "POST", "/api/chat", "")
	assert.True(t, errors.Is(err, x402.ErrRecipientUnavailable))

	_, err = c.RequirementsFor(context.Background(), "POST", "/free", "")
	assert.True(t, errors.Is(err, ErrUnknownRoute))
}

func TestRequirementsRejectsUnusableAddress(t *testing.T) {
	c, err := New(x402.ResolverFunc(func(context.Context, string) (string, error) {
		return "alice.eth", nil
	}), chatRoute())
	require.NoError(t, err)

	_, err = c.RequirementsFor(context.Background(), "POST", "/api/chat", "")
	assert.True(t, errors.Is(err, x402.ErrRecipientUnavailable))
}
