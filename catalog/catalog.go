// Package catalog maps priced routes to the payment requirements a caller
// must satisfy. Routes absent from the catalog are free.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

// ErrUnknownRoute is returned when requirements are requested for a route
// that is not priced.
var ErrUnknownRoute = errors.New("catalog: route is not priced")

// RouteConfig prices one route.
//
// Price is a human amount of the asset ("$0.01", "0.01", "0.01 USDC").
// Path matches exactly, or as a prefix when it ends in "*". An empty Method
// matches every method.
type RouteConfig struct {
	Path              string `validate:"required,startswith=/"`
	Method            string `validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Price             string `validate:"required"`
	Network           string `validate:"required"`
	Asset             string `validate:"omitempty,eth_addr"`
	Description       string
	MimeType          string
	MaxTimeoutSeconds int    `validate:"gte=0,lte=3600"`
	ServiceIdentity   string `validate:"required"`
	// FreeMode lets the route be served without payment when the request
	// carries the free-mode flag. Priced routes ignore the flag otherwise.
	FreeMode bool
}

// Route is a validated RouteConfig with its price converted to atomic units.
type Route struct {
	RouteConfig
	Amount    string
	AssetInfo evm.AssetInfo
}

// Catalog is an immutable route table. It is safe for concurrent use.
type Catalog struct {
	exact    map[string][]Route
	prefixes []Route
	resolver x402.RecipientResolver
}

var validate = validator.New()

// New validates routes and builds a catalog that resolves recipients with
// resolver.
func New(resolver x402.RecipientResolver, routes ...RouteConfig) (*Catalog, error) {
	if resolver == nil {
		return nil, errors.New("catalog: resolver is required")
	}

	c := &Catalog{
		exact:    make(map[string][]Route),
		resolver: resolver,
	}
	for _, cfg := range routes {
		route, err := compile(cfg)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(route.Path, "*") {
			c.prefixes = append(c.prefixes, route)
			continue
		}
		c.exact[route.Path] = append(c.exact[route.Path], route)
	}

	// Longest prefix wins.
	sort.SliceStable(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i].Path) > len(c.prefixes[j].Path)
	})
	return c, nil
}

func compile(cfg RouteConfig) (Route, error) {
	cfg.Method = strings.ToUpper(cfg.Method)
	if err := validate.Struct(cfg); err != nil {
		return Route{}, fmt.Errorf("catalog: invalid route %q: %w", cfg.Path, err)
	}

	info, err := evm.GetAssetInfo(cfg.Network, cfg.Asset)
	if err != nil {
		return Route{}, fmt.Errorf("catalog: route %q: %w", cfg.Path, err)
	}
	amount, err := ParsePrice(cfg.Price, info)
	if err != nil {
		return Route{}, fmt.Errorf("catalog: route %q: %w", cfg.Path, err)
	}
	if amount == "0" {
		return Route{}, fmt.Errorf("catalog: route %q: price must be positive; leave free routes out of the catalog", cfg.Path)
	}

	if cfg.MaxTimeoutSeconds == 0 {
		cfg.MaxTimeoutSeconds = x402.DefaultMaxTimeoutSeconds
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "application/json"
	}

	return Route{RouteConfig: cfg, Amount: amount, AssetInfo: info}, nil
}

// ParsePrice converts a human price to atomic units of asset.
func ParsePrice(price string, asset evm.AssetInfo) (string, error) {
	p := strings.TrimSpace(price)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimSuffix(p, " USD")
	if asset.Symbol != "" {
		p = strings.TrimSuffix(p, " "+asset.Symbol)
	}
	amount, err := evm.ParseAmount(strings.TrimSpace(p), asset.Decimals)
	if err != nil {
		return "", fmt.Errorf("invalid price %q: %w", price, err)
	}
	return amount.String(), nil
}

// Lookup returns the route that prices method and path.
func (c *Catalog) Lookup(method, path string) (Route, bool) {
	method = strings.ToUpper(method)
	for _, r := range c.exact[path] {
		if r.Method == "" || r.Method == method {
			return r, true
		}
	}
	for _, r := range c.prefixes {
		if strings.HasPrefix(path, strings.TrimSuffix(r.Path, "*")) && (r.Method == "" || r.Method == method) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes lists every priced route.
func (c *Catalog) Routes() []Route {
	var out []Route
	for _, rs := range c.exact {
		out = append(out, rs...)
	}
	out = append(out, c.prefixes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// RequirementsFor builds fresh requirements for the route keyed by method
// and path, resolving the current recipient. resource is the absolute URL
// of the requested resource.
func (c *Catalog) RequirementsFor(ctx context.Context, method, path, resource string) (*x402.PaymentRequirements, error) {
	route, ok := c.Lookup(method, path)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownRoute, method, path)
	}
	return c.Requirements(ctx, route, resource)
}

// Requirements builds fresh requirements for route. A resolver failure is
// reported as KindRecipientUnavailable.
func (c *Catalog) Requirements(ctx context.Context, route Route, resource string) (*x402.PaymentRequirements, error) {
	payTo, err := c.resolver.Resolve(ctx, route.ServiceIdentity)
	if err != nil {
		if _, ok := x402.AsPaymentError(err); ok {
			return nil, err
		}
		return nil, x402.NewPaymentError(x402.KindRecipientUnavailable, "failed to resolve recipient", err)
	}
	if !common.IsHexAddress(payTo) {
		return nil, x402.NewPaymentError(x402.KindRecipientUnavailable, fmt.Sprintf("resolver returned unusable address %q", payTo), nil)
	}

	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           route.Network,
		MaxAmountRequired: route.Amount,
		Resource:          resource,
		Description:       route.Description,
		MimeType:          route.MimeType,
		PayTo:             common.HexToAddress(payTo).Hex(),
		MaxTimeoutSeconds: route.MaxTimeoutSeconds,
		Asset:             route.AssetInfo.Address,
		Extra: &x402.PaymentExtra{
			Name:    route.AssetInfo.Name,
			Version: route.AssetInfo.Version,
		},
	}, nil
}
