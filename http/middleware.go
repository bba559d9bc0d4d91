package http

import (
	"context"
	"encoding/json"
	"net/http"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	"github.com/Abhi270303/Disburse-AI-sub001/encoding"
	"github.com/Abhi270303/Disburse-AI-sub001/metrics"
)

// PaymentMiddleware gates next with a new Gate built from c and f.
func PaymentMiddleware(c *catalog.Catalog, f x402.Facilitator, opts ...Option) func(http.Handler) http.Handler {
	return NewGate(c, f, opts...).Middleware
}

// Middleware serves next only for requests the gate accepts or bypasses.
// Accepted requests carry their payment in the context (see
// PaymentFromContext) and get the X-PAYMENT-RESPONSE header.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r)

		if d.Outcome != Bypassed && r.Context().Err() != nil {
			g.log.Warn("client went away before payment decision was delivered", map[string]any{
				"path":    r.URL.Path,
				"outcome": d.outcomeName(),
			})
			return
		}

		switch d.Outcome {
		case Bypassed:
			next.ServeHTTP(w, r)
		case Rejected:
			g.WriteRejection(w, d)
		case Accepted:
			if err := g.WriteSettlementHeader(w.Header(), d); err != nil {
				g.log.Error("failed to encode settlement header", map[string]any{"error": err})
			}
			g.Served(r, d)
			next.ServeHTTP(w, r.WithContext(WithPayment(r.Context(), d)))
		}
	})
}

// WriteRejection writes the response for a rejected decision: a 402
// challenge with fresh requirements, or a plain error body for 400 and 5xx.
func (g *Gate) WriteRejection(w http.ResponseWriter, d *Decision) {
	status, body := g.RejectionBody(d)
	writeJSON(w, status, body)
}

// RejectionBody returns the status and JSON body for a rejected decision and
// records the rejection.
func (g *Gate) RejectionBody(d *Decision) (int, any) {
	perr := d.Err
	status := perr.StatusCode()
	labels := map[string]string{"network": d.Route.Network, "reason": string(perr.Kind)}

	fields := map[string]any{
		"path":   d.Route.Path,
		"kind":   string(perr.Kind),
		"reason": perr.Reason,
		"status": status,
	}
	if d.Payment != nil && d.Payment.Payload != nil && d.Payment.Payload.Authorization != nil {
		fields["payer"] = d.Payment.Payload.Authorization.From
	}
	if perr.Err != nil {
		fields["error"] = perr.Err
	}

	switch {
	case perr.Kind == x402.KindNoPayment:
		g.metrics.IncCounter(metrics.EventChallenge, labels)
		g.log.Debug("payment challenge issued", fields)
	case status >= http.StatusInternalServerError:
		g.metrics.IncCounter(metrics.EventRejected, labels)
		g.log.Error("payment gate unavailable", fields)
	default:
		g.metrics.IncCounter(metrics.EventRejected, labels)
		g.log.Info("payment rejected", fields)
	}

	if perr.Challenge() && d.Requirements != nil {
		body := x402.PaymentRequired{
			X402Version: x402.X402Version,
			Error:       perr.Message,
			Accepts:     []*x402.PaymentRequirements{d.Requirements},
		}
		if perr.Kind != x402.KindNoPayment {
			body.Code = string(perr.Kind)
			body.Reason = perr.Reason
		}
		return status, body
	}
	return status, x402.ErrorBody{
		X402Version: x402.X402Version,
		Error:       perr.Message,
		Code:        string(perr.Kind),
		Reason:      perr.Reason,
	}
}

// WriteSettlementHeader sets X-PAYMENT-RESPONSE for an accepted decision
// that was settled.
func (g *Gate) WriteSettlementHeader(h http.Header, d *Decision) error {
	if d.Settlement == nil {
		return nil
	}
	value, err := encoding.EncodeSettlement(d.Settlement)
	if err != nil {
		return err
	}
	h.Set(x402.PaymentResponseHeader, value)
	h.Add("Access-Control-Expose-Headers", x402.PaymentResponseHeader)
	return nil
}

// Served records that an accepted request is being handed to its handler.
func (g *Gate) Served(r *http.Request, d *Decision) {
	fields := map[string]any{
		"path":  r.URL.Path,
		"payer": d.Verification.Payer,
		"value": d.Payment.Payload.Authorization.Value,
	}
	if d.Settlement != nil {
		fields["transaction"] = d.Settlement.Transaction
	}
	g.metrics.IncCounter(metrics.EventServed, map[string]string{"network": d.Route.Network})
	g.log.Info("payment accepted", fields)
}

func (d *Decision) outcomeName() string {
	switch d.Outcome {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "bypassed"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type paymentKey struct{}

// Payment is what an accepted request carries into its handler.
type Payment struct {
	Route        catalog.Route
	Requirements *x402.PaymentRequirements
	Payload      *x402.PaymentPayload
	Verification *x402.VerifyResponse
	// Settlement is nil when the gate is verify-only.
	Settlement *x402.SettleResponse
}

// WithPayment stores an accepted decision in ctx.
func WithPayment(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, paymentKey{}, &Payment{
		Route:        d.Route,
		Requirements: d.Requirements,
		Payload:      d.Payment,
		Verification: d.Verification,
		Settlement:   d.Settlement,
	})
}

// PaymentFromContext returns the payment that let the request through.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(paymentKey{}).(*Payment)
	return p, ok
}
