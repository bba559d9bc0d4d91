// Package gin adapts the x402 payment gate to gin.
package gin

import (
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
)

// PaymentMiddleware is the gin middleware for a resource server using the
// x402 payment protocol. Routes missing from c pass through untouched.
func PaymentMiddleware(c *catalog.Catalog, f x402.Facilitator, opts ...x402http.Option) gin.HandlerFunc {
	return Middleware(x402http.NewGate(c, f, opts...))
}

// Middleware runs g in front of the remaining gin handlers. Handlers reach
// the accepted payment through x402http.PaymentFromContext on
// c.Request.Context().
func Middleware(g *x402http.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.Decide(c.Request)

		if d.Outcome != x402http.Bypassed && c.Request.Context().Err() != nil {
			c.Abort()
			return
		}

		switch d.Outcome {
		case x402http.Bypassed:
			c.Next()
		case x402http.Rejected:
			status, body := g.RejectionBody(d)
			if d.Err.Kind == x402.KindNoPayment && isWebBrowser(c) {
				c.Abort()
				c.Data(status, "text/html; charset=utf-8", []byte(paywallHTML(d.Requirements)))
				return
			}
			c.AbortWithStatusJSON(status, body)
		case x402http.Accepted:
			if err := g.WriteSettlementHeader(c.Writer.Header(), d); err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, x402.ErrorBody{
					X402Version: x402.X402Version,
					Error:       err.Error(),
					Code:        string(x402.KindSettlementFailed),
				})
				return
			}
			g.Served(c.Request, d)
			c.Request = c.Request.WithContext(x402http.WithPayment(c.Request.Context(), d))
			c.Next()
		}
	}
}

func isWebBrowser(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html") &&
		strings.Contains(c.GetHeader("User-Agent"), "Mozilla")
}

func paywallHTML(r *x402.PaymentRequirements) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Payment Required</title></head><body><h1>Payment Required</h1>")
	if r != nil {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(r.Description))
		b.WriteString("</p><p>Pay ")
		b.WriteString(html.EscapeString(r.MaxAmountRequired))
		b.WriteString(" atomic units of ")
		b.WriteString(html.EscapeString(r.Asset))
		b.WriteString(" on ")
		b.WriteString(html.EscapeString(r.Network))
		b.WriteString(" to ")
		b.WriteString(html.EscapeString(r.PayTo))
		b.WriteString(".</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
