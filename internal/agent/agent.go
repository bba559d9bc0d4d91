// Package agent holds the demo service's paid handlers: a chat endpoint,
// a leaf answer agent, and a research agent that buys from the answer agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Abhi270303/Disburse-AI-sub001/chain"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
)

const maxRequestSize = 64 << 10

// Answerer produces an answer to a question. Implementations may call out
// to a model; the handlers treat it as opaque.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// EchoAnswerer answers by restating the question.
type EchoAnswerer struct {
	Prefix string
}

func (e EchoAnswerer) Answer(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "You asked"
	}
	return fmt.Sprintf("%s: %s", prefix, question), nil
}

type question struct {
	Message  string `json:"message"`
	Question string `json:"question"`
}

func (q question) text() string {
	if q.Question != "" {
		return strings.TrimSpace(q.Question)
	}
	return strings.TrimSpace(q.Message)
}

// Handlers serves the agent endpoints.
type Handlers struct {
	answerer Answerer
	// payer buys from the answer agent; without it research answers alone.
	payer     chain.Payer
	answerURL string
	names     Names
	log       logger.Logger
}

// Names are the service identities shown in payment flows.
type Names struct {
	Chat     string
	Research string
	Answer   string
}

// Option configures Handlers.
type Option func(*Handlers)

// WithPayer lets the research agent buy answers at answerURL.
func WithPayer(payer chain.Payer, answerURL string) Option {
	return func(h *Handlers) {
		h.payer = payer
		h.answerURL = strings.TrimSuffix(answerURL, "/")
	}
}

// WithNames overrides the default service identities.
func WithNames(n Names) Option {
	return func(h *Handlers) {
		h.names = n
	}
}

// WithLogger sets the logger for handler failures.
func WithLogger(l logger.Logger) Option {
	return func(h *Handlers) {
		h.log = logger.OrNoop(l)
	}
}

// NewHandlers serves questions with answerer. Without WithPayer the research
// agent answers alone.
func NewHandlers(answerer Answerer, opts ...Option) *Handlers {
	h := &Handlers{
		answerer: answerer,
		names:    Names{Chat: "disburse", Research: "research-agent", Answer: "answer-agent"},
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Chat answers a message. Requests let through in free mode carry no
// payment and are answered the same way, with type "free".
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	q, ok := h.readQuestion(w, r)
	if !ok {
		return
	}
	answer, err := h.answerer.Answer(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	payment, paid := x402http.PaymentFromContext(r.Context())
	c := chain.New(h.payer, h.names.Chat, chain.WithLogger(h.log))
	c.Inbound("user", payment)
	if err := c.Respond(h.names.Chat, map[string]string{"answer": answer}); err != nil {
		h.fail(w, r, err)
		return
	}

	typ := "free"
	if paid {
		typ = "paid"
	}
	agg, status := c.Result(typ)
	writeJSON(w, status, agg)
}

// Answer is the leaf agent.
func (h *Handlers) Answer(w http.ResponseWriter, r *http.Request) {
	q, ok := h.readQuestion(w, r)
	if !ok {
		return
	}
	answer, err := h.answerer.Answer(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := map[string]any{"agent": h.names.Answer, "answer": answer}
	if p, ok := x402http.PaymentFromContext(r.Context()); ok && p.Verification != nil {
		resp["paidBy"] = p.Verification.Payer
	}
	writeJSON(w, http.StatusOK, resp)
}

// Research gathers notes and buys a final answer from the answer agent. The
// aggregate names both charges; a failed purchase answers 502 with the
// partial aggregate.
func (h *Handlers) Research(w http.ResponseWriter, r *http.Request) {
	q, ok := h.readQuestion(w, r)
	if !ok {
		return
	}

	payment, _ := x402http.PaymentFromContext(r.Context())
	c := chain.New(h.payer, h.names.Research,
		chain.WithCorrelationID(r.Header.Get(chain.CorrelationHeader)),
		chain.WithLogger(h.log),
	)
	c.Inbound("user", payment)

	notes, err := h.answerer.Answer(r.Context(), "research notes for "+q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := c.Respond(h.names.Research, map[string]string{"notes": notes}); err != nil {
		h.fail(w, r, err)
		return
	}

	if h.payer != nil {
		c.Call(r.Context(), chain.Leg{
			ServiceID: h.names.Answer,
			URL:       h.answerURL + "/api/agents/answer",
			Body:      question{Question: q},
		})
	}

	agg, status := c.Result("research")
	writeJSON(w, status, agg)
}

func (h *Handlers) readQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var q question
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&q)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return "", false
	}
	if q.text() == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return "", false
	}
	return q.text(), true
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("failed to answer", map[string]any{"path": r.URL.Path, "error": err})
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to answer"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
