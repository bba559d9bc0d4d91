package agent

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
)

// Prices are human amounts of the network's default asset.
type Prices struct {
	Network  string
	Chat     string
	Research string
	Answer   string
}

// Routes prices the agent endpoints. Only chat may be served in free mode.
func Routes(names Names, p Prices) []catalog.RouteConfig {
	return []catalog.RouteConfig{
		{
			Path:            "/api/chat",
			Method:          http.MethodPost,
			Price:           p.Chat,
			Network:         p.Network,
			Description:     "Chat with the Disburse agent",
			ServiceIdentity: names.Chat,
			FreeMode:        true,
		},
		{
			Path:            "/api/agents/research",
			Method:          http.MethodPost,
			Price:           p.Research,
			Network:         p.Network,
			Description:     "Research a question with a paid answer agent",
			ServiceIdentity: names.Research,
		},
		{
			Path:            "/api/agents/answer",
			Method:          http.MethodPost,
			Price:           p.Answer,
			Network:         p.Network,
			Description:     "Answer a question",
			ServiceIdentity: names.Answer,
		},
	}
}

// NewRouter mounts the handlers behind gate. /health and, when given,
// /metrics are free.
func NewRouter(gate *x402http.Gate, h *Handlers, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(api chi.Router) {
		api.Use(gate.Middleware)
		api.Post("/api/chat", h.Chat)
		api.Post("/api/agents/research", h.Research)
		api.Post("/api/agents/answer", h.Answer)
	})
	return r
}
