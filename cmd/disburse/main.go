// Command disburse serves the paid agent endpoints behind an x402 gate.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/Abhi270303/Disburse-AI-sub001"
	"github.com/Abhi270303/Disburse-AI-sub001/catalog"
	"github.com/Abhi270303/Disburse-AI-sub001/config"
	"github.com/Abhi270303/Disburse-AI-sub001/facilitatorclient"
	x402http "github.com/Abhi270303/Disburse-AI-sub001/http"
	"github.com/Abhi270303/Disburse-AI-sub001/internal/agent"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
	"github.com/Abhi270303/Disburse-AI-sub001/metrics"
	"github.com/Abhi270303/Disburse-AI-sub001/resolver"
	evmsigner "github.com/Abhi270303/Disburse-AI-sub001/signers/evm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadService()
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var recipients x402.RecipientResolver = resolver.Static(cfg.PayTo)
	if cfg.ResolverURL != "" {
		var opts []resolver.Option
		opts = append(opts, resolver.WithTimeout(cfg.ResolveTimeout))
		if cfg.ResolverAPIKey != "" {
			opts = append(opts, resolver.WithHeader("X-API-Key", cfg.ResolverAPIKey))
		}
		recipients = resolver.NewHTTPResolver(cfg.ResolverURL, opts...)
	}

	names := agent.Names{Chat: cfg.ChatIdentity, Research: cfg.ResearchIdentity, Answer: cfg.AnswerIdentity}
	routes, err := catalog.New(recipients, agent.Routes(names, agent.Prices{
		Network:  cfg.Network,
		Chat:     cfg.ChatPrice,
		Research: cfg.ResearchPrice,
		Answer:   cfg.AnswerPrice,
	})...)
	if err != nil {
		return err
	}

	fc := &facilitatorclient.FacilitatorConfig{
		URL:           cfg.FacilitatorURL,
		VerifyTimeout: cfg.VerifyTimeout,
		SettleTimeout: cfg.SettleTimeout,
	}
	if cfg.FacilitatorAPIKey != "" {
		fc.CreateAuthHeaders = facilitatorclient.HeaderAuth("X-API-Key", cfg.FacilitatorAPIKey)
	}

	gateOpts := []x402http.Option{
		x402http.WithResourceRootURL(cfg.PublicURL),
		x402http.WithTimeouts(x402http.Timeouts{
			Resolve: cfg.ResolveTimeout,
			Verify:  cfg.VerifyTimeout,
			Settle:  cfg.SettleTimeout,
		}),
		x402http.WithLogger(log),
		x402http.WithMetrics(recorder),
	}
	if cfg.VerifyOnly {
		gateOpts = append(gateOpts, x402http.WithVerifyOnly())
	}
	gate := x402http.NewGate(routes, facilitatorclient.NewFacilitatorClient(fc), gateOpts...)

	handlerOpts := []agent.Option{agent.WithNames(names), agent.WithLogger(log)}
	if cfg.PrivateKey != "" {
		signerOpts := []evmsigner.Option{evmsigner.WithNetworks(cfg.Network)}
		if cfg.MaxSpend != "" {
			limit, ok := new(big.Int).SetString(cfg.MaxSpend, 10)
			if !ok {
				return fmt.Errorf("invalid MAX_SPEND %q", cfg.MaxSpend)
			}
			signerOpts = append(signerOpts, evmsigner.WithMaxAmount(limit))
		}
		signer, err := evmsigner.NewSigner(cfg.PrivateKey, signerOpts...)
		if err != nil {
			return err
		}
		client := x402http.NewClient(signer, x402http.WithClientLogger(log), x402http.WithClientMetrics(recorder))
		handlerOpts = append(handlerOpts, agent.WithPayer(client, cfg.AnswerAgentURL))
		log.Info("downstream payments enabled", map[string]any{"wallet": signer.Address()})
	}
	handlers := agent.NewHandlers(agent.EchoAnswerer{}, handlerOpts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           agent.NewRouter(gate, handlers, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]any{"addr": srv.Addr, "network": cfg.Network, "facilitator": cfg.FacilitatorURL})
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SettleTimeout+5*time.Second)
	defer cancel()
	log.Info("shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}
