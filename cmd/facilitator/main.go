// Command facilitator runs the local x402 facilitator over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Abhi270303/Disburse-AI-sub001/config"
	"github.com/Abhi270303/Disburse-AI-sub001/facilitator"
	"github.com/Abhi270303/Disburse-AI-sub001/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFacilitator()
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	networks := cfg.Networks
	opts := []facilitator.Option{facilitator.WithLogger(log)}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		opts = append(opts, facilitator.WithNonceStore(facilitator.NewRedisNonceStore(rdb, "")))
		log.Info("using redis nonce store", map[string]any{"addr": redisOpts.Addr})
	}

	if cfg.RPCURL != "" {
		// One chain per RPC endpoint.
		networks = networks[:1]
		executor, err := facilitator.DialChainExecutor(cfg.RPCURL, networks[0], cfg.PrivateKey)
		if err != nil {
			return err
		}
		opts = append(opts, facilitator.WithExecutor(executor))
		log.Info("settling on chain", map[string]any{"network": networks[0], "account": executor.Address()})
	} else {
		log.Warn("no RPC_URL configured, settlements are simulated", nil)
	}
	opts = append(opts, facilitator.WithNetworks(networks...))

	e := facilitator.NewServer(facilitator.New(opts...), facilitator.ServerConfig{
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})

	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info("facilitator listening", map[string]any{"addr": addr, "networks": networks})
		errc <- e.Start(addr)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	log.Info("shutting down", nil)
	return e.Shutdown(shutdownCtx)
}
