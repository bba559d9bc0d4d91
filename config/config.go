// Package config loads the binaries' settings from the environment, after
// reading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Abhi270303/Disburse-AI-sub001/mechanisms/evm"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("x402network", func(fl validator.FieldLevel) bool {
		_, err := evm.GetNetworkConfig(fl.Field().String())
		return err == nil
	})
	return v
}

// Service configures cmd/disburse.
type Service struct {
	Port     int    `validate:"gte=1,lte=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`
	// PublicURL is the externally visible root used in requirement resources.
	PublicURL string `validate:"required,url"`
	Network   string `validate:"x402network"`

	FacilitatorURL    string `validate:"required,url"`
	FacilitatorAPIKey string
	VerifyOnly        bool

	// ResolverURL points at the address lookup service. Without it every
	// route is paid to PayTo.
	ResolverURL    string `validate:"omitempty,url"`
	ResolverAPIKey string
	PayTo          string `validate:"required_without=ResolverURL,omitempty,eth_addr"`

	// PrivateKey is the service's own wallet, used to pay downstream agents.
	PrivateKey string `validate:"omitempty,hexadecimal,len=64"`
	// MaxSpend caps a single downstream payment in atomic units.
	MaxSpend string `validate:"omitempty,numeric"`

	ChatIdentity     string `validate:"required"`
	ResearchIdentity string `validate:"required"`
	AnswerIdentity   string `validate:"required"`
	ChatPrice        string `validate:"required"`
	ResearchPrice    string `validate:"required"`
	AnswerPrice      string `validate:"required"`
	// AnswerAgentURL is where the research agent buys answers.
	AnswerAgentURL string `validate:"required,url"`

	ResolveTimeout time.Duration `validate:"gt=0"`
	VerifyTimeout  time.Duration `validate:"gt=0"`
	SettleTimeout  time.Duration `validate:"gt=0"`
}

// Facilitator configures cmd/facilitator.
type Facilitator struct {
	Port     int    `validate:"gte=1,lte=65535"`
	LogLevel string `validate:"oneof=debug info warn error"`
	APIKey   string
	Networks []string `validate:"min=1,dive,x402network"`
	// RedisURL selects the shared nonce store. Empty keeps nonces in memory.
	RedisURL string `validate:"omitempty,url"`
	// RPCURL and PrivateKey enable on-chain settlement on Networks[0].
	RPCURL         string        `validate:"required_with=PrivateKey,omitempty,url"`
	PrivateKey     string        `validate:"required_with=RPCURL,omitempty,hexadecimal,len=64"`
	RequestTimeout time.Duration `validate:"gt=0"`
}

// LoadService reads files (".env" when none are given) and the environment.
func LoadService(files ...string) (*Service, error) {
	if err := loadDotEnv(files...); err != nil {
		return nil, err
	}

	e := &env{}
	cfg := &Service{
		Port:              e.int("PORT", 3001),
		LogLevel:          e.str("LOG_LEVEL", "info"),
		Network:           e.str("NETWORK", "base-sepolia"),
		FacilitatorURL:    e.str("FACILITATOR_URL", "https://x402.org/facilitator"),
		FacilitatorAPIKey: e.str("FACILITATOR_API_KEY", ""),
		VerifyOnly:        e.bool("VERIFY_ONLY", false),
		ResolverURL:       e.str("RESOLVER_URL", ""),
		ResolverAPIKey:    e.str("RESOLVER_API_KEY", ""),
		PayTo:             e.str("PAY_TO", ""),
		PrivateKey:        strings.TrimPrefix(e.str("PRIVATE_KEY", ""), "0x"),
		MaxSpend:          e.str("MAX_SPEND", ""),
		ChatIdentity:      e.str("CHAT_IDENTITY", "disburse"),
		ResearchIdentity:  e.str("RESEARCH_IDENTITY", "research-agent"),
		AnswerIdentity:    e.str("ANSWER_IDENTITY", "answer-agent"),
		ChatPrice:         e.str("CHAT_PRICE", "$0.01"),
		ResearchPrice:     e.str("RESEARCH_PRICE", "$0.01"),
		AnswerPrice:       e.str("ANSWER_PRICE", "$0.001"),
		ResolveTimeout:    e.duration("RESOLVE_TIMEOUT", 5*time.Second),
		VerifyTimeout:     e.duration("VERIFY_TIMEOUT", 10*time.Second),
		SettleTimeout:     e.duration("SETTLE_TIMEOUT", 30*time.Second),
	}
	cfg.PublicURL = strings.TrimSuffix(e.str("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	cfg.AnswerAgentURL = strings.TrimSuffix(e.str("ANSWER_AGENT_URL", cfg.PublicURL), "/")

	if err := e.err(); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFacilitator reads files (".env" when none are given) and the
// environment.
func LoadFacilitator(files ...string) (*Facilitator, error) {
	if err := loadDotEnv(files...); err != nil {
		return nil, err
	}

	e := &env{}
	cfg := &Facilitator{
		Port:           e.int("PORT", 4022),
		LogLevel:       e.str("LOG_LEVEL", "info"),
		APIKey:         e.str("API_KEY", ""),
		Networks:       e.list("NETWORKS", evm.SupportedNetworks()),
		RedisURL:       e.str("REDIS_URL", ""),
		RPCURL:         e.str("RPC_URL", ""),
		PrivateKey:     strings.TrimPrefix(e.str("PRIVATE_KEY", ""), "0x"),
		RequestTimeout: e.duration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if err := e.err(); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv never overrides variables that are already set. A missing
// default .env is fine; a missing explicit file is not.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", strings.Join(files, ", "), err)
	}
	return nil
}

// env reads typed variables and keeps the first parse error.
type env struct {
	first error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e *env) fail(key string, err error) {
	if e.first == nil {
		e.first = fmt.Errorf("config: invalid %s: %w", key, err)
	}
}

func (e *env) err() error {
	return e.first
}
