// Package config holds the process configuration shared by the analyst
// commands. Values come from flags, then environment variables, then
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/analyst/pkg/backend"
	"github.com/malbeclabs/analyst/pkg/llm"
	"github.com/malbeclabs/analyst/pkg/subanalyst"
	"github.com/malbeclabs/analyst/pkg/taskgraph"
)

const (
	defaultMode                  = taskgraph.ModeSandbox
	defaultLLMTemperature        = 0.1
	defaultLLMMaxTokens          = 1400
	defaultMaxAttempts           = 2
	defaultGenerationConcurrency = 3
	defaultExecutionConcurrency  = 3
	defaultHistoryTTL            = 30 * time.Minute
	defaultListenAddr            = "0.0.0.0:8020"
	defaultMetricsAddr           = ""
)

type Config struct {
	Mode       taskgraph.Mode
	PolicyPath string
	DomainName string

	AnthropicAPIKey string
	AnthropicModel  string
	LLMTemperature  float64
	LLMMaxTokens    int64

	MaxAttempts           int
	GenerationConcurrency int
	ExecutionConcurrency  int
	CallTimeout           time.Duration

	Backend            string
	DuckDBPath         string
	SandboxSeedPath    string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	ClickHouseHTTPURL  string
	PostgresURL        string

	SubAnalystURL   string
	SubAnalystToken string

	ListenAddr    string
	MetricsAddr   string
	HistoryTTL    time.Duration
	AllowedTokens []string
}

// binding ties a flag to the environment variable consulted when the flag is
// not set on the command line.
type binding struct {
	flag string
	env  string
}

var bindings = []binding{
	{"mode", "ANALYST_MODE"},
	{"policy-path", "ANALYST_POLICY_PATH"},
	{"domain-name", "ANALYST_DOMAIN_NAME"},
	{"anthropic-api-key", "ANTHROPIC_API_KEY"},
	{"anthropic-model", "ANTHROPIC_MODEL"},
	{"llm-temperature", "ANALYST_LLM_TEMPERATURE"},
	{"llm-max-tokens", "ANALYST_LLM_MAX_TOKENS"},
	{"max-attempts", "ANALYST_MAX_ATTEMPTS"},
	{"generation-concurrency", "ANALYST_GENERATION_CONCURRENCY"},
	{"execution-concurrency", "ANALYST_EXECUTION_CONCURRENCY"},
	{"call-timeout", "ANALYST_CALL_TIMEOUT"},
	{"backend", "ANALYST_BACKEND"},
	{"duckdb-path", "ANALYST_DUCKDB_PATH"},
	{"sandbox-seed-path", "ANALYST_SANDBOX_SEED_PATH"},
	{"clickhouse-addr", "CLICKHOUSE_ADDR"},
	{"clickhouse-database", "CLICKHOUSE_DATABASE"},
	{"clickhouse-username", "CLICKHOUSE_USERNAME"},
	{"clickhouse-password", "CLICKHOUSE_PASSWORD"},
	{"clickhouse-http-url", "CLICKHOUSE_HTTP_URL"},
	{"postgres-url", "POSTGRES_URL"},
	{"subanalyst-url", "ANALYST_SUBANALYST_URL"},
	{"subanalyst-token", "ANALYST_SUBANALYST_TOKEN"},
	{"listen-addr", "ANALYST_LISTEN_ADDR"},
	{"metrics-addr", "METRICS_ADDR"},
	{"history-ttl", "ANALYST_HISTORY_TTL"},
	{"allowed-tokens", "ANALYST_MCP_ALLOWED_TOKENS"},
}

// RegisterFlags binds every field to a flag on fs with its default.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar((*string)(&c.Mode), "mode", string(defaultMode), "execution mode (sandbox, prod)")
	fs.StringVar(&c.PolicyPath, "policy-path", "", "path to a policy model YAML file (default: embedded model)")
	fs.StringVar(&c.DomainName, "domain-name", "", "domain name used in out-of-scope replies (default: policy model domain)")

	fs.StringVar(&c.AnthropicAPIKey, "anthropic-api-key", "", "Anthropic API key")
	fs.StringVar(&c.AnthropicModel, "anthropic-model", "", "Anthropic model id")
	fs.Float64Var(&c.LLMTemperature, "llm-temperature", defaultLLMTemperature, "sampling temperature for planning and generation")
	fs.Int64Var(&c.LLMMaxTokens, "llm-max-tokens", defaultLLMMaxTokens, "max tokens per model call")

	fs.IntVar(&c.MaxAttempts, "max-attempts", defaultMaxAttempts, "max calls per step and phase, the first included")
	fs.IntVar(&c.GenerationConcurrency, "generation-concurrency", defaultGenerationConcurrency, "concurrent query generations")
	fs.IntVar(&c.ExecutionConcurrency, "execution-concurrency", defaultExecutionConcurrency, "concurrent query executions on parallel-capable targets")
	fs.DurationVar(&c.CallTimeout, "call-timeout", 0, "timeout per generation or execution call (0 for none)")

	fs.StringVar(&c.Backend, "backend", "", "execution backend (duckdb, clickhouse, clickhouse-http, postgres); defaults from mode")
	fs.StringVar(&c.DuckDBPath, "duckdb-path", "", "DuckDB database file (empty for in-memory)")
	fs.StringVar(&c.SandboxSeedPath, "sandbox-seed-path", "", "path to a sandbox seed SQL template (default: embedded seed)")
	fs.StringVar(&c.ClickHouseAddr, "clickhouse-addr", "", "ClickHouse native address (host:port)")
	fs.StringVar(&c.ClickHouseDatabase, "clickhouse-database", "default", "ClickHouse database")
	fs.StringVar(&c.ClickHouseUsername, "clickhouse-username", "default", "ClickHouse username")
	fs.StringVar(&c.ClickHousePassword, "clickhouse-password", "", "ClickHouse password")
	fs.StringVar(&c.ClickHouseHTTPURL, "clickhouse-http-url", "", "ClickHouse HTTP interface URL")
	fs.StringVar(&c.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")

	fs.StringVar(&c.SubAnalystURL, "subanalyst-url", "", "sub-analyst service URL (empty disables the sub-analyst)")
	fs.StringVar(&c.SubAnalystToken, "subanalyst-token", "", "bearer token for the sub-analyst service")

	fs.StringVar(&c.ListenAddr, "listen-addr", defaultListenAddr, "MCP server listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", defaultMetricsAddr, "address to serve prometheus metrics on (empty disables)")
	fs.DurationVar(&c.HistoryTTL, "history-ttl", defaultHistoryTTL, "idle time after which session history is dropped")
	fs.StringSliceVar(&c.AllowedTokens, "allowed-tokens", nil, "bearer tokens allowed on the MCP endpoint (empty disables auth)")
}

// ApplyEnv sets every flag that was not given on the command line from its
// environment variable, when present.
func (c *Config) ApplyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range bindings {
		f := fs.Lookup(b.flag)
		if f == nil || f.Changed {
			continue
		}
		v, ok := lookup(b.env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := fs.Set(b.flag, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s: %w", b.env, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	mode, err := taskgraph.ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode

	if c.Backend == "" {
		c.Backend = backend.KindDuckDB
		if c.Mode == taskgraph.ModeProd {
			c.Backend = backend.KindClickHouse
		}
	}
	switch c.Backend {
	case backend.KindDuckDB:
	case backend.KindClickHouse:
		if c.ClickHouseAddr == "" {
			return errors.New("clickhouse addr is required for the clickhouse backend")
		}
	case backend.KindClickHouseHTTP:
		if c.ClickHouseHTTPURL == "" {
			return errors.New("clickhouse http url is required for the clickhouse-http backend")
		}
	case backend.KindPostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}

	if c.LLMTemperature < 0 || c.LLMTemperature > 1 {
		return errors.New("llm temperature must be between 0 and 1")
	}
	if c.LLMMaxTokens <= 0 {
		return errors.New("llm max tokens must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be > 0")
	}
	if c.GenerationConcurrency <= 0 {
		return errors.New("generation concurrency must be > 0")
	}
	if c.ExecutionConcurrency <= 0 {
		return errors.New("execution concurrency must be > 0")
	}
	if c.CallTimeout < 0 {
		return errors.New("call timeout must be >= 0")
	}
	if c.HistoryTTL <= 0 {
		return errors.New("history ttl must be > 0")
	}
	return nil
}

// Sandbox reports whether queries run against the local emulator.
func (c *Config) Sandbox() bool {
	return c.Mode == taskgraph.ModeSandbox
}

func (c *Config) BackendConfig(log *slog.Logger) backend.Config {
	return backend.Config{
		Kind: c.Backend,
		DuckDB: backend.DuckDBConfig{
			Logger:   log,
			Path:     c.DuckDBPath,
			SeedPath: c.SandboxSeedPath,
			Seed:     c.Sandbox(),
		},
		ClickHouse: backend.ClickHouseConfig{
			Logger:   log,
			Addr:     c.ClickHouseAddr,
			Database: c.ClickHouseDatabase,
			Username: c.ClickHouseUsername,
			Password: c.ClickHousePassword,
		},
		ClickHouseHTTP: backend.ClickHouseHTTPConfig{
			Logger:   log,
			URL:      c.ClickHouseHTTPURL,
			Database: c.ClickHouseDatabase,
			Username: c.ClickHouseUsername,
			Password: c.ClickHousePassword,
		},
		Postgres: backend.PostgresConfig{
			Logger: log,
			URL:    c.PostgresURL,
		},
	}
}

func (c *Config) AnthropicConfig(log *slog.Logger) llm.AnthropicConfig {
	return llm.AnthropicConfig{
		Logger:    log,
		APIKey:    c.AnthropicAPIKey,
		Model:     anthropic.Model(c.AnthropicModel),
		MaxTokens: c.LLMMaxTokens,
	}
}

// SubAnalystConfig returns nil when no sub-analyst is configured.
func (c *Config) SubAnalystConfig(log *slog.Logger) *subanalyst.HTTPConfig {
	if c.SubAnalystURL == "" {
		return nil
	}
	return &subanalyst.HTTPConfig{
		Logger: log,
		URL:    c.SubAnalystURL,
		Token:  c.SubAnalystToken,
	}
}

// Dialect names the SQL flavor of the configured backend for prompts.
func (c *Config) Dialect() string {
	switch c.Backend {
	case backend.KindClickHouse, backend.KindClickHouseHTTP:
		return "ClickHouse SQL"
	case backend.KindPostgres:
		return "PostgreSQL"
	default:
		return "DuckDB SQL"
	}
}
