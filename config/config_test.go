package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/document"
)

const sampleYAML = `
server:
  jwt_secret: secret
llm:
  default_provider: openai
  providers:
    openai:
      type: openai
      model: gpt-4o-mini
      cost_per_1m_input: 0.15
      cost_per_1m_output: 0.6
tools:
  endpoint: http://legal-data:8080/mcp
agent:
  max_cost: 0.5
ranking:
  cite: 12
  type_table:
    law: 4.5
jobs:
  dispatcher: redis
storage:
  redis:
    host: localhost
  postgres:
    host: db
    user: lex
    password: pw
    dbname: research
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":10001" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
	if cfg.Agent.MaxIterations != 25 || cfg.Agent.ModelTimeout != 90*time.Second {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Jobs.ProcessingTimeout != 14*time.Minute || cfg.Jobs.Retention != 24*time.Hour {
		t.Fatalf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Jobs.StaleAfter != 19*time.Minute {
		t.Fatalf("expected stale_after derived from processing timeout, got %s", cfg.Jobs.StaleAfter)
	}
	if cfg.Jobs.Stream != "jobs.created" || cfg.Jobs.Group != "job-workers" {
		t.Fatalf("unexpected stream defaults: %+v", cfg.Jobs)
	}
	if got := cfg.Storage.Postgres.DSN(); got != "postgres://lex:pw@db:5432/research?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if cfg.Storage.Redis.Addr() != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Storage.Redis.Addr())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LEXRESEARCH_SERVER_JWT_SECRET", "from-env")
	t.Setenv("LEXRESEARCH_AGENT_MAX_ITERATIONS", "7")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.Server.JWTSecret)
	}
	if cfg.Agent.MaxIterations != 7 {
		t.Fatalf("expected 7 iterations, got %d", cfg.Agent.MaxIterations)
	}
}

func TestConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	providers := cfg.LLM.ProviderConfigs()
	if p := providers["openai"]; p.Model != "gpt-4o-mini" || p.Pricing.OutputPerMillion != 0.6 {
		t.Fatalf("unexpected provider config: %+v", p)
	}
	policy, err := cfg.Ranking.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Cite != 12 || policy.Modify != 5 {
		t.Fatalf("expected cite override and default modify, got %+v", policy)
	}
	if policy.TypeTable[document.AuthorityLaw] != 4.5 {
		t.Fatalf("expected law weight 4.5, got %.2f", policy.TypeTable[document.AuthorityLaw])
	}
	b := cfg.Agent.Budget()
	if b.MaxCost == nil || *b.MaxCost != 0.5 || b.MaxTokens != nil {
		t.Fatalf("unexpected budget: %+v", b)
	}
	oc := cfg.Agent.Orchestrator()
	if oc.Retry.MaxAttempts != 3 || oc.MaxExtractBatch != 3 {
		t.Fatalf("unexpected orchestrator config: %+v", oc)
	}
	mcp := cfg.Tools.MCP(oc.MaxExtractBatch)
	if mcp.Endpoint != "http://legal-data:8080/mcp" || mcp.Timeout != time.Minute {
		t.Fatalf("unexpected mcp config: %+v", mcp)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Config{
			LLM:   LLMConfig{DefaultProvider: "a", Providers: map[string]LLMProvider{"a": {Type: "openai", Model: "m"}}},
			Tools: ToolsConfig{Endpoint: "http://tools/mcp"},
		}
		c.Normalize()
		return c
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(*Config){
		"no providers":      func(c *Config) { c.LLM.Providers = nil },
		"unknown default":   func(c *Config) { c.LLM.DefaultProvider = "b" },
		"no tools":          func(c *Config) { c.Tools.Endpoint = "" },
		"relative endpoint": func(c *Config) { c.Tools.Endpoint = "tools/mcp" },
		"bad dispatcher":    func(c *Config) { c.Jobs.Dispatcher = "kafka" },
		"redis missing":     func(c *Config) { c.Jobs.Dispatcher = DispatcherRedis },
		"cache missing":     func(c *Config) { c.Tools.Cache.Enabled = true },
		"stale too short":   func(c *Config) { c.Jobs.StaleAfter = time.Minute },
		"negative cost":     func(c *Config) { c.Agent.MaxCost = -1 },
		"unknown authority": func(c *Config) { c.Ranking.TypeTable = map[string]float64{"unknown": 1} },
		"non monotone table": func(c *Config) {
			c.Ranking.TypeTable = map[string]float64{"constitution": 0.5}
		},
		"postgres without db": func(c *Config) { c.Storage.Postgres.Host = "db" },
		"redis dispatcher without postgres": func(c *Config) {
			c.Jobs.Dispatcher = DispatcherRedis
			c.Storage.Redis.Host = "localhost"
		},
	}
	for name, mutate := range cases {
		c := base()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
