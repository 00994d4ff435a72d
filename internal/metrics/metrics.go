// Package metrics exposes Prometheus collectors for research runs and jobs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

const namespace = "lexresearch"

// Collectors implements agent.Observer and jobs.Observer.
type Collectors struct {
	registry *prometheus.Registry

	jobsCreated  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	rejections   prometheus.Counter
	tokens       *prometheus.CounterVec
	cost         *prometheus.CounterVec
	modelRetries *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// private registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Research jobs accepted.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Research jobs that reached a terminal status.",
		}, []string{"status", "reason"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome.",
		}, []string{"tool", "outcome"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provenance_rejections_total",
			Help:      "Tool calls blocked because they referenced unretrieved documents.",
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Model tokens consumed.",
		}, []string{"provider", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cost_usd_total",
			Help:      "Estimated model spend in USD.",
		}, []string{"provider"}),
		modelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Model calls retried after a transient failure.",
		}, []string{"provider"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsCreated, c.jobsFinished, c.toolCalls, c.rejections,
		c.tokens, c.cost, c.modelRetries,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry is exposed for tests and additional collectors.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) ToolCall(tool, outcome string) {
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	if outcome == string(tools.FailureProvenance) {
		c.rejections.Inc()
	}
}

func (c *Collectors) ModelCall(provider string, usage budget.Usage, retries int) {
	if retries > 0 {
		c.modelRetries.WithLabelValues(provider).Add(float64(retries))
	}
	if usage.PromptTokens > 0 {
		c.tokens.WithLabelValues(provider, "input").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		c.tokens.WithLabelValues(provider, "output").Add(float64(usage.CompletionTokens))
	}
	if usage.Cost > 0 {
		c.cost.WithLabelValues(provider).Add(usage.Cost)
	}
}

func (c *Collectors) JobCreated() { c.jobsCreated.Inc() }

func (c *Collectors) JobFinished(status jobs.Status, reason string) {
	c.jobsFinished.WithLabelValues(string(status), reason).Inc()
}

var (
	_ agent.Observer = (*Collectors)(nil)
	_ jobs.Observer  = (*Collectors)(nil)
)
