package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quackchat"

// Failure kinds for StreamFailures.
const (
	KindConfig    = "config"
	KindTransport = "transport"
	KindParse     = "parse"
)

type Metrics struct {
	StreamsStarted    prometheus.Counter
	StreamTokens      prometheus.Counter
	StreamFailures    *prometheus.CounterVec
	ConversationSaves prometheus.Counter
	DiscoveryFailures prometheus.Counter

	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process metrics registered on the default registerer.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// Unregistered returns counters attached to a throwaway registry, for tests
// and components built without metrics.
func Unregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_streams_started_total",
			Help:      "Total chat completion streams opened",
		}),
		StreamTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_stream_tokens_total",
			Help:      "Total text deltas received from chat completion streams",
		}),
		StreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_stream_failures_total",
			Help:      "Total streams that ended with an error token",
		}, []string{"kind"}),
		ConversationSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_saves_total",
			Help:      "Total conversation payload writes",
		}),
		DiscoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_discovery_failures_total",
			Help:      "Total connections skipped during model discovery",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
	}
	reg.MustRegister(
		m.StreamsStarted, m.StreamTokens, m.StreamFailures, m.ConversationSaves, m.DiscoveryFailures,
		m.EnqueuedJobs, m.ProcessedJobs, m.FailedJobs, m.UpdatesTotal,
	)
	return m
}
