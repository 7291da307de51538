package observability

import (
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowchain/core/events"
	"escrowchain/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(label(strings.ToLower(eventType), "unknown")).Inc()
}

type payloadEvent interface {
	Event() *types.Event
}

// valueFlows maps event types to the value flow label they move.
var valueFlows = map[string]string{
	"escrow.deposited": "deposited",
	"escrow.released":  "released",
	"escrow.refunded":  "refunded",
}

// EventLogger publishes committed events to the structured log and the
// event and value counters.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger returns an emitter writing to logger. A nil logger uses
// slog.Default.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger.With(slog.String("component", "events"))}
}

var _ events.Emitter = (*EventLogger)(nil)

// Emit implements events.Emitter.
func (l *EventLogger) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	Events().RecordEvent(eventType)

	payload, ok := evt.(payloadEvent)
	if !ok || payload.Event() == nil {
		l.logger.Info("event", slog.String("type", eventType))
		return
	}
	attrs := payload.Event().Attributes
	if flow, ok := valueFlows[eventType]; ok {
		if amount, ok := new(big.Int).SetString(attrs["amount"], 10); ok {
			Escrow().RecordValue(flow, amount)
		}
	}
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)+1)
	args = append(args, slog.String("type", eventType))
	for _, key := range keys {
		args = append(args, slog.String(key, attrs[key]))
	}
	l.logger.Info("event", args...)
}
