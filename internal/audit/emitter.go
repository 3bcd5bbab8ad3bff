package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/assetescrow/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	auditEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "audit",
		Name:      "emit_total",
		Help:      "Total audit events emitted by event type.",
	}, []string{"event_type"})

	auditEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "audit",
		Name:      "emit_errors_total",
		Help:      "Total audit events lost or failed by event type and reason.",
	}, []string{"event_type", "reason"})
)

func init() {
	prometheus.MustRegister(auditEmitTotal, auditEmitErrors)
}

// DefaultQueueSize bounds events waiting for the sinks.
const DefaultQueueSize = 1024

// AsyncEmitter queues events for a background worker that appends them to
// every sink. Emit never blocks; a full queue drops the event.
type AsyncEmitter struct {
	queue   chan *Event
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	done    chan struct{}
}

// NewAsyncEmitter creates an emitter with a queue of queueSize events.
func NewAsyncEmitter(queueSize int, sinks ...Sink) *AsyncEmitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncEmitter{
		queue:   make(chan *Event, queueSize),
		sinks:   sinks,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// WithLogger sets a structured logger.
func (e *AsyncEmitter) WithLogger(l *slog.Logger) *AsyncEmitter {
	e.logger = l
	return e
}

// Emit queues an event. It never returns an error and never blocks.
func (e *AsyncEmitter) Emit(ctx context.Context, eventType EventType, payload Payload) {
	if e == nil {
		return
	}
	auditEmitTotal.WithLabelValues(string(eventType)).Inc()
	ev := &Event{
		ID:         idgen.WithPrefix("evt_"),
		Type:       eventType,
		OccurredAt: e.now().UTC(),
		Payload:    payload,
	}
	select {
	case e.queue <- ev:
	default:
		auditEmitErrors.WithLabelValues(string(eventType), "queue_full").Inc()
		e.logger.Warn("audit queue full, dropping event",
			"event", eventType, "token", payload.Token, "actor", payload.Actor)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (e *AsyncEmitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case ev := <-e.queue:
			e.deliver(ev)
		}
	}
}

// Done is closed once Run has returned.
func (e *AsyncEmitter) Done() <-chan struct{} {
	return e.done
}

func (e *AsyncEmitter) flush() {
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		default:
			return
		}
	}
}

func (e *AsyncEmitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := s.Append(ctx, ev)
		cancel()
		if err != nil {
			auditEmitErrors.WithLabelValues(string(ev.Type), "sink").Inc()
			e.logger.Warn("audit append failed",
				"event", ev.Type, "id", ev.ID, "token", ev.Token, "error", err)
		}
	}
}
