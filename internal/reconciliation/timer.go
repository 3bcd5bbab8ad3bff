package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically re-counts open incidents so the gauges stay accurate
// across restarts, and nags operators while anything is outstanding.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new incident sweep timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeSweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.service.Sweep(ctx); err != nil {
		sweepErrors.Inc()
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}

// Sweep refreshes the incident gauges and logs the backlog.
func (s *Service) Sweep(ctx context.Context) error {
	n, err := s.store.CountOpen(ctx)
	if err != nil {
		return err
	}
	openIncidents.Set(float64(n))
	if n == 0 {
		oldestOpenIncidentAge.Set(0)
		return nil
	}

	oldest, err := s.store.ListOpen(ctx, 1)
	if err != nil {
		return err
	}
	if len(oldest) == 0 {
		oldestOpenIncidentAge.Set(0)
		return nil
	}
	age := s.now().Sub(oldest[0].CreatedAt)
	oldestOpenIncidentAge.Set(age.Seconds())
	s.logger.Warn("unreconciled trades outstanding",
		"open", n, "oldest", oldest[0].ID, "oldest_age", age.Round(time.Second).String())
	return nil
}
