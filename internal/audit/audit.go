package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"authcore.org/internal/auth"
	"authcore.org/internal/obs"
)

const (
	defaultQueueSize   = 1024
	defaultDrainPeriod = 5 * time.Second
)

// Logger persists audit events to the append-only store. Security events are
// written synchronously on the caller's path. Informational events go through
// a bounded queue drained by a background worker; when the queue is full they
// are dropped and counted, never blocking request handling.
type Logger struct {
	store auth.AuditStore
	queue chan *auth.AuditEvent

	// mu orders intake against shutdown: Info sends under the read lock,
	// Close flips closed under the write lock, so no send can race the
	// worker teardown. The queue channel itself is never closed.
	mu     sync.RWMutex
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures Logger.
type Option func(*options)

type options struct {
	queueSize int
}

// WithQueueSize bounds the informational event queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// New starts the background drain worker. Callers must Close on shutdown to
// flush buffered events.
func New(store auth.AuditStore, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	o := options{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}
	l := &Logger{
		store: store,
		queue: make(chan *auth.AuditEvent, o.queueSize),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

// Security writes the event before returning. A write failure propagates to
// the caller, so operations that must be audited fail closed.
func (l *Logger) Security(ctx context.Context, event *auth.AuditEvent) error {
	if err := l.store.Append(ctx, event); err != nil {
		obs.Log("error", "audit append failed", map[string]any{
			"kind":  event.Kind,
			"error": err.Error(),
		})
		return err
	}
	logEvent(event)
	return nil
}

// Info enqueues the event for background persistence. Full queue drops the
// event; the drop is counted and logged but never surfaces to the caller.
func (l *Logger) Info(event *auth.AuditEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
		obs.SetAuditQueueDepth(len(l.queue))
	default:
		obs.ObserveAuditDropped()
		obs.Log("warn", "audit queue full, event dropped", map[string]any{"kind": event.Kind})
	}
}

// Close stops intake, flushes the queue and waits for the worker.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	})
	l.wg.Wait()
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.persist(event)
		case <-l.done:
			// Intake is closed; empty whatever is buffered, then exit.
			for {
				select {
				case event := <-l.queue:
					l.persist(event)
				default:
					obs.SetAuditQueueDepth(0)
					return
				}
			}
		}
	}
}

func (l *Logger) persist(event *auth.AuditEvent) {
	obs.SetAuditQueueDepth(len(l.queue))
	// The request context is gone by now; bound the write on its own.
	ctx, cancel := context.WithTimeout(context.Background(), defaultDrainPeriod)
	err := l.store.Append(ctx, event)
	cancel()
	if err != nil {
		obs.Log("error", "async audit append failed", map[string]any{
			"kind":  event.Kind,
			"error": err.Error(),
		})
		return
	}
	logEvent(event)
}

func logEvent(event *auth.AuditEvent) {
	fields := map[string]any{
		"audit_id": event.ID,
		"actor_id": event.ActorID,
		"kind":     event.Kind,
		"outcome":  event.Outcome,
		"severity": string(event.Severity),
	}
	if event.Client.IP != "" {
		fields["ip"] = event.Client.IP
	}
	if event.ResourceID != "" {
		fields["resource_id"] = event.ResourceID
	}
	for k, v := range event.Fields {
		fields[k] = v
	}
	obs.Log("info", "audit event", fields)
}
