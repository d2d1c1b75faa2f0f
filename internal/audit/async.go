package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	auditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tandem",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit events dropped due to queue overflow or persistent write failure.",
	})

	auditWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tandem",
		Subsystem: "audit",
		Name:      "written_total",
		Help:      "Audit events successfully written.",
	})
)

const (
	defaultQueueSize   = 1024
	writeRetries       = 2
	writeRetryBackoff  = 50 * time.Millisecond
	writeTimeoutPerTry = 2 * time.Second
)

// Async decouples event producers from the backing writer with a bounded
// queue and a single worker goroutine.
type Async struct {
	log    *slog.Logger
	writer Writer

	ch   chan Event
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewAsync starts the worker. queueSize <= 0 selects the default.
func NewAsync(log *slog.Logger, writer Writer, queueSize int) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &Async{
		log:    log,
		writer: writer,
		ch:     make(chan Event, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues the event. It never blocks: on overflow the event is
// dropped and counted. http.Server.Shutdown does not wait for hijacked
// connections, so session goroutines can still record during teardown:
// after Close the event is dropped. a.ch is never closed, so a send
// racing Close cannot panic.
func (a *Async) Record(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case <-a.quit:
		auditDropped.Inc()
		a.log.Warn("audit.record.after.close", "action", ev.Action)
		return
	default:
	}
	select {
	case a.ch <- ev:
	default:
		auditDropped.Inc()
		a.log.Warn("audit.queue.full", "action", ev.Action)
	}
}

// Close stops the worker after draining queued events or when ctx expires.
// Idempotent; later Record calls drop.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.quit) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)

	for {
		select {
		case ev := <-a.ch:
			a.write(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.ch:
					a.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) write(ev Event) {
	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(writeRetryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeoutPerTry)
		err = a.writer.Write(ctx, ev)
		cancel()
		if err == nil {
			auditWritten.Inc()
			return
		}
	}

	// Swallowed by design: surfaced via metrics and logs only, never to the
	// end user.
	auditDropped.Inc()
	a.log.Error("audit.write.fail", "action", ev.Action, "err", err)
}
