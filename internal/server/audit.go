package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/dispatcher"
)

const auditLogPrefix = "server:audit"

const (
	auditQueueSize    = 256
	recentCapacity    = 50
	auditWriteTimeout = 5 * time.Second
	pruneInterval     = time.Hour
)

// invocationSink persists audit records; *db.Repository satisfies it.
type invocationSink interface {
	RecordInvocation(ctx context.Context, params db.RecordInvocationParams) (int64, error)
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)
}

// auditor observes every dispatched invocation. It keeps the most recent ones
// in memory for the status page and writes all of them to the sink from a
// single worker, so a slow database never delays a response. Records that do
// not fit the queue are dropped and counted.
type auditor struct {
	sink      invocationSink
	deviceID  string
	retention time.Duration
	clock     clock.Clock
	queue     chan dispatcher.InvocationRecord
	dropped   atomic.Int64

	mu     sync.Mutex
	recent []dispatcher.InvocationRecord
}

func newAuditor(sink invocationSink, deviceID string, retention time.Duration, clk clock.Clock) *auditor {
	return &auditor{
		sink:      sink,
		deviceID:  deviceID,
		retention: retention,
		clock:     clk,
		queue:     make(chan dispatcher.InvocationRecord, auditQueueSize),
	}
}

// observe is registered with dispatcher.WithObserver.
func (a *auditor) observe(_ context.Context, rec dispatcher.InvocationRecord) {
	a.mu.Lock()
	a.recent = append(a.recent, rec)
	if len(a.recent) > recentCapacity {
		a.recent = append(a.recent[:0:0], a.recent[len(a.recent)-recentCapacity:]...)
	}
	a.mu.Unlock()

	if a.sink == nil {
		return
	}
	select {
	case a.queue <- rec:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn(fmt.Sprintf("%s - audit queue full, %d records dropped", auditLogPrefix, n))
		}
	}
}

// Recent returns up to n observed invocations, newest first.
func (a *auditor) Recent(n int) []dispatcher.InvocationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.recent) {
		n = len(a.recent)
	}
	out := make([]dispatcher.InvocationRecord, 0, n)
	for i := len(a.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.recent[i])
	}
	return out
}

// Dropped is the number of records that never reached the sink.
func (a *auditor) Dropped() int64 {
	return a.dropped.Load()
}

// run writes queued records until ctx is cancelled, then drains the queue.
// Without a sink it returns immediately.
func (a *auditor) run(ctx context.Context) {
	if a.sink == nil {
		return
	}
	ticker := a.clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	a.prune()

	for {
		select {
		case rec := <-a.queue:
			a.write(rec)
		case <-ticker.C():
			a.prune()
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.queue:
					a.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *auditor) write(rec dispatcher.InvocationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	_, err := a.sink.RecordInvocation(ctx, db.RecordInvocationParams{
		RequestID: rec.RequestID,
		Command:   rec.Command,
		Transport: rec.Transport,
		Ok:        rec.Ok,
		Code:      rec.Code,
		Duration:  rec.Duration,
		DeviceID:  a.deviceID,
		InvokedAt: rec.At,
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to record %s: %v", auditLogPrefix, rec.Command, err))
	}
}

func (a *auditor) prune() {
	if a.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	n, err := a.sink.PruneInvocations(ctx, a.clock.Now().Add(-a.retention))
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - prune failed: %v", auditLogPrefix, err))
		return
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Pruned %d audit records older than %s", auditLogPrefix, n, a.retention))
	}
}
