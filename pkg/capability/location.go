package capability

import (
	"context"
	"sync"
	"time"

	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
)

// pendingFix bridges a callback-style location request into a single result.
// Only the first resolve call takes effect; later callbacks and the timeout
// task racing them are no-ops.
type pendingFix struct {
	once sync.Once
	done chan struct{}
	loc  platform.Location
	err  error
}

func newPendingFix() *pendingFix {
	return &pendingFix{done: make(chan struct{})}
}

func (p *pendingFix) resolve(loc platform.Location, err error) {
	p.once.Do(func() {
		p.loc, p.err = loc, err
		close(p.done)
	})
}

type locator struct {
	svc     platform.LocationProvider
	clock   clock.Clock
	timeout time.Duration
}

func newLocationNamespace(gate permission.Gate, svc platform.LocationProvider, clk clock.Clock, timeout time.Duration) (*namespace, error) {
	l := &locator{svc: svc, clock: clk, timeout: timeout}
	return newNamespace("location", gate, map[string]command{
		"location.get": {schema: `{
			"type": "object",
			"properties": {
				"timeoutMs": {"type": "integer", "minimum": 1, "maximum": 120000},
				"accuracy": {"enum": ["coarse", "balanced", "precise"]}
			}
		}`, run: l.get},
	})
}

// get is all-or-nothing: no fix before the timeout is a TIMEOUT failure.
func (l *locator) get(ctx context.Context, p dispatcher.Params) (interface{}, error) {
	if l.svc == nil {
		return nil, dispatcher.Unavailable("location")
	}
	timeout := l.timeout
	if ms, ok := p.Int("timeoutMs"); ok {
		timeout = time.Duration(ms) * time.Millisecond
	}

	pending := newPendingFix()
	timer := l.clock.AfterFunc(timeout, func() {
		pending.resolve(platform.Location{}, platform.ErrTimeout)
	})
	cancel := l.svc.Request(p.StringOr("accuracy", "balanced"), pending.resolve)
	defer func() {
		timer.Stop()
		if cancel != nil {
			cancel()
		}
	}()

	select {
	case <-pending.done:
	case <-ctx.Done():
		pending.resolve(platform.Location{}, ctx.Err())
		<-pending.done
	}
	if pending.err != nil {
		return nil, pending.err
	}
	loc := pending.loc
	if loc.Timestamp.IsZero() {
		loc.Timestamp = l.clock.Now()
	}
	return map[string]interface{}{
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"altitude":  loc.Altitude,
		"accuracy":  loc.Accuracy,
		"timestamp": loc.Timestamp.UTC().Format(time.RFC3339),
	}, nil
}
