package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/dispatcher"
)

const auditTestPrefix = "server:audit_test"

var auditEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	mu       sync.Mutex
	recorded []db.RecordInvocationParams
	prunes   []time.Time
	failNext bool
}

func (f *fakeSink) RecordInvocation(_ context.Context, p db.RecordInvocationParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return 0, errors.New("connection refused")
	}
	f.recorded = append(f.recorded, p)
	return int64(len(f.recorded)), nil
}

func (f *fakeSink) PruneInvocations(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes = append(f.prunes, before)
	return 0, nil
}

func (f *fakeSink) snapshot() ([]db.RecordInvocationParams, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.RecordInvocationParams(nil), f.recorded...), append([]time.Time(nil), f.prunes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s - timed out waiting for %s", auditTestPrefix, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func record(command string, ok bool) dispatcher.InvocationRecord {
	rec := dispatcher.InvocationRecord{
		RequestID: command + "-id",
		Command:   command,
		Transport: transportHTTP,
		Ok:        ok,
		Duration:  3 * time.Millisecond,
		At:        auditEpoch,
	}
	if !ok {
		rec.Code = dispatcher.CodeInternalError
	}
	return rec
}

func TestAuditor_WritesRecordsToSink(t *testing.T) {
	sink := &fakeSink{}
	clk := clock.Fake(auditEpoch)
	a := newAuditor(sink, "dev-1", 24*time.Hour, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.run(ctx)
		close(done)
	}()

	a.observe(ctx, record("file.read", true))
	a.observe(ctx, record("shell.exec", false))

	waitFor(t, "two records", func() bool {
		recs, _ := sink.snapshot()
		return len(recs) == 2
	})
	recs, _ := sink.snapshot()
	if recs[0].Command != "file.read" || recs[0].DeviceID != "dev-1" || !recs[0].Ok {
		t.Errorf("%s - first record = %+v", auditTestPrefix, recs[0])
	}
	if recs[1].Code != dispatcher.CodeInternalError || recs[1].Duration != 3*time.Millisecond {
		t.Errorf("%s - second record = %+v", auditTestPrefix, recs[1])
	}

	cancel()
	<-done
}

func TestAuditor_PrunesOnStartAndHourly(t *testing.T) {
	sink := &fakeSink{}
	clk := clock.Fake(auditEpoch)
	a := newAuditor(sink, "dev-1", 24*time.Hour, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.run(ctx)

	clk.BlockUntil(1)
	waitFor(t, "startup prune", func() bool {
		_, prunes := sink.snapshot()
		return len(prunes) == 1
	})
	clk.Advance(pruneInterval)
	waitFor(t, "hourly prune", func() bool {
		_, prunes := sink.snapshot()
		return len(prunes) == 2
	})

	_, prunes := sink.snapshot()
	if want := auditEpoch.Add(-24 * time.Hour); !prunes[0].Equal(want) {
		t.Errorf("%s - first prune cutoff = %v, want %v", auditTestPrefix, prunes[0], want)
	}
	if want := auditEpoch.Add(pruneInterval - 24*time.Hour); !prunes[1].Equal(want) {
		t.Errorf("%s - second prune cutoff = %v, want %v", auditTestPrefix, prunes[1], want)
	}
}

func TestAuditor_DrainsQueueOnCancel(t *testing.T) {
	sink := &fakeSink{}
	a := newAuditor(sink, "dev-1", 0, clock.Fake(auditEpoch))

	for i := 0; i < 10; i++ {
		a.observe(context.Background(), record("file.list", true))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.run(ctx)

	recs, prunes := sink.snapshot()
	if len(recs) != 10 {
		t.Errorf("%s - drained %d records, want 10", auditTestPrefix, len(recs))
	}
	if len(prunes) != 0 {
		t.Errorf("%s - retention 0 must disable pruning, got %d prunes", auditTestPrefix, len(prunes))
	}
}

func TestAuditor_WriteFailureDoesNotStopWorker(t *testing.T) {
	sink := &fakeSink{failNext: true}
	a := newAuditor(sink, "dev-1", 0, clock.Fake(auditEpoch))

	a.observe(context.Background(), record("file.read", true))
	a.observe(context.Background(), record("file.write", true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.run(ctx)

	recs, _ := sink.snapshot()
	if len(recs) != 1 || recs[0].Command != "file.write" {
		t.Errorf("%s - records = %+v, want only file.write", auditTestPrefix, recs)
	}
}

func TestAuditor_DropsWhenQueueFull(t *testing.T) {
	a := newAuditor(&fakeSink{}, "dev-1", 0, clock.Fake(auditEpoch))

	for i := 0; i < auditQueueSize+5; i++ {
		a.observe(context.Background(), record("system.info", true))
	}
	if got := a.Dropped(); got != 5 {
		t.Errorf("%s - Dropped = %d, want 5", auditTestPrefix, got)
	}
}

func TestAuditor_RecentWithoutSink(t *testing.T) {
	a := newAuditor(nil, "dev-1", time.Hour, clock.Fake(auditEpoch))

	for i := 0; i < recentCapacity+10; i++ {
		cmd := "file.read"
		if i == recentCapacity+9 {
			cmd = "file.delete"
		}
		a.observe(context.Background(), record(cmd, true))
	}
	if a.Dropped() != 0 {
		t.Errorf("%s - nothing should be dropped without a sink", auditTestPrefix)
	}

	all := a.Recent(0)
	if len(all) != recentCapacity {
		t.Fatalf("%s - Recent(0) = %d records, want %d", auditTestPrefix, len(all), recentCapacity)
	}
	if all[0].Command != "file.delete" {
		t.Errorf("%s - newest first: got %s", auditTestPrefix, all[0].Command)
	}
	if got := a.Recent(3); len(got) != 3 {
		t.Errorf("%s - Recent(3) = %d records", auditTestPrefix, len(got))
	}

	done := make(chan struct{})
	go func() {
		a.run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("%s - run without a sink should return immediately", auditTestPrefix)
	}
}
