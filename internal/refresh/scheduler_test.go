package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
	"hiprint/transit/internal/protocol"
)

type published struct {
	key   fabric.GroupKey
	event string
	data  string
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []published
	asked  chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{asked: make(chan struct{}, 16)}
}

func (p *recordingPublisher) Publish(key fabric.GroupKey, frame []byte) int {
	env, err := protocol.Decode(frame)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	p.frames = append(p.frames, published{key: key, event: env.Event, data: string(env.Data)})
	p.mu.Unlock()
	if key.Role == fabric.RoleWorker {
		select {
		case p.asked <- struct{}{}:
		default:
		}
	}
	return 1
}

func (p *recordingPublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.frames...)
}

func (p *recordingPublisher) count(role fabric.Role) int {
	total := 0
	for _, frame := range p.snapshot() {
		if frame.key.Role == role {
			total++
		}
	}
	return total
}

type staticDirectory map[string][]map[string]any

func (d staticDirectory) Printers(tenant string) []map[string]any {
	if printers, ok := d[tenant]; ok {
		return printers
	}
	return []map[string]any{}
}

type staticTenants []string

func (t staticTenants) Tenants() []string { return t }

func TestCycleAsksWorkersThenPushesDirectory(t *testing.T) {
	pub := newRecordingPublisher()
	metrics := networking.NewRelayMetrics()
	dir := staticDirectory{"t1": {{"name": "P1"}}}
	s := New(time.Hour, 5*time.Millisecond, staticTenants{"t1"}, dir, pub,
		WithMetrics(metrics), WithLogger(logging.NewTestLogger()))

	pushes, err := s.Cycle(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, pushes)

	frames := pub.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, fabric.WorkerGroup("t1"), frames[0].key)
	assert.Equal(t, protocol.EventRefreshPrinterList, frames[0].event)
	assert.Equal(t, fabric.RequesterGroup("t1"), frames[1].key)
	assert.Equal(t, protocol.EventPrinterList, frames[1].event)
	assert.JSONEq(t, `[{"name":"P1"}]`, frames[1].data)
	assert.EqualValues(t, 1, metrics.Snapshot()["t1"].RefreshCycles)
}

func TestCycleCoalescesConcurrentCallers(t *testing.T) {
	pub := newRecordingPublisher()
	s := New(time.Hour, 150*time.Millisecond, staticTenants{"t1"}, staticDirectory{}, pub,
		WithLogger(logging.NewTestLogger()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Cycle(context.Background(), "t1")
	}()
	<-pub.asked

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Cycle(context.Background(), "t1")
	}()
	wg.Wait()

	assert.Equal(t, 1, pub.count(fabric.RoleWorker))
	assert.Equal(t, 1, pub.count(fabric.RoleRequester))
}

func TestCycleCancelledDuringSettleSkipsPush(t *testing.T) {
	pub := newRecordingPublisher()
	s := New(time.Hour, time.Minute, staticTenants{"t1"}, staticDirectory{}, pub,
		WithLogger(logging.NewTestLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-pub.asked
		cancel()
	}()

	_, err := s.Cycle(ctx, "t1")

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, pub.count(fabric.RoleRequester))
}

func TestRunRefreshesEveryTenantUntilCancelled(t *testing.T) {
	pub := newRecordingPublisher()
	s := New(10*time.Millisecond, time.Millisecond, staticTenants{"a", "b"}, staticDirectory{}, pub,
		WithLogger(logging.NewTestLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		seen := map[string]bool{}
		for _, frame := range pub.snapshot() {
			if frame.key.Role == fabric.RoleRequester {
				seen[frame.key.Tenant] = true
			}
		}
		return seen["a"] && seen["b"]
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
