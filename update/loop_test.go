package update

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/distribution/bundleupdate/bundle"
	"github.com/distribution/bundleupdate/fetch"
)

func TestLoopRunsCyclesUntilCancelled(t *testing.T) {
	manifest := &bundle.Manifest{SchemaVersion: 1, BuildNumber: 1, Archives: map[string]bundle.PlatformBundle{}}
	raw, err := bundle.Canonical(manifest)
	require.NoError(t, err)

	srv := manifestServer(t, raw, nil)
	defer srv.Close()

	storage := newManager(t)
	engine := New(storage, fetch.NewClient(srv.URL, fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())

	var cycles int32
	loop := NewLoop(engine, time.Millisecond, func(ev Event) {
		if ev.Kind == KindChecking {
			atomic.AddInt32(&cycles, 1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = loop.Run(ctx)
	require.Error(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&cycles), int32(2))
}

func TestLoopStopsImmediatelyOnAlreadyCancelledContext(t *testing.T) {
	storage := newManager(t)
	engine := New(storage, fetch.NewClient("http://unreachable.invalid", fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())
	loop := NewLoop(engine, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := loop.Run(ctx)
	require.Error(t, err)
}

func TestNewLoopDefaultsInterval(t *testing.T) {
	storage := newManager(t)
	engine := New(storage, fetch.NewClient("http://unreachable.invalid", fastRetryConfig()), nil, testPlatform, "1.0.0", fastRetryConfig())
	loop := NewLoop(engine, 0, nil)
	require.Equal(t, DefaultCheckInterval, loop.CheckInterval)
}
