package wsregistry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweeper_EvictsClosedConnections(t *testing.T) {
	r := New()

	dead := newFakeConn("dead")
	dead.open.Store(false)
	live := newFakeConn("live")

	r.AddConnection(dead)
	r.AddConnection(live)

	var cancelled atomic.Bool
	r.AddOperation("dead", "1", func() {
		cancelled.Store(true)
	})
	r.AddOperation("live", "1", func() {})

	var evicted atomic.Int32

	s := &Sweeper{
		Registry: r,
		Interval: 10 * time.Millisecond,
		OnEvict: func(conn Conn) {
			require.Equal(t, "dead", conn.ID())
			evicted.Add(1)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return evicted.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return cancelled.Load()
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, r.Operations("dead"))
	require.Equal(t, 1, r.Operations("live"))
	require.Len(t, r.Connections(), 1)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_FirstSweepIsImmediate(t *testing.T) {
	r := New()

	dead := newFakeConn("dead")
	dead.open.Store(false)
	r.AddConnection(dead)

	evicted := make(chan struct{})

	s := &Sweeper{
		Registry: r,
		// Interval far beyond the test deadline: only the immediate
		// sweep can trigger the eviction.
		Interval: time.Hour,
		OnEvict: func(Conn) {
			close(evicted)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("immediate sweep did not run")
	}
}

func TestSweeper_IsolatesEvictionPanics(t *testing.T) {
	r := New()

	for _, id := range []string{"a", "b"} {
		conn := newFakeConn(id)
		conn.open.Store(false)
		r.AddConnection(conn)
	}

	var evictions atomic.Int32

	s := &Sweeper{
		Registry: r,
		OnEvict: func(Conn) {
			evictions.Add(1)
			panic("bad hook")
		},
	}

	require.NotPanics(t, s.sweep)

	require.Equal(t, int32(2), evictions.Load())
	require.Empty(t, r.Connections())
}

func TestSweeper_KeepsOpenConnections(t *testing.T) {
	r := New()
	r.AddConnection(newFakeConn("live"))

	s := &Sweeper{
		Registry: r,
		OnEvict: func(Conn) {
			t.Error("open connection evicted")
		},
	}

	s.sweep()

	require.Len(t, r.Connections(), 1)
}
