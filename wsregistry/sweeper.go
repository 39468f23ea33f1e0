package wsregistry

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Second

// Sweeper periodically reclaims connections whose transport is no
// longer open.
//
// Connection handlers normally clean up after themselves when their
// read loop exits; the Sweeper is the backstop for transports that die
// without the handler noticing. Each eviction performs the same cascade
// as an explicit termination: every operation is cancelled and the
// connection is dropped from the registry.
type Sweeper struct {
	// Registry is the registry to sweep. Required.
	Registry *Registry

	// Interval is the sweep period.
	//
	// Defaults to 5 seconds. The first sweep runs immediately.
	Interval time.Duration

	// OnEvict, if not nil, is called for each evicted connection. Wire
	// disconnect handling here to make sweep-based cleanup behave like an
	// explicit terminate.
	OnEvict func(Conn)

	// Logger, if not nil, receives a log line per eviction and per
	// recovered OnEvict panic.
	Logger *slog.Logger
}

// Run sweeps until ctx is done. It blocks; run it on its own goroutine
// and cancel ctx to stop it. A finished Run leaves the registry intact.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	for _, conn := range s.Registry.Connections() {
		if conn.Open() {
			continue
		}

		s.evict(conn)
	}
}

// evict isolates per-connection cleanup failures so one bad connection
// cannot abort the rest of the sweep.
func (s *Sweeper) evict(conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("sweeper eviction panic", "connection", conn.ID(), "panic", r)
		}
	}()

	if !s.Registry.RemoveConnection(conn.ID()) {
		return
	}

	s.logger().Debug("swept dead connection", "connection", conn.ID())

	if s.OnEvict != nil {
		s.OnEvict(conn)
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
