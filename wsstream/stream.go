// Package wsstream adapts gqlgen's pull-based response streams into
// cancelable subscriptions with explicit demand control.
package wsstream

import (
	"context"
	"sync/atomic"

	"github.com/99designs/gqlgen/graphql"

	"github.com/amondnet/dgs-framework/wserr"
)

// Events receives the results of a subscribed stream.
//
// Callbacks run on the subscription's goroutine. The next response is
// not requested from the stream until OnNext returns, so at most one
// item is in flight at any time. Exactly one of OnError and OnComplete
// terminates the stream; neither OnNext nor OnComplete fires after
// Cancel. OnError is not suppressed by Cancel: an error racing a cancel
// may still surface once, and the caller is expected to check transport
// liveness before acting on it.
type Events struct {
	OnNext     func(*graphql.Response)
	OnError    func(error)
	OnComplete func()
}

const (
	stateActive = iota
	stateCancelled
	stateDone
)

// Subscription is the cancellation handle of a subscribed stream.
type Subscription struct {
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}
}

// Subscribe consumes next on a new goroutine, pulling one response at a
// time and delivering it to ev.
//
// The stream ends when next returns nil. If an operation error was
// recorded on the context (see wserr.SetOperationError) it is reported
// through OnError; otherwise OnComplete fires. Cancelling ctx stops the
// subscription the same way Cancel does.
func Subscribe(ctx context.Context, next graphql.ResponseHandler, ev Events) *Subscription {
	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.pump(ctx, next, ev)

	return s
}

// Cancel stops the subscription. It is idempotent: the first call wins
// and later calls do nothing. After Cancel returns, no further OnNext
// or OnComplete call is made.
func (s *Subscription) Cancel() {
	s.state.CompareAndSwap(stateActive, stateCancelled)
	s.cancel()
}

// Done is closed once the stream has been fully drained or abandoned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) pump(ctx context.Context, next graphql.ResponseHandler, ev Events) {
	defer close(s.done)
	defer s.cancel()

	for {
		// Strict one-at-a-time demand: the previous item was fully
		// delivered before this pull.
		resp := next(ctx)
		if resp == nil {
			break
		}

		if !s.live(ctx) {
			return
		}

		if ev.OnNext != nil {
			ev.OnNext(resp)
		}
	}

	if err := wserr.GetOperationError(ctx); err != nil {
		if ev.OnError != nil {
			ev.OnError(err)
		}
		s.state.CompareAndSwap(stateActive, stateDone)
		return
	}

	if s.state.CompareAndSwap(stateActive, stateDone) && ctx.Err() == nil {
		if ev.OnComplete != nil {
			ev.OnComplete()
		}
	}
}

func (s *Subscription) live(ctx context.Context) bool {
	return s.state.Load() == stateActive && ctx.Err() == nil
}
