package transportws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"nhooyr.io/websocket"

	"github.com/amondnet/dgs-framework/internal/util"
	"github.com/amondnet/dgs-framework/wserr"
	"github.com/amondnet/dgs-framework/wsregistry"
	"github.com/amondnet/dgs-framework/wsstream"
	"github.com/amondnet/dgs-framework/wsutil"
)

type connection struct {
	protocol *Protocol
	conn     *websocket.Conn
	req      *http.Request
	ctx      context.Context
	exec     graphql.GraphExecutor
	registry *wsregistry.Registry
	id       string
	log      *slog.Logger

	initReceived      bool
	initReceivedMutex sync.Mutex
	acknowledged      bool
	closed            atomic.Bool
	disconnectOnce    sync.Once
}

var _ wsregistry.Conn = &connection{}

// ID returns the server-unique connection identifier.
func (c *connection) ID() string {
	return c.id
}

// Open reports whether the transport can still be written to.
func (c *connection) Open() bool {
	return !c.closed.Load() && c.req.Context().Err() == nil
}

func (c *connection) run() error {
	c.initReceivedMutex.Lock()
	c.initReceived = false
	c.initReceivedMutex.Unlock()
	c.acknowledged = false

	c.registry.AddConnection(c)
	defer c.teardown()

	initCtx, initCancel := context.WithTimeout(c.req.Context(), c.protocol.InitTimeout)
	defer initCancel()

	go c.initTimeout(initCtx)

	var keepAliveTicker *time.Ticker

	for {
		msg, err := c.readMessage()
		if err != nil {
			return err
		}

		if keepAliveTicker != nil {
			keepAliveTicker.Reset(c.protocol.KeepAliveInterval)
		}

		if msg == nil {
			continue
		}

		switch msg.Type {
		case connectionInitType:
			ok, err := c.init(msg.Payload)
			if err != nil {
				return err
			}

			if !ok {
				continue
			}

			initCancel()
			c.acknowledged = true

			if c.protocol.KeepAliveInterval.Nanoseconds() > 0 {
				err = c.writeMessage(&message{
					Type: keepAliveType,
				}, nil)
				if err != nil {
					return err
				}

				keepAliveTicker = time.NewTicker(c.protocol.KeepAliveInterval)

				go c.keepAlive(keepAliveTicker)
			}
		case startType:
			err = c.start(msg.Id, msg.Payload)
			if err != nil {
				return err
			}
		case stopType:
			c.stop(msg.Id)
		case connectionTerminateType:
			return nil
		default:
			err = c.writeMessage(&message{
				Id:   msg.Id,
				Type: errorType,
			}, wsutil.ObjectPayload{
				"message": "Invalid message type!",
			})
			if err != nil {
				return err
			}
		}
	}
}

// teardown runs exactly once per connection, on every exit path of the
// read loop: explicit terminate, transport failure or close error. The
// registry cascade cancels whatever operations are still running.
func (c *connection) teardown() {
	c.closed.Store(true)
	c.registry.RemoveConnection(c.id)

	c.disconnectOnce.Do(func() {
		fn := c.protocol.DisconnectFunc
		if fn == nil {
			return
		}

		c.guardHook("disconnect", func() error {
			fn(c.req)
			return nil
		})
	})
}

func (c *connection) init(payload json.RawMessage) (bool, error) {
	c.initReceivedMutex.Lock()
	if c.initReceived {
		c.initReceivedMutex.Unlock()

		return false, wserr.CloseError{
			Code:   int(websocket.StatusPolicyViolation),
			Reason: "Too many initialisation requests",
		}
	}
	c.initReceived = true
	c.initReceivedMutex.Unlock()

	var ackPayload wsutil.ObjectPayload

	initFunc := c.protocol.InitFunc
	if initFunc != nil {
		var initPayload wsutil.ObjectPayload

		err := decodePayload(payload, &initPayload)
		if err != nil {
			return false, c.writeMessage(&message{
				Type: connectionErrorType,
			}, wsutil.ObjectPayload{
				"message": "Invalid payload",
			})
		}

		var (
			hookCtx context.Context
			hookAck wsutil.ObjectPayload
		)

		initErr := c.guardHook("connect", func() error {
			var err error
			hookCtx, hookAck, err = initFunc(c.req, initPayload)
			return err
		})
		if initErr != nil {
			werr := c.writeMessage(&message{
				Type: connectionErrorType,
			}, wsutil.ObjectPayload{
				"message": initErr.Error(),
			})
			if werr != nil {
				return false, werr
			}

			var ce wserr.CloseError
			if errors.As(initErr, &ce) {
				return false, ce
			}

			return false, wserr.CloseError{
				Err:    initErr,
				Code:   int(websocket.StatusInternalError),
				Reason: "Connection rejected",
			}
		}

		if hookCtx != nil && hookCtx != c.ctx {
			go c.authTimeout(hookCtx)

			c.ctx = hookCtx
		}

		ackPayload = hookAck
	}

	return true, c.writeMessage(&message{
		Type: connectionAckType,
	}, ackPayload)
}

func (c *connection) start(id string, payload json.RawMessage) error {
	if !c.acknowledged {
		return c.writeMessage(&message{
			Type: connectionErrorType,
		}, wsutil.ObjectPayload{
			"message": "Unauthorized",
		})
	}

	if id == "" {
		return c.writeMessage(&message{
			Type: connectionErrorType,
		}, wsutil.ObjectPayload{
			"message": "Invalid message",
		})
	}

	var params *graphql.RawParams

	ctx := graphql.StartOperationTrace(c.ctx)
	start := graphql.Now()

	if err := decodePayload(payload, &params, useNumber); err != nil || params == nil {
		return c.writeMessage(&message{
			Type: connectionErrorType,
		}, wsutil.ObjectPayload{
			"message": "Invalid payload",
		})
	}

	params.ReadTime = graphql.TraceTiming{
		Start: start,
		End:   graphql.Now(),
	}

	// A start re-using a live id replaces the prior operation. Clients
	// resend starts after reconnect races; rejecting would leave them
	// stuck.
	if c.registry.CancelOperation(c.id, id) {
		c.operationCompleteHook(id)
	}

	if fn := c.protocol.OperationFunc; fn != nil {
		err := c.guardHook("operation", func() error {
			return fn(c.req, id, params)
		})
		if err != nil {
			return c.writeMessage(&message{
				Id:   id,
				Type: errorType,
			}, wsutil.ObjectPayload{
				"message": err.Error(),
			})
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.registry.AddOperation(c.id, id, wsregistry.CancelFunc(cancel))

	rc, err := c.exec.CreateOperationContext(ctx, params)
	if err != nil {
		resp := c.exec.DispatchError(graphql.WithOperationContext(ctx, rc), err)
		c.operationError(id, resp.Errors)
		return nil
	}

	go c.executeOperation(ctx, rc, id)

	return nil
}

func (c *connection) stop(id string) {
	if c.registry.CancelOperation(c.id, id) {
		c.operationCompleteHook(id)
	}
}

func (c *connection) executeOperation(ctx context.Context, rc *graphql.OperationContext, id string) {
	ctx = wserr.PrepareOperationContext(ctx)

	responses, ctx := c.exec.DispatchOperation(ctx, rc)

	sub := wsstream.Subscribe(ctx, responses, wsstream.Events{
		OnNext: func(resp *graphql.Response) {
			c.operationResponse(id, resp)
		},
		OnError: func(err error) {
			if ce, ok := wserr.AsClose(err); ok {
				c.close(ce)
				return
			}

			resp := c.exec.DispatchError(graphql.WithOperationContext(ctx, rc), util.GetErrorList(err))
			c.operationError(id, resp.Errors)
		},
		OnComplete: func() {
			c.operationComplete(id)
		},
	})

	<-sub.Done()
}

func (c *connection) operationResponse(id string, resp *graphql.Response) {
	if !c.Open() || !c.registry.Active(c.id, id) {
		return
	}

	err := c.writeMessage(&message{
		Id:   id,
		Type: dataType,
	}, resp)
	if err != nil {
		c.close(err)
	}
}

func (c *connection) operationComplete(id string) {
	if !c.registry.CancelOperation(c.id, id) {
		return
	}

	c.operationCompleteHook(id)

	if !c.Open() {
		return
	}

	err := c.writeMessage(&message{
		Id:   id,
		Type: completeType,
	}, nil)
	if err != nil {
		c.close(err)
	}
}

func (c *connection) operationError(id string, errs gqlerror.List) {
	if !c.registry.CancelOperation(c.id, id) {
		return
	}

	c.operationCompleteHook(id)

	if !c.Open() {
		return
	}

	var opErr interface{}
	if len(errs) > 0 {
		opErr = errs[0]
	} else {
		opErr = wsutil.ObjectPayload{
			"message": "Error",
		}
	}

	err := c.writeMessage(&message{
		Id:   id,
		Type: errorType,
	}, opErr)
	if err != nil {
		c.close(err)
	}
}

func (c *connection) operationCompleteHook(id string) {
	fn := c.protocol.OperationCompleteFunc
	if fn == nil {
		return
	}

	c.guardHook("operation complete", func() error {
		fn(c.req, id)
		return nil
	})
}

// guardHook keeps a panicking lifecycle hook from taking down the
// connection loop or a stream goroutine.
func (c *connection) guardHook(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("lifecycle hook panic",
				"hook", name,
				"connection", c.id,
				"panic", r)

			err = fmt.Errorf("%s hook panicked", name)
		}
	}()

	return fn()
}

func (c *connection) initTimeout(ctx context.Context) {
	<-ctx.Done()

	c.initReceivedMutex.Lock()
	defer c.initReceivedMutex.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.initReceived {
		c.close(wserr.CloseError{
			Code:   int(websocket.StatusPolicyViolation),
			Reason: "Connection initialisation timeout",
		})
	}
}

func (c *connection) authTimeout(ctx context.Context) {
	select {
	case <-ctx.Done():
		err := wserr.GetTimeoutError(ctx)

		var ce wserr.CloseError
		if !errors.As(err, &ce) {
			ce = wserr.CloseError{
				Code:   int(websocket.StatusPolicyViolation),
				Reason: "Authorization timed out",
			}
		}

		c.close(ce)
	case <-c.req.Context().Done():
	}
}

func (c *connection) keepAlive(t *time.Ticker) {
	for {
		select {
		case <-c.req.Context().Done():
			return
		case <-t.C:
			err := c.writeMessage(&message{
				Type: keepAliveType,
			}, nil)
			if err != nil {
				c.close(err)
			}
		}
	}
}

func (c *connection) close(err error) {
	c.closed.Store(true)

	if err == nil {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	var ce wserr.CloseError
	if !errors.As(err, &ce) {
		c.conn.Close(websocket.StatusInternalError, "Error")
		return
	}

	c.conn.Close(ce.StatusCode(), ce.Reason)
}

func (c *connection) readMessage() (*message, error) {
	_, data, err := c.conn.Read(c.req.Context())
	if err != nil {
		return nil, err
	}

	msg, err := decodeMessage(data)
	if err != nil {
		return nil, c.writeMessage(&message{
			Type: connectionErrorType,
		}, wsutil.ObjectPayload{
			"message": "Invalid message",
		})
	}

	return msg, nil
}

func (c *connection) writeMessage(msg *message, payload interface{}) error {
	var err error

	msg.Payload, err = encodePayload(payload)
	if err != nil {
		return err
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return c.conn.Write(c.req.Context(), websocket.MessageText, data)
}
