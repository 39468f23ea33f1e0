package graphqlws

import (
	"context"
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
	"github.com/amondnet/dgs-framework/wsprotocol/graphqlws/code"
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

func (c *connection) ID() string {
	return c.id
}

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

	var pingTicker *time.Ticker

	if c.protocol.PingInterval.Nanoseconds() > 0 {
		pingTicker = time.NewTicker(c.protocol.PingInterval)

		go c.ping(pingTicker)
	}

	for {
		msg, err := c.readMessage()
		if err != nil {
			return err
		}

		if pingTicker != nil {
			pingTicker.Reset(c.protocol.PingInterval)
		}

		switch msg.Type {
		case connectionInitType:
			err = c.init(msg.Payload)
			if err != nil {
				return err
			}

			initCancel()
			c.acknowledged = true
		case pingType:
			err := c.writeMessage(&message{
				Type: pongType,
			}, msg.Payload)
			if err != nil {
				return err
			}
		case pongType:
		case subscribeType:
			err = c.subscribe(msg.Id, msg.Payload)
			if err != nil {
				return err
			}
		case completeType:
			if c.registry.CancelOperation(c.id, msg.Id) {
				c.operationCompleteHook(msg.Id)
			}
		default:
			return wserr.CloseError{
				Code:   code.BadRequest,
				Reason: "Invalid message",
			}
		}
	}
}

// teardown runs exactly once per connection, on every exit path of the
// read loop.
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

func (c *connection) init(payload []byte) error {
	c.initReceivedMutex.Lock()
	if c.initReceived {
		c.initReceivedMutex.Unlock()

		return wserr.CloseError{
			Code:   code.TooManyInitialisationRequests,
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
			return err
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
			var ce wserr.CloseError
			if errors.As(initErr, &ce) {
				return ce
			}

			return wserr.CloseError{
				Err:    initErr,
				Code:   code.Forbidden,
				Reason: "Forbidden",
			}
		}

		if hookCtx != nil && hookCtx != c.ctx {
			go c.authTimeout(hookCtx)

			c.ctx = hookCtx
		}

		ackPayload = hookAck
	}

	return c.writeMessage(&message{
		Type: connectionAckType,
	}, ackPayload)
}

func (c *connection) subscribe(id string, payload []byte) error {
	if !c.acknowledged {
		return wserr.CloseError{
			Code:   code.Unauthorized,
			Reason: "Unauthorized",
		}
	}

	if id == "" {
		return wserr.CloseError{
			Code:   code.BadRequest,
			Reason: "Invalid message",
		}
	}

	var params *graphql.RawParams

	ctx := graphql.StartOperationTrace(c.ctx)
	start := graphql.Now()

	if err := decodePayload(payload, &params, useNumber); err != nil {
		return err
	}

	if params == nil {
		return wserr.CloseError{
			Code:   code.BadRequest,
			Reason: "Invalid payload",
		}
	}

	params.ReadTime = graphql.TraceTiming{
		Start: start,
		End:   graphql.Now(),
	}

	// This protocol mandates rejection of duplicate ids; the legacy
	// protocol replaces instead.
	if c.registry.Active(c.id, id) {
		return wserr.CloseError{
			Code:   code.SubscriberAlreadyExists,
			Reason: fmt.Sprintf("Subscriber for %s already exists", id),
		}
	}

	if fn := c.protocol.OperationFunc; fn != nil {
		err := c.guardHook("operation", func() error {
			return fn(c.req, id, params)
		})
		if err != nil {
			c.operationRejected(id, err)
			return nil
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
		Type: nextType,
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

	err := c.writeMessage(&message{
		Id:   id,
		Type: errorType,
	}, errs)
	if err != nil {
		c.close(err)
	}
}

// operationRejected reports an operation vetoed before it ever reached
// the registry.
func (c *connection) operationRejected(id string, hookErr error) {
	err := c.writeMessage(&message{
		Id:   id,
		Type: errorType,
	}, gqlerror.List{gqlerror.Errorf("%s", hookErr.Error())})
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
			Code:   code.ConnectionInitialisationTimeout,
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
				Code:   code.Unauthorized,
				Reason: "Authorization timed out",
			}
		}

		c.close(ce)
	case <-c.req.Context().Done():
	}
}

func (c *connection) ping(t *time.Ticker) {
	for {
		select {
		case <-c.req.Context().Done():
			return
		case <-t.C:
			err := c.writeMessage(&message{
				Type: pingType,
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
		c.conn.Close(websocket.StatusNormalClosure, "Normal Closure")
		return
	}

	var ce wserr.CloseError
	if !errors.As(err, &ce) {
		c.conn.Close(code.InternalServerError, "Error")
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
		return nil, err
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
