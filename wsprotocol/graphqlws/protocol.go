// Package graphqlws implements the graphql-ws protocol described here:
// https://github.com/enisdenjo/graphql-ws.
package graphqlws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/amondnet/dgs-framework/internal/util"
	"github.com/amondnet/dgs-framework/wsregistry"
	"github.com/amondnet/dgs-framework/wsutil"
)

const ProtocolName = "graphql-transport-ws"

const defaultInitTimeout = 3 * time.Second

// Protocol implements the graphql-ws protocol.
//
// Protocol can be used as a dgsws.Protocol or directly as a gqlgen transport.
type Protocol struct {
	// InitFunc is called after receiving the "connection_init" message with the
	// WebSocket handshake HTTP request and the message payload.
	//
	// The returned Context, if not nil, is provided to GraphQL resolvers. When
	// the Context is done, the connection is also closed.
	//
	// The returned ObjectPayload, if not nil, is used as the payload for the
	// "connection_ack" message.
	//
	// If a non-nil error is returned, the connection is closed.
	//
	// If InitFunc is nil, all connections are accepted.
	InitFunc func(*http.Request, wsutil.ObjectPayload) (context.Context, wsutil.ObjectPayload, error)

	// OperationFunc, if not nil, is called for every "subscribe" message
	// before the operation is handed to the executor. Returning a non-nil
	// error rejects the operation with an "error" message; the connection
	// stays open.
	OperationFunc func(*http.Request, string, *graphql.RawParams) error

	// OperationCompleteFunc, if not nil, is called once for every operation
	// that leaves the connection.
	OperationCompleteFunc func(*http.Request, string)

	// DisconnectFunc, if not nil, is called once when the connection goes
	// away, after all of its operations have been cancelled.
	DisconnectFunc func(*http.Request)

	// InitTimeout is the duration to wait for a "connection_init" message before
	// closing the connection.
	//
	// Defaults to 3 seconds.
	InitTimeout time.Duration

	// If PingInterval is set, a "ping" message is sent if no message is
	// received for the specified duration.
	PingInterval time.Duration

	// Registry tracks this protocol's connections and operations, and can be
	// shared with other protocols and a wsregistry.Sweeper.
	//
	// If nil, the protocol lazily creates its own.
	Registry *wsregistry.Registry

	// Logger receives hook panics and cleanup noise. If nil, logging is
	// disabled.
	Logger *slog.Logger

	// AcceptOptions defines options used during the WebSocket handshake.
	AcceptOptions websocket.AcceptOptions

	registryOnce sync.Once
	registry     *wsregistry.Registry
}

var _ graphql.Transport = &Protocol{}

func (*Protocol) Supports(r *http.Request) (res bool) {
	if !wsutil.IsUpgrade(r) {
		return false
	}

	if !util.HasHeader(r.Header, "Sec-WebSocket-Protocol") {
		return true
	}

	return util.HeaderContains(r.Header, "Sec-WebSocket-Protocol", ProtocolName)
}

func (p *Protocol) Do(w http.ResponseWriter, r *http.Request, exec graphql.GraphExecutor) {
	if len(p.AcceptOptions.Subprotocols) == 0 {
		p.AcceptOptions.Subprotocols = []string{ProtocolName}
	}

	c, err := websocket.Accept(w, r, &p.AcceptOptions)
	if err != nil {
		return
	}

	p.Run(r, c, exec)
}

func (*Protocol) Name() string {
	return ProtocolName
}

func (p *Protocol) Run(r *http.Request, c *websocket.Conn, exec graphql.GraphExecutor) {
	if p.InitTimeout.Nanoseconds() <= 0 {
		p.InitTimeout = defaultInitTimeout
	}

	conn := &connection{
		protocol: p,
		conn:     c,
		req:      r,
		ctx:      r.Context(),
		exec:     exec,
		registry: p.reg(),
		id:       uuid.NewString(),
		log:      p.logger(),
	}

	conn.close(conn.run())
}

func (p *Protocol) reg() *wsregistry.Registry {
	p.registryOnce.Do(func() {
		if p.Registry != nil {
			p.registry = p.Registry
			return
		}

		p.registry = wsregistry.New()
	})

	return p.registry
}

func (p *Protocol) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
