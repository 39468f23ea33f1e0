// Package dgsws provides GraphQL-over-WebSocket transports for gqlgen.
//
// Each supported WebSocket sub-protocol implements Protocol. The
// wstransport package negotiates one of the registered protocols during
// the handshake, then hands the connection over to it for the rest of
// its life.
package dgsws

import (
	"net/http"

	"github.com/99designs/gqlgen/graphql"
	"nhooyr.io/websocket"
)

// Protocol is implemented by WebSocket sub-protocols.
type Protocol interface {
	// Name returns the WebSocket sub-protocol name used by the
	// Sec-WebSocket-Protocol header.
	Name() string

	// Run is called after the request has been upgraded and the protocol has
	// been negotiated with the client. It owns the connection until it
	// returns.
	Run(*http.Request, *websocket.Conn, graphql.GraphExecutor)
}
