package wstransport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/99designs/gqlgen/graphql"
	"github.com/99designs/gqlgen/graphql/handler/testserver"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/amondnet/dgs-framework/wsregistry"
)

func TestNegotiator(t *testing.T) {
	protocol := &mockProtocol{
		registry: wsregistry.New(),
	}

	handler := testserver.New()
	handler.AddTransport(NewNegotiator(protocol))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	t.Run("handle websocket requests with default protocol", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()

		c, err := wsConnect(ctx, srv.URL, "")
		require.NoError(t, err)
		defer c.Close(websocket.StatusNormalClosure, "")

		rctx := c.CloseRead(ctx)

		err = c.Ping(rctx)
		require.NoError(t, err)

		require.Equal(t, protocol.Clients(), 1)

		err = protocol.Cleanup(ctx)
		require.NoError(t, err)
	})

	t.Run("handle websocket requests with known protocol", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()

		c, err := wsConnect(ctx, srv.URL, protocol.Name())
		require.NoError(t, err)
		defer c.Close(websocket.StatusNormalClosure, "")

		rctx := c.CloseRead(ctx)

		err = c.Ping(rctx)
		require.NoError(t, err)

		require.Equal(t, protocol.Clients(), 1)

		err = protocol.Cleanup(ctx)
		require.NoError(t, err)
	})

	t.Run("close websocket requests with unknown protocol", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()

		c, err := wsConnect(ctx, srv.URL, "foo")
		require.NoError(t, err)
		defer c.Close(websocket.StatusNormalClosure, "")

		rctx := c.CloseRead(ctx)

		err = c.Ping(rctx)

		var ce websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, "subprotocol negotiation failed", ce.Reason)

		require.Equal(t, protocol.Clients(), 0)

		err = protocol.Cleanup(ctx)
		require.NoError(t, err)
	})

	t.Run("ignore non-websocket requests", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
		require.NoError(t, err)

		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()

		require.GreaterOrEqual(t, res.StatusCode, http.StatusBadRequest)
		require.Less(t, res.StatusCode, http.StatusInternalServerError)

		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)

		require.JSONEq(t, `{"errors":[{"message":"transport not supported"}],"data":null}`, string(body))

		require.Equal(t, protocol.Clients(), 0)

		err = protocol.Cleanup(ctx)
		require.NoError(t, err)
	})
}

func wsConnect(ctx context.Context, targetUrl string, protocol string) (*websocket.Conn, error) {
	u, err := url.Parse(targetUrl)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	var protocols []string
	if protocol != "" {
		protocols = append(protocols, protocol)
	}

	c, res, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: protocols,
	})
	if err != nil {
		wsErr := wsError{
			Err: err,
		}

		if res != nil {
			wsErr.StatusCode = res.StatusCode
			wsErr.Body, _ = io.ReadAll(res.Body)
		}

		return nil, wsErr
	}

	return c, nil
}

type wsError struct {
	Err        error
	StatusCode int
	Body       []byte
}

func (e wsError) Error() string {
	return e.Err.Error()
}

func (e wsError) Unwrap() error {
	return e.Err
}

type mockConn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *mockConn) ID() string {
	return c.id
}

func (c *mockConn) Open() bool {
	return c.ctx.Err() == nil
}

type mockProtocol struct {
	registry *wsregistry.Registry
}

func (*mockProtocol) Name() string {
	return "example"
}

func (p *mockProtocol) Run(r *http.Request, c *websocket.Conn, _ graphql.GraphExecutor) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &mockConn{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}

	p.registry.AddConnection(conn)

	<-c.CloseRead(ctx).Done()

	p.registry.RemoveConnection(conn.id)
}

func (p *mockProtocol) Clients() int {
	return len(p.registry.Connections())
}

func (p *mockProtocol) Cleanup(ctx context.Context) error {
	for _, conn := range p.registry.Connections() {
		conn.(*mockConn).cancel()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if p.Clients() == 0 {
				return nil
			}
		}
	}
}
