package server

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/tandemly/voicerelay/internal/protocol"
	"github.com/tandemly/voicerelay/internal/relay"
	"github.com/tandemly/voicerelay/internal/upstream"
)

var _ relay.LearnerConn = (*learnerConn)(nil)

// learnerConn adapts an accepted WebSocket to [relay.LearnerConn]. A single
// mutex serialises writes; coder/websocket permits one concurrent reader and
// one concurrent writer per connection.
type learnerConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

func newLearnerConn(ws *websocket.Conn) *learnerConn {
	return &learnerConn{ws: ws}
}

func (c *learnerConn) ReadFrame(ctx context.Context) (relay.Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return relay.Frame{}, err
	}
	return relay.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (c *learnerConn) WriteJSON(ctx context.Context, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *learnerConn) WriteBinary(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// Ping sends a WebSocket-level ping and waits for the pong.
func (c *learnerConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *learnerConn) Close(reason string) error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

var _ relay.Dialer = (*providerDialer)(nil)

// providerDialer adapts [upstream.Client] to [relay.Dialer].
type providerDialer struct {
	client *upstream.Client
}

func (d *providerDialer) Dial(ctx context.Context, agentID, overrideURL string) (relay.UpstreamConn, error) {
	conn, err := d.client.Dial(ctx, agentID, overrideURL)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewProviderDialer wraps client for use as the relay's upstream dialer.
func NewProviderDialer(client *upstream.Client) relay.Dialer {
	return &providerDialer{client: client}
}
