// Package upstream maintains the WebSocket leg to the conversational-AI
// provider: dialing, the event read loop, and the outbound message writers.
//
// Audio towards the provider travels as base64-encoded PCM inside JSON
// frames; events from the provider arrive as JSON frames discriminated by a
// "type" field and are surfaced on a channel of decoded [Event] values.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrDial wraps any failure to establish the provider connection, so callers
// can map it to their UPSTREAM_CONNECT surface.
var ErrDial = errors.New("upstream: dial failed")

// ErrClosed is returned by writers after Close.
var ErrClosed = errors.New("upstream: connection closed")

const defaultDialTimeout = 10 * time.Second

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithDialTimeout bounds how long Dial waits for the provider handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials provider conversations. One Client serves all sessions; each
// Dial yields an independent Conn.
type Client struct {
	baseURL     string
	apiKey      string
	dialTimeout time.Duration
}

// NewClient creates a provider client. baseURL is the ws:// or wss:// endpoint
// to which the agent id is appended as a query parameter.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ConversationURL synthesises the endpoint for agentID. overrideURL, when
// non-empty, is used verbatim instead.
func (c *Client) ConversationURL(agentID, overrideURL string) (string, error) {
	if overrideURL != "" {
		return overrideURL, nil
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("upstream: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the provider conversation endpoint and starts the event
// read loop. Failures are wrapped in [ErrDial].
func (c *Client) Dial(ctx context.Context, agentID, overrideURL string) (*Conn, error) {
	wsURL, err := c.ConversationURL(agentID, overrideURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("xi-api-key", c.apiKey)
	}

	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDial, redact(wsURL), err)
	}
	// Provider frames can carry several seconds of base64 audio.
	ws.SetReadLimit(4 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	conn := &Conn{
		ws:     ws,
		events: make(chan Event, 64),
		ctx:    connCtx,
		cancel: connCancel,
	}
	go conn.receiveLoop()

	return conn, nil
}

// redact strips query parameters from a URL before it reaches logs or errors.
func redact(wsURL string) string {
	if i := strings.IndexByte(wsURL, '?'); i >= 0 {
		return wsURL[:i]
	}
	return wsURL
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one live provider conversation. Reads are owned by the internal
// receive loop; writes are serialized by an internal mutex so any goroutine
// may call the Send methods.
type Conn struct {
	ws     *websocket.Conn
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Events returns the channel on which decoded provider events arrive. The
// channel is closed when the read loop exits; check Err afterwards.
func (c *Conn) Events() <-chan Event { return c.events }

// Err returns the first error that terminated the read loop, or nil when the
// conversation ended cleanly or by Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// receiveLoop reads provider frames, decodes them, answers keepalives, and
// forwards everything else on the event channel. It owns the events channel
// and closes it on exit.
func (c *Conn) receiveLoop() {
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(err)
			return
		}

		evt, err := decodeEvent(data)
		if err != nil || evt == nil {
			continue
		}
		if evt.Type == EventPing {
			_ = c.writeJSON(map[string]any{"type": "pong", "event_id": evt.PingEventID})
			continue
		}

		select {
		case c.events <- *evt:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// writeJSON marshals v and writes it as one text frame.
func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

// SendAudio forwards one learner PCM chunk to the provider.
func (c *Conn) SendAudio(chunk []byte) error {
	return c.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendInterrupt asks the provider to stop the current agent response.
func (c *Conn) SendInterrupt() error {
	return c.writeJSON(map[string]string{"type": "interrupt"})
}

// SendConfig pushes live-tunable conversation settings to the provider.
func (c *Conn) SendConfig(vadSensitivity, interruptionThreshold float64, turnTimeoutMs int) error {
	return c.writeJSON(map[string]any{
		"type": "conversation_config_update",
		"conversation_config": map[string]any{
			"vad_sensitivity":        vadSensitivity,
			"interruption_threshold": interruptionThreshold,
			"turn_timeout_ms":        turnTimeoutMs,
		},
	})
}

// Close terminates the conversation and releases all resources. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "session ended")
}
