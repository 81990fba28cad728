package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rtcsdk/core/internal/logging"
	"github.com/rtcsdk/core/internal/rtcerrors"
)

const (
	// ProtocolVersion is the signal protocol version advertised in every
	// connection's query string (spec.md §6).
	ProtocolVersion = 15
	sdkVersion      = "0.1.0"

	joinTimeout       = 5 * time.Second
	pendingBufferSize = 256
)

// Options configure one connection attempt.
type Options struct {
	AutoSubscribe  bool
	AdaptiveStream bool
	Reconnect      bool
	Sid            string // set when Reconnect is true
}

// Client is the Signal Client (spec component A): a single full-duplex
// WebSocket with an independent reader task (producing Events) and a
// writer half shared across callers behind a mutex, matching spec.md §5's
// "only the Signal Client's send half is shared across tasks, serialised
// behind an async mutex".
type Client struct {
	logger logging.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	pending *pendingQueue

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Client in the disconnected state; call Connect to open
// the socket.
func New(logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Client{
		logger:  logger,
		pending: newPendingQueue(pendingBufferSize),
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
}

// Events returns the channel of Open/Signal/Close events produced by the
// reader task. The Engine owns consuming this channel.
func (c *Client) Events() <-chan Event { return c.events }

func buildURL(rawURL, token string, opts Options) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "parsing signal url", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/rtc"
	}

	q := u.Query()
	q.Set("access_token", token)
	q.Set("sdk", "go")
	q.Set("version", sdkVersion)
	q.Set("protocol", fmt.Sprintf("%d", ProtocolVersion))
	if opts.AutoSubscribe {
		q.Set("auto_subscribe", "1")
	} else {
		q.Set("auto_subscribe", "0")
	}
	if opts.AdaptiveStream {
		q.Set("adaptive_stream", "1")
	}
	if opts.Reconnect {
		q.Set("reconnect", "1")
		q.Set("sid", opts.Sid)
	} else {
		q.Set("reconnect", "0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the socket and waits up to joinTimeout for the server's
// Join message (or ReconnectResponse, when opts.Reconnect is set). The
// returned Envelope is that first message; the reader task continues
// running for the life of the connection, pushing subsequent messages onto
// Events().
func (c *Client) Connect(ctx context.Context, rawURL, token string, opts Options) (Envelope, error) {
	wsURL, err := buildURL(rawURL, token, opts)
	if err != nil {
		return Envelope{}, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return Envelope{}, rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "dialing signal websocket", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	firstMsgCh := make(chan Envelope, 1)
	firstErrCh := make(chan error, 1)
	go c.readLoop(firstMsgCh, firstErrCh)

	expectKind := KindJoin
	if opts.Reconnect {
		expectKind = KindReconnectResponse
	}

	select {
	case msg := <-firstMsgCh:
		if msg.Kind != expectKind {
			c.logger.Warnw("unexpected first signal message", "got", msg.Kind, "want", expectKind)
		}
		return msg, nil
	case err := <-firstErrCh:
		return Envelope{}, err
	case <-dialCtx.Done():
		return Envelope{}, rtcerrors.New(rtcerrors.KindTimeout, rtcerrors.ReasonNone, "timed out waiting for join response")
	}
}

// readLoop is the reader task: it decodes every incoming binary message
// into an Envelope and republishes it on Events(), after handing the very
// first message to the caller of Connect synchronously.
func (c *Client) readLoop(firstMsgCh chan<- Envelope, firstErrCh chan<- error) {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()

	first := true
	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if first {
				firstErrCh <- rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "reading join response", err)
			}
			c.emit(Event{Type: EventClose, Err: err})
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			c.logger.Warnw("dropping malformed signal message", "err", err)
			continue
		}

		if first {
			first = false
			firstMsgCh <- msg
			c.emit(Event{Type: EventOpen})
			continue
		}
		c.emit(Event{Type: EventSignal, Message: msg})
	}
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.closed:
	}
}

// Send enqueues msg for delivery. If the socket is open it writes
// immediately; otherwise it buffers in the pending queue (FIFO,
// drop-oldest on overflow) for delivery once reconnected.
func (c *Client) Send(msg Envelope) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()

	if conn == nil {
		c.pending.push(msg)
		return nil
	}

	body, err := EncodeMessage(msg)
	if err != nil {
		return rtcerrors.Wrap(rtcerrors.KindProtocol, rtcerrors.ReasonNone, "encoding signal message", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		c.pending.push(msg)
		return nil
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		c.pending.push(msg)
		return rtcerrors.Wrap(rtcerrors.KindConnection, rtcerrors.ReasonNone, "writing signal message", err)
	}
	return nil
}

// FlushPending drains and sends everything queued while disconnected, in
// FIFO order, called by the Engine right after a successful reconnect.
func (c *Client) FlushPending() {
	for _, msg := range c.pending.drainAll() {
		if err := c.Send(msg); err != nil {
			c.logger.Warnw("failed to flush pending signal message", "kind", msg.Kind, "err", err)
		}
	}
}

// TrimPendingForFullReconnect applies the drop-all-non-reliable policy
// described in spec.md §9 ahead of a full reconnect: Leave and metadata
// updates survive (bounded), transient Trickle/Ping chatter does not.
func (c *Client) TrimPendingForFullReconnect() {
	c.pending.dropAllButReliableTail(func(e Envelope) bool {
		switch e.Kind {
		case KindLeave, KindUpdateParticipantMeta, KindAddTrack:
			return true
		default:
			return false
		}
	}, 16)
}

// Reconnect closes the current socket (if any) and reopens it with
// reconnect=true. When full is true the caller (Engine) is also expected to
// tear down both PeerTransports; Reconnect itself only concerns the signal
// socket.
func (c *Client) Reconnect(ctx context.Context, rawURL, token string, sid string, full bool) (Envelope, error) {
	c.closeConnOnly()
	if full {
		c.TrimPendingForFullReconnect()
	}
	env, err := c.Connect(ctx, rawURL, token, Options{Reconnect: true, Sid: sid})
	if err != nil {
		return Envelope{}, err
	}
	c.FlushPending()
	return env, nil
}

func (c *Client) closeConnOnly() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close gracefully and idempotently closes the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeConnOnly()
	})
	return nil
}
