package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signaling connection closed")
)

var _ core.Signaler = (*Client)(nil)

type Options struct {
	URL        string
	Secret     string
	TokenTTL   time.Duration
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	SendBuffer int
	// OfferLimit caps inbound offers per peer within OfferWindow; zero disables.
	OfferLimit  int
	OfferWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Hour
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 * 1024
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.OfferWindow <= 0 {
		o.OfferWindow = 10 * time.Second
	}
	return o
}

// Client is a websocket signaling connection for one participant.
type Client struct {
	conn    *websocket.Conn
	opts    Options
	limiter *OfferLimiter
	logger  zerolog.Logger

	incoming chan core.SignalMessage
	send     chan core.SignalMessage
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the signaling server. With a secret configured the
// request carries an HS256 bearer token for local in room.
func Dial(ctx context.Context, opts Options, local domain.PeerID, room domain.ChannelID) (*Client, error) {
	opts = opts.withDefaults()

	header := http.Header{}
	if opts.Secret != "" {
		token, err := IssueToken(opts.Secret, local, room, opts.TokenTTL)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		limiter:  NewOfferLimiter(opts.OfferLimit, opts.OfferWindow),
		logger:   log.With().Str("module", "signal").Str("local", string(local)).Logger(),
		incoming: make(chan core.SignalMessage, opts.SendBuffer),
		send:     make(chan core.SignalMessage, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(opts.ReadLimit)
	c.logger.Info().Str("url", opts.URL).Msg("signaling connected")

	go c.writePump()
	go c.readPump()
	return c, nil
}

// TrySend queues msg without blocking.
func (c *Client) TrySend(msg core.SignalMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Incoming is closed when the connection drops.
func (c *Client) Incoming() <-chan core.SignalMessage { return c.incoming }

// Close flushes queued messages, sends a close frame and tears down the
// connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(c.opts.WriteWait):
		_ = c.conn.Close()
	}
}
