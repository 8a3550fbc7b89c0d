// Package ws is the daemon's event channel to the interface process: a
// reconnecting websocket client that sends sequenced envelopes, buffers
// them in an outbox until acked and dispatches inbound commands.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jasonkneen/claudesky-sub000/internal/outbox"
)

const (
	protocolVersion = 1
	ackType         = "agent.ack"
	inboundBuffer   = 64
)

var ErrNotConnected = errors.New("not connected")

// Handler receives inbound commands in arrival order.
type Handler func(ctx context.Context, msgType string, payload json.RawMessage)

type Config struct {
	URL      string
	Token    string
	ClientID string
	// Backoff lists reconnect delays in milliseconds. The last entry
	// repeats once the list is exhausted.
	Backoff []int
	// OnEvict is called when a full outbox drops its oldest envelope.
	OnEvict func()
	// WriteTimeout bounds every frame write; 10s when zero.
	WriteTimeout time.Duration
}

type wireEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type ackPayload struct {
	AckSeq int64  `json:"ack_seq"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

type Client struct {
	cfg    Config
	outbox *outbox.Outbox
	logger zerolog.Logger
	dialer *websocket.Dialer

	seq       atomic.Int64
	lastAcked atomic.Int64

	handler   Handler
	onConnect func()

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient returns a client. ob may be nil, in which case envelopes sent
// while disconnected are lost.
func NewClient(cfg Config, ob *outbox.Outbox, logger zerolog.Logger) *Client {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []int{500, 1000, 2000, 5000, 10000}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		outbox: ob,
		logger: logger.With().Str("component", "ws").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	if ob != nil {
		c.seq.Store(ob.LastSeq())
		c.lastAcked.Store(ob.AckedSeq())
	}
	return c
}

func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetOnConnect registers a callback run after every successful connect,
// once buffered envelopes have been resent.
func (c *Client) SetOnConnect(fn func()) {
	c.onConnect = fn
}

func (c *Client) LastAckedSeq() int64 {
	return c.lastAcked.Load()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and keeps the connection alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.serve(ctx, conn)
		} else {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("event channel connect failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt >= len(c.cfg.Backoff) {
		attempt = len(c.cfg.Backoff) - 1
	}
	return time.Duration(c.cfg.Backoff[attempt]) * time.Millisecond
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.ClientID != "" {
		headers.Set("X-Client-Id", c.cfg.ClientID)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	if err := c.attach(conn); err != nil {
		c.logger.Warn().Err(err).Msg("resend after connect failed")
		conn.Close()
		return
	}
	c.logger.Info().Str("url", c.cfg.URL).Msg("event channel connected")
	if c.onConnect != nil {
		c.onConnect()
	}

	inbound := make(chan wireEnvelope, inboundBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range inbound {
			if c.handler != nil {
				c.handler(ctx, env.Type, env.Payload)
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.detach(conn)
		close(inbound)
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("event channel read failed")
			}
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("malformed inbound envelope")
			continue
		}
		if env.Type == ackType {
			c.handleAck(env.Payload)
			continue
		}
		inbound <- env
	}
}

// attach installs conn and resends unacked envelopes before any new send
// can interleave.
func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbox != nil {
		pending := c.outbox.Unacked()
		for _, env := range pending {
			if err := c.writeEnvelope(conn, env); err != nil {
				return err
			}
		}
		if len(pending) > 0 {
			c.logger.Info().Int("count", len(pending)).Msg("resent unacked envelopes")
		}
	}
	c.conn = conn
	return nil
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) handleAck(raw json.RawMessage) {
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.logger.Warn().Err(err).Msg("malformed ack")
		return
	}
	if ack.Status == "error" {
		c.logger.Warn().Int64("seq", ack.AckSeq).Str("error", ack.Error).Msg("interface rejected envelope")
	}
	if ack.AckSeq <= 0 {
		return
	}
	for {
		cur := c.lastAcked.Load()
		if ack.AckSeq <= cur || c.lastAcked.CompareAndSwap(cur, ack.AckSeq) {
			break
		}
	}
	if c.outbox != nil {
		if err := c.outbox.Ack(ack.AckSeq); err != nil {
			c.logger.Warn().Err(err).Msg("outbox ack failed")
		}
	}
}

// Send assigns the next sequence number to payload and delivers it. With
// an outbox the envelope is buffered first, so a send while disconnected
// is not an error.
func (c *Client) Send(msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env := outbox.Envelope{
		Seq:     c.seq.Add(1),
		Type:    msgType,
		TS:      time.Now().UnixMilli(),
		Payload: body,
	}
	if c.outbox != nil {
		evicted, err := c.outbox.Add(env)
		if err != nil {
			c.logger.Warn().Err(err).Msg("outbox append failed")
		}
		if evicted && c.cfg.OnEvict != nil {
			c.cfg.OnEvict()
		}
	}

	if c.conn == nil {
		if c.outbox != nil {
			return nil
		}
		return ErrNotConnected
	}
	if err := c.writeEnvelope(c.conn, env); err != nil {
		// Closing wakes the reader, which reconnects and resends.
		c.logger.Warn().Err(err).Int64("seq", env.Seq).Msg("write failed, dropping connection")
		c.conn.Close()
		c.conn = nil
		if c.outbox != nil {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env outbox.Envelope) error {
	data, err := json.Marshal(wireEnvelope{
		V:       protocolVersion,
		Type:    env.Type,
		TS:      time.UnixMilli(env.TS).UTC().Format(time.RFC3339Nano),
		Seq:     env.Seq,
		Payload: env.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
