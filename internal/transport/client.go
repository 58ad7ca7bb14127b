package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
)

// ClientConfig describes one outbound event channel to the current
// master.
type ClientConfig struct {
	URL      string // e.g. ws://till-2:8080/ws
	Token    string
	DeviceID string
	Policy   RetryPolicy
}

// Client maintains a single long-lived event channel from a client-role
// terminal to the master, reconnecting through the retry state machine
// when the link drops.
type Client struct {
	cfg     ClientConfig
	recon   *Reconnector
	log     *logger.Logger
	onEvent func(models.EventPayload)

	mu   sync.Mutex
	send chan *models.Envelope
}

func NewClient(cfg ClientConfig, onEvent func(models.EventPayload), log *logger.Logger) *Client {
	if cfg.Policy == (RetryPolicy{}) {
		cfg.Policy = DefaultRetryPolicy()
	}
	return &Client{
		cfg:     cfg,
		recon:   NewReconnector(cfg.Policy),
		log:     log,
		onEvent: onEvent,
		send:    make(chan *models.Envelope, sendBuffer),
	}
}

// State exposes the reconnection state machine's position.
func (c *Client) State() ConnState {
	return c.recon.State()
}

// Send queues a payload for delivery. Returns an error when the queue is
// full (link down for too long); the caller keeps the change in its
// pending set and retries.
func (c *Client) Send(payload models.EventPayload) error {
	envelope, err := models.NewEnvelope(payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- envelope:
		return nil
	default:
		return fmt.Errorf("send queue full in state %s", c.recon.State())
	}
}

// Run dials and services the channel until ctx is canceled or the retry
// budget is exhausted. Each successful connect resets the budget.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.recon.Connecting()
		conn, err := c.dial(ctx)
		if err != nil {
			delay, ok := c.recon.Failed()
			if !ok {
				c.log.Error().Err(err).Msg("event channel retry budget exhausted")
				return fmt.Errorf("connection failed permanently: %w", err)
			}
			c.log.Warn().Err(err).Dur("backoff", delay).Msg("event channel dial failed, backing off")
			if err := sleepDelay(ctx, delay); err != nil {
				return err
			}
			continue
		}

		c.recon.Connected()
		c.log.Info().Str("url", c.cfg.URL).Msg("event channel connected")

		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := c.recon.Failed()
		if !ok {
			return fmt.Errorf("connection lost permanently: %w", err)
		}
		c.log.Warn().Err(err).Dur("backoff", delay).Msg("event channel dropped, reconnecting")
		if err := sleepDelay(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case envelope := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(envelope); err != nil {
					errCh <- err
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	go func() {
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			var envelope models.Envelope
			if err := conn.ReadJSON(&envelope); err != nil {
				errCh <- err
				return
			}
			payload, err := envelope.Decode()
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed frame from master")
				continue
			}
			if c.onEvent != nil {
				c.onEvent(payload)
			}
		}
	}()

	return <-errCh
}

func sleepDelay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
