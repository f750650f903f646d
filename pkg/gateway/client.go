package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"sessionchat/internal/constants"
	apperrors "sessionchat/internal/errors"
	"sessionchat/internal/metrics"
	"sessionchat/internal/models"
	"sessionchat/internal/retry"
	"sessionchat/internal/tracing"
	"sessionchat/pkg/circuitbreaker"
)

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("gateway not connected")

const readLimit = 1 << 20

// Client maintains the websocket connection to the relay, exposes inbound
// events on a channel and transmits outbound events.
type Client struct {
	url         string
	token       string
	dialTimeout time.Duration
	backoff     *retry.Backoff
	breaker     *circuitbreaker.CircuitBreaker
	metrics     *metrics.Metrics
	logger      *logrus.Logger

	events chan models.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	writeM sync.Mutex
}

// New creates a gateway client from configuration.
func New(cfg models.GatewayConfig, m *metrics.Metrics, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	initial := time.Duration(cfg.ReconnectInitialMs) * time.Millisecond
	if initial <= 0 {
		initial = constants.DefaultGatewayReconnectInitial
	}
	maxDelay := time.Duration(cfg.ReconnectMaxMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = constants.DefaultGatewayReconnectMax
	}
	dial := time.Duration(cfg.DialTimeoutSec) * time.Second
	if dial <= 0 {
		dial = constants.DefaultGatewayDialTimeout
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = constants.DefaultGatewayBreakerFailures
	}
	breakerTimeout := time.Duration(cfg.BreakerTimeoutSec) * time.Second
	if breakerTimeout <= 0 {
		breakerTimeout = constants.DefaultGatewayBreakerTimeout
	}

	return &Client{
		url:         cfg.URL,
		token:       cfg.AuthToken,
		dialTimeout: dial,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   2,
			MaxAttempts:  1,
			Jitter:       0.2,
		}),
		breaker: circuitbreaker.New("gateway", uint32(failures), breakerTimeout, // #nosec G115 - bounded by config
			circuitbreaker.WithLogger(logger),
			circuitbreaker.WithOnStateChange(func(name string, _, to circuitbreaker.State) {
				m.SetBreakerState(name, int(to))
			}),
		),
		metrics: m,
		logger:  logger,
		events:  make(chan models.Event, constants.DefaultEventChannelSize),
	}
}

// Events returns the inbound event stream. It is closed when Run returns.
func (c *Client) Events() <-chan models.Event {
	return c.events
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reads events until ctx is cancelled, reconnecting with
// exponential backoff after connection loss.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.setConn(conn)
			c.logger.Info("Gateway connected")
			err = c.readLoop(ctx, conn)
			c.setConn(nil)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Warn("Gateway connection lost")
		} else {
			c.logger.WithError(err).Warn("Gateway dial failed")
		}

		attempt++
		c.metrics.GatewayReconnect()
		delay := c.backoff.Delay(attempt)
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Debug("Reconnecting to gateway")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}

		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind == "" {
			c.metrics.EventMalformed("unknown")
			c.logger.WithError(err).Warn("Dropping undecodable gateway frame")
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Send transmits one outbound event through the circuit breaker.
func (c *Client) Send(ctx context.Context, ev models.OutboundEvent) error {
	ctx, span := tracing.StartSpan(ctx, "gateway.send", tracing.AttrOutboundType.String(string(ev.Type)))
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.metrics.GatewaySend(string(ev.Type), "not_connected")
		err := apperrors.NewTransportError(string(ev.Type), ErrNotConnected)
		tracing.RecordError(ctx, err)
		return err
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, constants.DefaultSendTimeout)
		defer cancel()
		c.writeM.Lock()
		defer c.writeM.Unlock()
		return wsjson.Write(sendCtx, conn, ev)
	})
	if err != nil {
		result := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			result = "rejected"
		}
		c.metrics.GatewaySend(string(ev.Type), result)
		wrapped := apperrors.NewTransportError(string(ev.Type), err)
		tracing.RecordError(ctx, wrapped)
		return wrapped
	}

	c.metrics.GatewaySend(string(ev.Type), "ok")
	return nil
}
