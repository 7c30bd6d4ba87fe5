// Package nats connects to the NATS server that receives batch events.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig describes the event server connection
type ConnectionConfig struct {
	URL string

	// Name identifies the batch to the server's monitoring endpoints
	Name string

	// MaxReconnects is the maximum number of reconnection attempts; -1 means unlimited
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// ReconnectBufSize bounds the events buffered while reconnecting
	ReconnectBufSize int

	Token    string
	Username string
	Password string
}

// DefaultConnectionConfig returns the settings used by runhelper batches.
// A batch outlives short server restarts, so reconnects are unlimited.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:              url,
		Name:             "runhelper",
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		Timeout:          5 * time.Second,
		ReconnectBufSize: 8 * 1024 * 1024,
	}
}

// Validate checks the configuration
func (c *ConnectionConfig) Validate() error {
	if c.URL == "" {
		return errors.New("NATS URL cannot be empty")
	}
	if c.Timeout < 0 || c.ReconnectWait < 0 {
		return errors.New("NATS timeouts cannot be negative")
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("NATS username and password must be set together")
	}
	return nil
}

// Conn is a NATS connection that can be shut down without losing buffered events
type Conn struct {
	*nats.Conn
	closed chan struct{}
}

func (c *ConnectionConfig) options(logger *zap.Logger, closed chan struct{}) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected, buffering events", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS async error", zap.Error(err))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}
	if c.ReconnectBufSize > 0 {
		opts = append(opts, nats.ReconnectBufSize(c.ReconnectBufSize))
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	} else if c.Username != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}
	return opts
}

// Connect dials the server. Cancelling ctx abandons the attempt; a connection
// that completes afterwards is closed.
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*Conn, error) {
	if config == nil {
		return nil, errors.New("connection config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	closed := make(chan struct{})
	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(config.URL, config.options(logger, closed)...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		logger.Info("Connected to NATS",
			zap.String("url", res.conn.ConnectedUrl()),
			zap.String("name", config.Name))
		return &Conn{Conn: res.conn, closed: closed}, nil
	}
}

// Shutdown drains the connection and waits until buffered events are flushed
// or ctx is done, in which case the connection is closed immediately.
func (c *Conn) Shutdown(ctx context.Context) error {
	if c == nil || c.Conn == nil {
		return nil
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		c.Conn.Close()
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}
}
