// Package rcon runs console commands on Source engine servers over the
// Source RCON protocol.
package rcon

import (
	"context"
	stderr "errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorcon/rcon"
	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/pkg/errors"
	"github.com/srcds-exporter/srcds-exporter/pkg/retry"
)

// Config holds connection settings for one server.
type Config struct {
	Address  string
	Password string

	DialTimeout       time.Duration
	CommandTimeout    time.Duration
	ReconnectAttempts int
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		DialTimeout:       time.Second,
		CommandTimeout:    2 * time.Second,
		ReconnectAttempts: 2,
	}
}

// conn is the part of *rcon.Conn the client uses.
type conn interface {
	Execute(command string) (string, error)
	Close() error
}

type dialFunc func(address, password string, dialTimeout, deadline time.Duration) (conn, error)

func dialRCON(address, password string, dialTimeout, deadline time.Duration) (conn, error) {
	cn, err := rcon.Dial(address, password, rcon.SetDialTimeout(dialTimeout), rcon.SetDeadline(deadline))
	if err != nil {
		return nil, err
	}
	return cn, nil
}

// Client keeps one authenticated connection and redials it after failures.
// It is safe for concurrent use; commands are serialized.
type Client struct {
	cfg    Config
	dial   dialFunc
	retry  *retry.Retryer
	logger *zap.Logger

	mu   sync.Mutex
	conn conn
}

// NewClient creates a client. No connection is made until the first Query.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	return newClient(cfg, dialRCON, logger)
}

func newClient(cfg Config, dial dialFunc, logger *zap.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "rcon address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidTarget, "invalid rcon address", err).WithTarget(cfg.Address)
	}

	defaults := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("target", cfg.Address))

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.ReconnectAttempts + 1
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("Retrying rcon dial",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return &Client{
		cfg:    cfg,
		dial:   dial,
		retry:  retry.New(retryCfg),
		logger: logger,
	}, nil
}

// Query runs command and returns its output. A failed command drops the
// connection so the next call redials.
func (c *Client) Query(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return "", err
	}

	type reply struct {
		out string
		err error
	}
	done := make(chan reply, 1)
	cn := c.conn
	go func() {
		out, err := cn.Execute(command)
		done <- reply{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.dropLocked()
			return "", c.classify(fmt.Sprintf("command %q failed", command), r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		// Closing the connection unblocks the pending Execute.
		c.dropLocked()
		return "", errors.Wrap(errors.ErrCodeConnectionTimeout,
			fmt.Sprintf("command %q interrupted", command), ctx.Err()).
			WithComponent("rcon").
			WithTarget(c.cfg.Address)
	}
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	return c.retry.DoWithContext(ctx, func(context.Context) error {
		cn, err := c.dial(c.cfg.Address, c.cfg.Password, c.cfg.DialTimeout, c.cfg.CommandTimeout)
		if err != nil {
			return c.classify("dial failed", err)
		}
		c.conn = cn
		c.logger.Debug("Connected")
		return nil
	})
}

func (c *Client) dropLocked() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("Failed to close rcon connection", zap.Error(err))
	}
	c.conn = nil
}

// classify maps a transport error onto an exporter error code.
func (c *Client) classify(message string, err error) error {
	code := errors.ErrCodeConnectionFailed
	var netErr net.Error
	switch {
	case stderr.Is(err, rcon.ErrAuthFailed):
		code = errors.ErrCodeAuthenticationFailed
	case stderr.Is(err, syscall.ECONNREFUSED):
		code = errors.ErrCodeConnectionRefused
	case stderr.Is(err, context.DeadlineExceeded), stderr.As(err, &netErr) && netErr.Timeout():
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.Wrap(code, message, err).
		WithComponent("rcon").
		WithTarget(c.cfg.Address)
}
