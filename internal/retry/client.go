// Package retry submits broker orders with bounded exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
)

// ErrNilOrder is returned when no order is supplied.
var ErrNilOrder = errors.New("nil order")

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// sanitize replaces unusable values with defaults.
func (c Config) sanitize() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

type Client struct {
	executor broker.OrderExecutor
	logger   logrus.FieldLogger
	config   Config
}

func NewClient(executor broker.OrderExecutor, logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0].sanitize()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		executor: executor,
		logger:   logger,
		config:   cfg,
	}
}

// PlaceOrderWithRetry submits order, retrying transient failures until the
// attempt budget or the overall timeout is exhausted.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, order *broker.LegOrder) (*broker.OrderAck, error) {
	if order == nil {
		c.logger.Error("Refusing to submit nil order")
		return nil, ErrNilOrder
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{
		"tag":    order.Tag,
		"symbol": order.Symbol,
		"side":   order.Side,
	})

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		select {
		case <-submitCtx.Done():
			return nil, fmt.Errorf("order submission timed out after %v: %w", c.config.Timeout, submitCtx.Err())
		default:
		}

		log.Debugf("Order attempt %d/%d", attempt+1, c.config.MaxRetries+1)

		ack, err := c.executor.PlaceLegOrder(submitCtx, *order)
		if err == nil {
			if ack == nil {
				ack = &broker.OrderAck{}
			}
			log.WithField("order_ref", ack.OrderRef).Infof("Order placed on attempt %d", attempt+1)
			return ack, nil
		}

		lastErr = err
		log.WithError(err).Warnf("Order attempt %d failed", attempt+1)

		if !c.isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}
		log.Debugf("Transient error detected, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-submitCtx.Done():
			return nil, fmt.Errorf("order submission timed out during backoff: %w", submitCtx.Err())
		}
	}

	return nil, fmt.Errorf("failed to place order after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"network",
	"dns",
	"tcp",
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
