// Package broker defines the boundary to the order execution and position query collaborators.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// PositionQuerier returns the broker's authoritative position list.
type PositionQuerier interface {
	GetPositionsCtx(ctx context.Context) ([]PositionItem, error)
}

// OrderExecutor places single-leg orders.
type OrderExecutor interface {
	PlaceLegOrder(ctx context.Context, order LegOrder) (*OrderAck, error)
}

// Broker is the full collaborator surface used by the manager.
type Broker interface {
	PositionQuerier
	OrderExecutor
}

// PositionItem is one broker-reported net position.
// Quantity is in contracts, signed. Multiplier is optional; zero means
// the tracked leg's multiplier applies.
type PositionItem struct {
	DateAcquired time.Time `json:"date_acquired,omitempty"`
	Symbol       string    `json:"symbol"`
	CostBasis    float64   `json:"cost_basis,omitempty"`
	Quantity     float64   `json:"quantity"`
	Multiplier   int       `json:"multiplier,omitempty"`
}

// FillEvent is an execution report from the order execution collaborator.
type FillEvent struct {
	Time     time.Time `json:"time"`
	OrderRef string    `json:"order_ref"`
	Symbol   string    `json:"symbol,omitempty"`
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
}

// Side is the order action for a single leg.
type Side string

const (
	SideBuyToOpen   Side = "buy_to_open"
	SideSellToOpen  Side = "sell_to_open"
	SideBuyToClose  Side = "buy_to_close"
	SideSellToClose Side = "sell_to_close"
)

// CloseSide returns the action that flattens a position of the given signed quantity.
func CloseSide(quantity int) Side {
	if quantity < 0 {
		return SideBuyToClose
	}
	return SideSellToClose
}

// LegOrder is a single-leg order request.
type LegOrder struct {
	Tag        string  `json:"tag"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Duration   string  `json:"duration"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	Quantity   int     `json:"quantity"`
}

// OrderAck is the submission acknowledgement carrying the broker order reference.
type OrderAck struct {
	OrderRef string `json:"order_ref"`
	Status   string `json:"status"`
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used when none are configured.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State reports the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetPositionsCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositionsCtx(ctx)
	})
}

// PlaceLegOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceLegOrder(ctx context.Context, order LegOrder) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceLegOrder(ctx, order)
	})
}
