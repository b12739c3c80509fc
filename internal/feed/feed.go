// Package feed connects the manager to the host platform over Redis: fill
// events and open requests arrive on pub/sub channels, the broker position
// list and leg marks are read from keys, and closing orders are queued on a list.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNoPositions is returned when the host has not published a position list.
var ErrNoPositions = errors.New("feed: broker positions not published")

// ErrNoMark is returned when no mark is published for a leg's symbol.
var ErrNoMark = errors.New("feed: no mark for symbol")

// Config names the Redis keys and channels.
type Config struct {
	FillsChannel string
	OpensChannel string
	PositionsKey string
	MarksKey     string
	OrdersKey    string
	QuoteTimeout time.Duration
}

// DefaultConfig returns the default key layout.
func DefaultConfig() Config {
	return Config{
		FillsChannel: "plm:fills",
		OpensChannel: "plm:opens",
		PositionsKey: "plm:broker:positions",
		MarksKey:     "plm:marks",
		OrdersKey:    "plm:orders",
		QuoteTimeout: 2 * time.Second,
	}
}

// FillHandler consumes fill events.
type FillHandler interface {
	OnFillEvent(ctx context.Context, ev broker.FillEvent) error
}

type client interface {
	redis.Cmdable
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Feed is the Redis bridge to the host platform. It satisfies broker.Broker.
type Feed struct {
	rdb    client
	config Config
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ broker.Broker = (*Feed)(nil)

// New creates a feed over rdb. Empty config fields take their defaults.
func New(rdb client, cfg Config, logger logrus.FieldLogger) *Feed {
	if rdb == nil {
		panic("feed.New: redis client cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	def := DefaultConfig()
	if cfg.FillsChannel == "" {
		cfg.FillsChannel = def.FillsChannel
	}
	if cfg.OpensChannel == "" {
		cfg.OpensChannel = def.OpensChannel
	}
	if cfg.PositionsKey == "" {
		cfg.PositionsKey = def.PositionsKey
	}
	if cfg.MarksKey == "" {
		cfg.MarksKey = def.MarksKey
	}
	if cfg.OrdersKey == "" {
		cfg.OrdersKey = def.OrdersKey
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = def.QuoteTimeout
	}
	return &Feed{rdb: rdb, config: cfg, logger: logger.WithField("component", "feed"), now: time.Now}
}

// GetPositionsCtx reads the broker position list published by the host.
// A missing key is an error, not an empty book.
func (f *Feed) GetPositionsCtx(ctx context.Context) ([]broker.PositionItem, error) {
	data, err := f.rdb.Get(ctx, f.config.PositionsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoPositions
	}
	if err != nil {
		return nil, fmt.Errorf("feed: read positions: %w", err)
	}
	return DecodePositions(data)
}

// OutboundOrder is the payload queued for the host's order router.
type OutboundOrder struct {
	SubmittedAt time.Time       `json:"submitted_at"`
	OrderRef    string          `json:"order_ref"`
	Order       broker.LegOrder `json:"order"`
}

// PlaceLegOrder queues the order for the host and acknowledges it with a
// client-generated reference. Fills are expected back under that reference.
func (f *Feed) PlaceLegOrder(ctx context.Context, order broker.LegOrder) (*broker.OrderAck, error) {
	out := OutboundOrder{SubmittedAt: f.now().UTC(), OrderRef: uuid.NewString(), Order: order}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("feed: encode order: %w", err)
	}
	if err := f.rdb.RPush(ctx, f.config.OrdersKey, payload).Err(); err != nil {
		return nil, fmt.Errorf("feed: queue order: %w", err)
	}
	f.logger.WithFields(logrus.Fields{
		"order_ref": out.OrderRef,
		"symbol":    order.Symbol,
		"side":      order.Side,
		"quantity":  order.Quantity,
	}).Info("Order queued")
	return &broker.OrderAck{OrderRef: out.OrderRef, Status: "queued"}, nil
}

// Quote prices a leg from the marks hash. It satisfies models.PricingFunc.
func (f *Feed) Quote(leg *models.Leg) (models.Quote, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.QuoteTimeout)
	defer cancel()
	symbol := leg.Symbol()
	data, err := f.rdb.HGet(ctx, f.config.MarksKey, symbol).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Quote{}, fmt.Errorf("%w %s", ErrNoMark, symbol)
	}
	if err != nil {
		return models.Quote{}, fmt.Errorf("feed: read mark %s: %w", symbol, err)
	}
	return DecodeQuote(data)
}

// Run subscribes to the fill and open channels and dispatches messages until
// ctx is canceled. opens may be nil to ignore open requests.
func (f *Feed) Run(ctx context.Context, fills FillHandler, opens *Opener) error {
	channels := []string{f.config.FillsChannel}
	if opens != nil {
		channels = append(channels, f.config.OpensChannel)
	}
	pubsub := f.rdb.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("feed: subscribe %v: %w", channels, err)
	}
	f.logger.WithField("channels", channels).Info("Feed subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("feed: subscription closed")
			}
			f.dispatch(ctx, msg.Channel, []byte(msg.Payload), fills, opens)
		}
	}
}

func (f *Feed) dispatch(ctx context.Context, channel string, payload []byte, fills FillHandler, opens *Opener) {
	switch channel {
	case f.config.FillsChannel:
		ev, err := DecodeFill(payload)
		if err != nil {
			f.logger.WithError(err).Warn("Dropping malformed fill event")
			return
		}
		if err := fills.OnFillEvent(ctx, ev); err != nil {
			f.logger.WithError(err).WithField("order_ref", ev.OrderRef).Warn("Fill event not applied")
		}
	case f.config.OpensChannel:
		if opens == nil {
			return
		}
		req, err := DecodeOpen(payload)
		if err != nil {
			f.logger.WithError(err).Warn("Dropping malformed open request")
			return
		}
		if _, err := opens.Open(req); err != nil {
			f.logger.WithError(err).WithField("strategy", req.Strategy).Warn("Open request rejected")
		}
	}
}
