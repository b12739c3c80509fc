package feed

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expiry = time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC)

type recordingHandler struct {
	mu     sync.Mutex
	events []broker.FillEvent
	err    error
}

func (h *recordingHandler) OnFillEvent(_ context.Context, ev broker.FillEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type gate bool

func (g gate) BlockNewEntries() bool { return bool(g) }

func testFeed() *Feed {
	logger, _ := logtest.NewNullLogger()
	return &Feed{config: DefaultConfig(), logger: logger, now: time.Now}
}

func TestDecodeFill(t *testing.T) {
	ev, err := DecodeFill([]byte(`{"order_ref":"ord-1","price":1.25,"quantity":2,"time":"2026-10-14T15:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ev.OrderRef)
	assert.InDelta(t, 1.25, ev.Price, 1e-9)
	assert.Equal(t, 2, ev.Quantity)
	assert.True(t, ev.Time.Equal(time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)))

	for _, payload := range []string{
		`not json`,
		`{"price":1,"quantity":1}`,
		`{"order_ref":"x","quantity":1}`,
		`{"order_ref":"x","price":1,"quantity":0}`,
		`{"order_ref":"x","price":-1,"quantity":1}`,
	} {
		_, err := DecodeFill([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformed, payload)
	}
}

func TestDecodePositions(t *testing.T) {
	items, err := DecodePositions([]byte(`[{"symbol":"SPY261218P00550000","quantity":-1},{"symbol":"/ESZ6","quantity":2,"multiplier":50}]`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.InDelta(t, -1, items[0].Quantity, 1e-9)
	assert.Equal(t, 50, items[1].Multiplier)

	items, err = DecodePositions([]byte(`[]`))
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	_, err = DecodePositions([]byte(`{"symbol":"SPY"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodePositions([]byte(`[{"quantity":1}]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeQuote(t *testing.T) {
	q, err := DecodeQuote([]byte(`{"mark_price":2.15,"delta":-0.12}`))
	require.NoError(t, err)
	assert.InDelta(t, 2.15, q.MarkPrice, 1e-9)
	assert.InDelta(t, -0.12, q.Delta, 1e-9)

	q, err = DecodeQuote([]byte(`3.4`))
	require.NoError(t, err)
	assert.InDelta(t, 3.4, q.MarkPrice, 1e-9)

	_, err = DecodeQuote([]byte(`{"delta":0.1}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDispatch_Fills(t *testing.T) {
	f := testFeed()
	h := &recordingHandler{}

	f.dispatch(context.Background(), "plm:fills", []byte(`{"order_ref":"ord-1","price":1.1,"quantity":1}`), h, nil)
	f.dispatch(context.Background(), "plm:fills", []byte(`garbage`), h, nil)
	f.dispatch(context.Background(), "plm:other", []byte(`{"order_ref":"ord-2","price":1.1,"quantity":1}`), h, nil)

	require.Len(t, h.events, 1)
	assert.Equal(t, "ord-1", h.events[0].OrderRef)

	h.err = errors.New("unknown transition")
	f.dispatch(context.Background(), "plm:fills", []byte(`{"order_ref":"ord-3","price":1.1,"quantity":1}`), h, nil)
	assert.Len(t, h.events, 2)
}

func openPayload(t *testing.T, ref string) []byte {
	t.Helper()
	req := OpenRequest{
		Strategy:         "strangle",
		CorrelationGroup: "equity_index",
		Legs: []OpenLeg{
			{Role: "SHORT_PUT", OrderRef: ref, Instrument: models.NewOption("SPY", expiry, models.RightPut, 550), Quantity: -1, Price: 4.2},
			{Role: "SHORT_CALL", Instrument: models.NewOption("SPY", expiry, models.RightCall, 640), Quantity: -1, Price: 3.1},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestOpener_OpensAndLinksRefs(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)
	opener := NewOpener(book, gate(false), logger)

	req, err := DecodeOpen(openPayload(t, "ord-entry-1"))
	require.NoError(t, err)
	p, err := opener.Open(req)
	require.NoError(t, err)

	put, ok := p.Leg("SHORT_PUT")
	require.True(t, ok)
	assert.Equal(t, models.LegWorking, put.Status)
	assert.Equal(t, 100, put.Multiplier)
	call, ok := p.Leg("SHORT_CALL")
	require.True(t, ok)
	assert.Equal(t, models.LegPending, call.Status)

	match, err := book.ApplyFill("ord-entry-1", 4.25, time.Now(), 1)
	require.NoError(t, err)
	assert.True(t, match.Matched)
	assert.Equal(t, p.ID, match.PositionID)
}

func TestOpener_Rejections(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)

	_, err := NewOpener(book, gate(true), logger).Open(OpenRequest{Strategy: "strangle"})
	assert.ErrorIs(t, err, ErrEntriesBlocked)

	opener := NewOpener(book, nil, logger)
	_, err = opener.Open(OpenRequest{Strategy: "strangle"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = opener.Open(OpenRequest{Strategy: "strangle", Legs: []OpenLeg{{Role: "X", Instrument: models.NewOption("SPY", expiry, models.RightPut, 550)}}})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 0, book.Len())
}

func TestDispatch_Opens(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)
	f := testFeed()

	f.dispatch(context.Background(), "plm:opens", openPayload(t, ""), &recordingHandler{}, NewOpener(book, nil, logger))
	assert.Equal(t, 1, book.Len())

	// Ignored without an opener
	f.dispatch(context.Background(), "plm:opens", openPayload(t, ""), &recordingHandler{}, nil)
	assert.Equal(t, 1, book.Len())
}

func TestNew_Defaults(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	f := New(rdb, Config{FillsChannel: "custom:fills"}, nil)
	assert.Equal(t, "custom:fills", f.config.FillsChannel)
	assert.Equal(t, DefaultConfig().PositionsKey, f.config.PositionsKey)
	assert.Equal(t, 2*time.Second, f.config.QuoteTimeout)

	assert.Panics(t, func() { New(nil, Config{}, nil) })
}

func TestFeed_Live(t *testing.T) {
	addr := os.Getenv("PLM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PLM_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	prefix := "plm-test:" + time.Now().Format("150405.000000") + ":"
	cfg := Config{
		FillsChannel: prefix + "fills",
		PositionsKey: prefix + "positions",
		MarksKey:     prefix + "marks",
		OrdersKey:    prefix + "orders",
	}
	f := New(rdb, cfg, nil)
	defer rdb.Del(ctx, cfg.PositionsKey, cfg.MarksKey, cfg.OrdersKey)

	_, err := f.GetPositionsCtx(ctx)
	assert.ErrorIs(t, err, ErrNoPositions)

	require.NoError(t, rdb.Set(ctx, cfg.PositionsKey, `[{"symbol":"SPY261218P00550000","quantity":-1}]`, 0).Err())
	items, err := f.GetPositionsCtx(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	leg, err := models.NewLeg("SHORT_PUT", models.NewOption("SPY", expiry, models.RightPut, 550), -1, 100, 4.2)
	require.NoError(t, err)
	_, err = f.Quote(leg)
	assert.ErrorIs(t, err, ErrNoMark)
	require.NoError(t, rdb.HSet(ctx, cfg.MarksKey, leg.Symbol(), `{"mark_price":2.5}`).Err())
	q, err := f.Quote(leg)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, q.MarkPrice, 1e-9)

	ack, err := f.PlaceLegOrder(ctx, broker.LegOrder{Symbol: leg.Symbol(), Side: broker.SideBuyToClose, Quantity: 1})
	require.NoError(t, err)
	queued, err := rdb.LPop(ctx, cfg.OrdersKey).Bytes()
	require.NoError(t, err)
	var out OutboundOrder
	require.NoError(t, json.Unmarshal(queued, &out))
	assert.Equal(t, ack.OrderRef, out.OrderRef)

	runCtx, cancel := context.WithCancel(ctx)
	h := &recordingHandler{}
	done := make(chan error, 1)
	go func() { done <- f.Run(runCtx, h, nil) }()
	assert.Eventually(t, func() bool {
		_ = rdb.Publish(ctx, cfg.FillsChannel, `{"order_ref":"ord-1","price":1,"quantity":1}`).Err()
		return h.count() > 0
	}, 3*time.Second, 100*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
