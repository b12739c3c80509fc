package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
)

var (
	t0     = time.Date(2026, 10, 1, 14, 30, 0, 0, time.UTC)
	expiry = time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)
)

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) PlaceOrderWithRetry(ctx context.Context, order *broker.LegOrder) (*broker.OrderAck, error) {
	args := m.Called(ctx, order)
	if ack, ok := args.Get(0).(*broker.OrderAck); ok {
		return ack, args.Error(1)
	}
	return nil, args.Error(1)
}

func symbolIs(sym string) interface{} {
	return mock.MatchedBy(func(o *broker.LegOrder) bool { return o.Symbol == sym })
}

func setup(t *testing.T) (*portfolio.Book, *models.Position) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	book := portfolio.NewBook(logger)

	mk := func(role string, right models.OptionRight, strike float64, qty int, price float64) *models.Leg {
		l, err := models.NewLeg(role, models.NewOption("SPY", expiry, right, strike), qty, 100, price)
		require.NoError(t, err)
		return l
	}
	p, err := book.Open("LT112", "equity_index",
		mk("NAKED_PUT_1", models.RightPut, 480, -2, 2.0),
		mk("DEBIT_LONG", models.RightPut, 520, 1, 6.0),
		mk("DEBIT_SHORT", models.RightPut, 510, -1, 4.0),
	)
	require.NoError(t, err)
	require.NoError(t, book.RecordFill(p.ID, "NAKED_PUT_1", 2.0, t0, 2))
	require.NoError(t, book.RecordFill(p.ID, "DEBIT_LONG", 6.0, t0, 1))
	require.NoError(t, book.RecordFill(p.ID, "DEBIT_SHORT", 4.0, t0, 1))
	p, _ = book.Position(p.ID)
	return book, p
}

func legSymbol(t *testing.T, p *models.Position, role string) string {
	t.Helper()
	l, ok := p.Leg(role)
	require.True(t, ok)
	return l.Symbol()
}

func newManager(book *portfolio.Book, sub Submitter) *Manager {
	logger, _ := test.NewNullLogger()
	return NewManager(book, sub, logger, Config{Concurrency: 2, TickSize: 0.05})
}

func TestClosePosition_AllLegsSubmitted(t *testing.T) {
	book, p := setup(t)
	sub := &MockSubmitter{}

	sub.On("PlaceOrderWithRetry", mock.Anything, symbolIs(legSymbol(t, p, "NAKED_PUT_1"))).
		Run(func(args mock.Arguments) {
			o := args.Get(1).(*broker.LegOrder)
			assert.Equal(t, broker.SideBuyToClose, o.Side)
			assert.Equal(t, 2, o.Quantity)
			assert.InDelta(t, 0.25, o.LimitPrice, 1e-9)
			assert.Equal(t, "day", o.Duration)
		}).
		Return(&broker.OrderAck{OrderRef: "close-np"}, nil).Once()
	sub.On("PlaceOrderWithRetry", mock.Anything, symbolIs(legSymbol(t, p, "DEBIT_LONG"))).
		Run(func(args mock.Arguments) {
			o := args.Get(1).(*broker.LegOrder)
			assert.Equal(t, broker.SideSellToClose, o.Side)
			assert.Zero(t, o.LimitPrice)
		}).
		Return(&broker.OrderAck{OrderRef: "close-dl"}, nil).Once()
	sub.On("PlaceOrderWithRetry", mock.Anything, symbolIs(legSymbol(t, p, "DEBIT_SHORT"))).
		Return(&broker.OrderAck{OrderRef: "close-ds"}, nil).Once()

	m := newManager(book, sub)
	res, err := m.ClosePosition(context.Background(), p.ID, models.ExitProfitTarget, map[string]float64{"NAKED_PUT_1": 0.23})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, map[string]string{"NAKED_PUT_1": "close-np", "DEBIT_LONG": "close-dl", "DEBIT_SHORT": "close-ds"}, res.Submitted)
	sub.AssertExpectations(t)

	got, _ := book.Position(p.ID)
	np, _ := got.Leg("NAKED_PUT_1")
	assert.Equal(t, "close-np", np.CloseOrderRef)
	assert.Equal(t, models.ExitProfitTarget, np.PendingExitReason)

	// the close fill resolves through the book's ref index
	match, err := book.ApplyFill("close-np", 0.25, t0.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.True(t, match.Close)
	got, _ = book.Position(p.ID)
	np, _ = got.Leg("NAKED_PUT_1")
	assert.Equal(t, models.LegClosed, np.Status)
	assert.Equal(t, models.ExitProfitTarget, np.ExitReason)
}

func TestClosePosition_FailedLegFlaggedForRetry(t *testing.T) {
	book, p := setup(t)
	sub := &MockSubmitter{}
	sub.On("PlaceOrderWithRetry", mock.Anything, symbolIs(legSymbol(t, p, "DEBIT_LONG"))).
		Return(nil, errors.New("failed to place order after 4 attempts: 503")).Once()
	sub.On("PlaceOrderWithRetry", mock.Anything, mock.Anything).
		Return(&broker.OrderAck{OrderRef: "ok"}, nil)

	m := newManager(book, sub)
	res, err := m.ClosePosition(context.Background(), p.ID, models.ExitStopLoss, nil)
	require.NoError(t, err)
	assert.False(t, res.OK())
	require.Contains(t, res.Failed, "DEBIT_LONG")
	assert.Len(t, res.Submitted, 2)

	got, _ := book.Position(p.ID)
	dl, _ := got.Leg("DEBIT_LONG")
	assert.True(t, dl.CloseRetry)
	assert.Empty(t, dl.CloseOrderRef)
	assert.Equal(t, models.LegFilled, dl.Status)
}

func TestClosePosition_MissingOrderRefIsFailure(t *testing.T) {
	book, p := setup(t)
	sub := &MockSubmitter{}
	sub.On("PlaceOrderWithRetry", mock.Anything, mock.Anything).Return(&broker.OrderAck{}, nil)

	res, err := newManager(book, sub).CloseLegs(context.Background(), p.ID, []string{"DEBIT_SHORT"}, models.ExitManual, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Failed, "DEBIT_SHORT")
}

func TestCloseLegs_SkipsLegsWithPendingClose(t *testing.T) {
	book, p := setup(t)
	require.NoError(t, book.AssignCloseOrderRef(p.ID, "DEBIT_LONG", "already", models.ExitManual))
	require.NoError(t, book.CloseComponent(p.ID, "DEBIT_SHORT", 3.0, t0.Add(time.Hour), models.ExitManual))

	sub := &MockSubmitter{}
	sub.On("PlaceOrderWithRetry", mock.Anything, mock.Anything).Return(&broker.OrderAck{OrderRef: "np"}, nil).Once()

	res, err := newManager(book, sub).ClosePosition(context.Background(), p.ID, models.ExitManual, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEBIT_LONG", "DEBIT_SHORT"}, res.Skipped)
	assert.Equal(t, map[string]string{"NAKED_PUT_1": "np"}, res.Submitted)
	sub.AssertExpectations(t)
}

func TestCloseLegs_Errors(t *testing.T) {
	book, p := setup(t)
	m := newManager(book, &MockSubmitter{})
	ctx := context.Background()

	_, err := m.ClosePosition(ctx, "nope", models.ExitManual, nil)
	assert.ErrorIs(t, err, models.ErrPositionNotFound)

	_, err = m.CloseLegs(ctx, p.ID, []string{"GHOST"}, models.ExitManual, nil)
	assert.ErrorIs(t, err, models.ErrRoleNotFound)

	_, err = m.ClosePosition(ctx, p.ID, models.ExitReason("whim"), nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRetryFlagged(t *testing.T) {
	book, p := setup(t)
	require.NoError(t, book.FlagCloseRetry(p.ID, "DEBIT_SHORT"))

	sub := &MockSubmitter{}
	sub.On("PlaceOrderWithRetry", mock.Anything, symbolIs(legSymbol(t, p, "DEBIT_SHORT"))).
		Return(&broker.OrderAck{OrderRef: "retry-ds"}, nil).Once()

	out, err := newManager(book, sub).RetryFlagged(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, p.ID)
	assert.Equal(t, map[string]string{"DEBIT_SHORT": "retry-ds"}, out[p.ID].Submitted)
	sub.AssertExpectations(t)

	got, _ := book.Position(p.ID)
	ds, _ := got.Leg("DEBIT_SHORT")
	assert.False(t, ds.CloseRetry)
	assert.Equal(t, models.ExitManual, ds.PendingExitReason)
}

func TestNewManager_Defaults(t *testing.T) {
	book, _ := setup(t)
	m := NewManager(book, &MockSubmitter{}, nil, Config{})
	assert.Equal(t, DefaultConfig.Concurrency, m.config.Concurrency)
	assert.Equal(t, "day", m.config.Duration)
	assert.Panics(t, func() { NewManager(nil, &MockSubmitter{}, nil) })
}

func TestOrderTag(t *testing.T) {
	assert.Equal(t, "plm-abcdef12-naked-put-1", orderTag("abcdef12-3456", "NAKED_PUT_1"))
	assert.Equal(t, "plm-p1-a-b", orderTag("p1", "A B"))
}
