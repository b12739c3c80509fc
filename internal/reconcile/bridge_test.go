package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	expiry = time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
)

type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) GetPositionsCtx(ctx context.Context) ([]broker.PositionItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]broker.PositionItem)
	return items, args.Error(1)
}

type fixture struct {
	book   *portfolio.Book
	bridge *Bridge
	hook   *logtest.Hook
	pos    *models.Position
}

func newFixture(t *testing.T, querier broker.PositionQuerier, cfg Config) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	book := portfolio.NewBook(logger)

	naked, err := models.NewLeg("NAKED_PUT_1", models.NewOption("SPY", expiry, models.RightPut, 480), -2, 100, 2.0)
	require.NoError(t, err)
	long, err := models.NewLeg("DEBIT_LONG", models.NewOption("SPY", expiry, models.RightPut, 520), 1, 100, 6.0)
	require.NoError(t, err)
	p, err := book.Open("LT112", "equity_index", naked, long)
	require.NoError(t, err)
	require.NoError(t, book.AssignOrderRef(p.ID, "NAKED_PUT_1", "ord-naked"))
	require.NoError(t, book.AssignOrderRef(p.ID, "DEBIT_LONG", "ord-long"))

	bridge := NewBridge(book, querier, logger, cfg)
	bridge.now = func() time.Time { return now }
	return &fixture{book: book, bridge: bridge, hook: hook, pos: p}
}

func (f *fixture) fillAll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "ord-naked", Price: 2.0, Quantity: 2, Time: now}))
	require.NoError(t, f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "ord-long", Price: 6.0, Quantity: 1, Time: now}))
}

func (f *fixture) leg(t *testing.T, role string) *models.Leg {
	t.Helper()
	p, ok := f.book.Position(f.pos.ID)
	require.True(t, ok)
	l, ok := p.Leg(role)
	require.True(t, ok)
	return l
}

func noAutoReconcile() Config {
	cfg := DefaultConfig()
	cfg.ReconcileAfterFill = false
	cfg.MaxSuspectAge = 0
	return cfg
}

func matchingBroker() []broker.PositionItem {
	return []broker.PositionItem{
		{Symbol: "SPY261218P00480000", Quantity: -2},
		{Symbol: "SPY261218P00520000", Quantity: 1},
	}
}

func TestOnFillEvent_UnknownRefIgnored(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	before := f.book.Positions()

	err := f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "manual-123", Price: 1, Quantity: 1, Symbol: "QQQ"})
	require.NoError(t, err)

	assert.Equal(t, before, f.book.Positions())
	last := f.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.InfoLevel, last.Level)
	assert.Equal(t, "manual-123", last.Data["order_ref"])
}

func TestOnFillEvent_DuplicateFillRejected(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)

	err := f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "ord-naked", Price: 2.0, Quantity: 2, Time: now})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.Equal(t, -2, f.leg(t, "NAKED_PUT_1").FilledQuantity)
}

func TestOnFillEvent_CloseRef(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	require.NoError(t, f.book.AssignCloseOrderRef(f.pos.ID, "NAKED_PUT_1", "close-naked", models.ExitProfitTarget))

	require.NoError(t, f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "close-naked", Price: 0.2, Quantity: 2, Time: now}))

	l := f.leg(t, "NAKED_PUT_1")
	assert.Equal(t, models.LegClosed, l.Status)
	assert.Equal(t, models.ExitProfitTarget, l.ExitReason)
	p, _ := f.book.Position(f.pos.ID)
	assert.Equal(t, models.StatusPartiallyClosed, p.Status())
}

func TestReconcile_InSync(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)

	rec := f.bridge.Reconcile(matchingBroker())
	assert.Empty(t, rec.Discrepancies)
	assert.Equal(t, []Action{ActionNone}, rec.Actions)
	assert.Equal(t, 2, rec.TrackedLegs)
	assert.False(t, f.bridge.BlockNewEntries())
}

func TestReconcile_MissingLegEscalatesToOrphan(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	naked := f.leg(t, "NAKED_PUT_1")
	onlyLong := []broker.PositionItem{{Symbol: "SPY261218P00520000", Quantity: 1}}

	for pass := 1; pass <= 3; pass++ {
		rec := f.bridge.Reconcile(onlyLong)
		require.Len(t, rec.Discrepancies, 1)
		d := rec.Discrepancies[0]
		assert.Equal(t, KindMissing, d.Kind)
		assert.Equal(t, -200.0, d.ExpectedUnits)
		assert.Equal(t, 0.0, d.BrokerUnits)
		assert.Equal(t, StateSuspect, f.bridge.LegState(naked.ID))
		assert.Equal(t, models.LegFilled, f.leg(t, "NAKED_PUT_1").Status)
		assert.False(t, f.bridge.BlockNewEntries(), "suspect alone must not block entries")
	}
	require.Len(t, f.bridge.SuspectLegs(), 1)
	assert.Equal(t, 3, f.bridge.SuspectLegs()[0].Passes)

	rec := f.bridge.Reconcile(onlyLong)
	assert.True(t, rec.HasAction(ActionFlaggedOrphan))
	assert.True(t, rec.HasAction(ActionBlockedNewEntries))
	assert.Equal(t, models.LegOrphaned, f.leg(t, "NAKED_PUT_1").Status)
	assert.Equal(t, StateOrphaned, f.bridge.LegState(naked.ID))
	assert.True(t, f.bridge.BlockNewEntries())

	p, _ := f.book.Position(f.pos.ID)
	assert.Equal(t, models.StatusOrphaned, p.Status())

	var blockedLogged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "NEW ENTRIES BLOCKED: broker state unreconciled" {
			blockedLogged = true
		}
	}
	assert.True(t, blockedLogged)

	// Operator flattens the leg; the block lifts on the next pass.
	require.NoError(t, f.book.ResolveOrphan(f.pos.ID, "NAKED_PUT_1", 0.5, now))
	f.bridge.Reconcile(onlyLong)
	assert.False(t, f.bridge.BlockNewEntries())
}

func TestReconcile_SuspectResolvesWithinWindow(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	naked := f.leg(t, "NAKED_PUT_1")

	f.bridge.Reconcile([]broker.PositionItem{{Symbol: "SPY261218P00480000", Quantity: -1}, {Symbol: "SPY261218P00520000", Quantity: 1}})
	assert.Equal(t, StateSuspect, f.bridge.LegState(naked.ID))
	last, ok := f.bridge.LastRecord()
	require.True(t, ok)
	assert.Equal(t, KindQuantityMismatch, last.Discrepancies[0].Kind)

	f.bridge.Reconcile(matchingBroker())
	assert.Equal(t, StateInSync, f.bridge.LegState(naked.ID))
	assert.Empty(t, f.bridge.SuspectLegs())
}

func TestReconcile_AgeWindow(t *testing.T) {
	cfg := noAutoReconcile()
	cfg.MaxSuspectPasses = 0
	cfg.MaxSuspectAge = time.Hour
	f := newFixture(t, nil, cfg)
	f.fillAll(t)

	f.bridge.Reconcile(nil)
	assert.Equal(t, models.LegFilled, f.leg(t, "NAKED_PUT_1").Status)

	f.bridge.now = func() time.Time { return now.Add(2 * time.Hour) }
	f.bridge.Reconcile(nil)
	assert.Equal(t, models.LegOrphaned, f.leg(t, "NAKED_PUT_1").Status)
	assert.Equal(t, models.LegOrphaned, f.leg(t, "DEBIT_LONG").Status)
}

func TestReconcile_UnexplainedPositionNotAdopted(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)

	items := append(matchingBroker(), broker.PositionItem{Symbol: "QQQ261218C00500000", Quantity: 3})
	rec := f.bridge.Reconcile(items)

	require.Len(t, rec.Discrepancies, 1)
	assert.Equal(t, KindUnexplained, rec.Discrepancies[0].Kind)
	assert.True(t, rec.HasAction(ActionBlockedNewEntries))
	assert.True(t, f.bridge.BlockNewEntries())
	assert.Len(t, f.book.Positions(), 1)

	f.bridge.Reconcile(matchingBroker())
	assert.False(t, f.bridge.BlockNewEntries())
}

func TestReconcile_ExpiredLegCorrected(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	f.bridge.now = func() time.Time { return expiry.Add(48 * time.Hour) }

	rec := f.bridge.Reconcile(nil)
	assert.True(t, rec.HasAction(ActionCorrectedLocalState))
	assert.False(t, rec.HasAction(ActionFlaggedOrphan))

	naked := f.leg(t, "NAKED_PUT_1")
	assert.Equal(t, models.LegExpired, naked.Status)
	require.NotNil(t, naked.ExitPrice)
	assert.Equal(t, 0.0, *naked.ExitPrice)

	p, _ := f.book.Position(f.pos.ID)
	assert.Equal(t, models.StatusClosed, p.Status())
}

func TestReconcileNow_FetchFailureBlocks(t *testing.T) {
	q := new(MockQuerier)
	q.On("GetPositionsCtx", mock.Anything).Return(nil, errors.New("gateway timeout")).Once()
	q.On("GetPositionsCtx", mock.Anything).Return(matchingBroker(), nil)

	f := newFixture(t, q, noAutoReconcile())
	f.fillAll(t)

	rec, err := f.bridge.ReconcileNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, "gateway timeout", rec.FetchError)
	assert.True(t, f.bridge.BlockNewEntries())

	_, err = f.bridge.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.False(t, f.bridge.BlockNewEntries())
	assert.Len(t, f.bridge.Records(), 2)
	q.AssertExpectations(t)
}

func TestOnFillEvent_TriggersReconciliation(t *testing.T) {
	q := new(MockQuerier)
	q.On("GetPositionsCtx", mock.Anything).Return(matchingBroker(), nil)
	cfg := noAutoReconcile()
	cfg.ReconcileAfterFill = true

	f := newFixture(t, q, cfg)
	f.fillAll(t)

	q.AssertNumberOfCalls(t, "GetPositionsCtx", 2)
	assert.Len(t, f.bridge.Records(), 2)
}

func TestRecordsRingIsBounded(t *testing.T) {
	cfg := noAutoReconcile()
	cfg.RecordCapacity = 5
	f := newFixture(t, nil, cfg)
	f.fillAll(t)

	for i := 0; i < 12; i++ {
		f.bridge.Reconcile(matchingBroker())
	}
	recs := f.bridge.Records()
	require.Len(t, recs, 5)
	assert.Equal(t, uint64(8), recs[0].Pass)
	assert.Equal(t, uint64(12), recs[4].Pass)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.MaxSuspectPasses, cfg.MaxSuspectAge = 0, 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.RecordCapacity = 0
	assert.Error(t, cfg.Validate())
}

// openWorking opens a position of n single-contract short puts, all WORKING.
func openWorking(t *testing.T, book *portfolio.Book, n int) (*models.Position, []broker.PositionItem) {
	t.Helper()
	legs := make([]*models.Leg, 0, n)
	items := make([]broker.PositionItem, 0, n)
	for i := 0; i < n; i++ {
		inst := models.NewOption("QQQ", expiry, models.RightPut, float64(400+10*i))
		l, err := models.NewLeg(fmt.Sprintf("R%d", i), inst, -1, 100, 1.0)
		require.NoError(t, err)
		legs = append(legs, l)
		items = append(items, broker.PositionItem{Symbol: inst.Symbol(), Quantity: -1, Multiplier: 100})
	}
	p, err := book.Open("BURST", "", legs...)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, book.AssignOrderRef(p.ID, fmt.Sprintf("R%d", i), fmt.Sprintf("burst-%d", i)))
	}
	return p, items
}

func TestOnFillEvent_BurstConvergesWithBrokerAhead(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)
	p, items := openWorking(t, book, 5)

	q := new(MockQuerier)
	q.On("GetPositionsCtx", mock.Anything).Return(items, nil)
	bridge := NewBridge(book, q, logger, DefaultConfig())
	bridge.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		err := bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: fmt.Sprintf("burst-%d", i), Price: 1.0, Quantity: 1, Time: now})
		require.NoError(t, err, "fill %d", i)
		assert.False(t, bridge.BlockNewEntries(), "fill %d", i)
	}

	got, ok := book.Position(p.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, got.Status())
	for _, l := range got.Legs {
		assert.Equal(t, models.LegFilled, l.Status, l.Role)
		assert.Equal(t, StateInSync, bridge.LegState(l.ID), l.Role)
	}
	assert.Empty(t, bridge.SuspectLegs())
	q.AssertNumberOfCalls(t, "GetPositionsCtx", 5)
}

func TestReconcile_BrokerAheadNeverEscalates(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)
	p, items := openWorking(t, book, 2)
	bridge := NewBridge(book, nil, logger, noAutoReconcile())
	bridge.now = func() time.Time { return now }

	for pass := 0; pass < 10; pass++ {
		rec := bridge.Reconcile(items)
		require.Len(t, rec.Discrepancies, 2)
		assert.Equal(t, KindAwaitingFill, rec.Discrepancies[0].Kind)
		assert.False(t, rec.HasAction(ActionFlaggedOrphan))
	}
	suspects := bridge.SuspectLegs()
	require.Len(t, suspects, 2)
	assert.True(t, suspects[0].AwaitingFill)
	assert.Equal(t, 0, suspects[0].Passes)
	assert.False(t, bridge.BlockNewEntries())

	_, err := book.ApplyFill("burst-0", 1.0, now, 1)
	require.NoError(t, err)
	_, err = book.ApplyFill("burst-1", 1.0, now, 1)
	require.NoError(t, err)
	rec := bridge.Reconcile(items)
	assert.Empty(t, rec.Discrepancies)
	got, _ := book.Position(p.ID)
	assert.Equal(t, models.StatusOpen, got.Status())
}

func TestReconcile_CloseInFlightNotOrphaned(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	require.NoError(t, f.book.AssignCloseOrderRef(f.pos.ID, "NAKED_PUT_1", "close-naked", models.ExitProfitTarget))
	onlyLong := []broker.PositionItem{{Symbol: "SPY261218P00520000", Quantity: 1}}

	for pass := 0; pass < 6; pass++ {
		rec := f.bridge.Reconcile(onlyLong)
		require.Len(t, rec.Discrepancies, 1)
		assert.Equal(t, KindAwaitingFill, rec.Discrepancies[0].Kind)
	}
	assert.Equal(t, models.LegFilled, f.leg(t, "NAKED_PUT_1").Status)

	require.NoError(t, f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: "close-naked", Price: 0.2, Quantity: 2, Time: now}))
	rec := f.bridge.Reconcile(onlyLong)
	assert.Empty(t, rec.Discrepancies)
	assert.Equal(t, models.LegClosed, f.leg(t, "NAKED_PUT_1").Status)
}

func TestReconcile_PostFillPassesDoNotCount(t *testing.T) {
	onlyLong := []broker.PositionItem{{Symbol: "SPY261218P00520000", Quantity: 1}}
	q := new(MockQuerier)
	q.On("GetPositionsCtx", mock.Anything).Return(onlyLong, nil)
	cfg := noAutoReconcile()
	cfg.ReconcileAfterFill = true
	f := newFixture(t, q, cfg)
	f.fillAll(t)

	_, items := openWorking(t, f.book, 5)
	q.ExpectedCalls = nil
	q.On("GetPositionsCtx", mock.Anything).Return(append(onlyLong, items...), nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.bridge.OnFillEvent(context.Background(), broker.FillEvent{OrderRef: fmt.Sprintf("burst-%d", i), Price: 1.0, Quantity: 1, Time: now}))
	}

	assert.Equal(t, models.LegFilled, f.leg(t, "NAKED_PUT_1").Status)
	suspects := f.bridge.SuspectLegs()
	require.Len(t, suspects, 1)
	assert.Equal(t, 0, suspects[0].Passes)
}

func TestReconcile_SurplusAtBrokerBlocks(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)
	naked := f.leg(t, "NAKED_PUT_1")

	for pass := 0; pass < 5; pass++ {
		rec := f.bridge.Reconcile([]broker.PositionItem{{Symbol: "SPY261218P00480000", Quantity: -3}, {Symbol: "SPY261218P00520000", Quantity: 1}})
		require.Len(t, rec.Discrepancies, 1)
		assert.Equal(t, KindQuantityMismatch, rec.Discrepancies[0].Kind)
		assert.Equal(t, -3.0, rec.Discrepancies[0].BrokerQuantity)
		assert.True(t, rec.HasAction(ActionBlockedNewEntries))
	}
	assert.Equal(t, models.LegFilled, f.leg(t, "NAKED_PUT_1").Status)
	assert.Equal(t, StateSuspect, f.bridge.LegState(naked.ID))
	assert.True(t, f.bridge.BlockNewEntries())
}

func TestReconcile_UnexplainedUnits(t *testing.T) {
	f := newFixture(t, nil, noAutoReconcile())
	f.fillAll(t)

	rec := f.bridge.Reconcile(append(matchingBroker(),
		broker.PositionItem{Symbol: "QQQ261218C00500000", Quantity: 3},
		broker.PositionItem{Symbol: "IWM261218C00200000", Quantity: -2, Multiplier: 100},
	))
	require.Len(t, rec.Discrepancies, 2)
	iwm, qqq := rec.Discrepancies[0], rec.Discrepancies[1]
	assert.Equal(t, -2.0, iwm.BrokerQuantity)
	assert.Equal(t, -200.0, iwm.BrokerUnits)
	assert.Equal(t, 3.0, qqq.BrokerQuantity)
	assert.Equal(t, 0.0, qqq.BrokerUnits)
}

func TestReconcile_ObserversRunOutsideBridgeLock(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	book := portfolio.NewBook(logger)
	cfg := noAutoReconcile()
	cfg.MaxSuspectPasses = 1
	bridge := NewBridge(book, nil, logger, cfg)
	bridge.now = func() time.Time { return now }

	var blockedSeen bool
	book.Subscribe(portfolio.ObserverFunc(func(e portfolio.Event) {
		if e.Type == portfolio.EventOrphaned {
			blockedSeen = bridge.BlockNewEntries()
			_ = bridge.Records()
		}
	}))
	p, _ := openWorking(t, book, 1)
	_, err := book.ApplyFill("burst-0", 1.0, now, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge.Reconcile(nil)
		bridge.Reconcile(nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciliation deadlocked while notifying observers")
	}
	got, _ := book.Position(p.ID)
	assert.Equal(t, models.StatusOrphaned, got.Status())
	assert.True(t, blockedSeen)
}
