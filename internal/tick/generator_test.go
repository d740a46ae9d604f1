package tick

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/accrual"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	"github.com/stretchr/testify/require"
)

// frozenClock never fires timers, modelling a wakeup that runs arbitrarily late.
type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) AfterFunc(time.Duration, func()) clock.Timer { return noopTimer{} }

func (c *frozenClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	registry  *registry.Registry
	ledger    *accrual.Ledger
	generator *Generator
}

func newFixture(t *testing.T, clk clock.Clock, appender Appender, hooks Hooks) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	reg := registry.New(clk, node)
	ledger := accrual.NewLedger(nil)
	if appender == nil {
		appender = ledger
	}
	reg.AddListener(trackingListener{ledger: ledger})
	gen := NewGenerator(reg, appender, clk, config.NewStaticPolicyHolder(config.DefaultPolicy()), nil, nil, hooks)
	return &fixture{registry: reg, ledger: ledger, generator: gen}
}

type trackingListener struct{ ledger *accrual.Ledger }

func (l trackingListener) OnTransition(tx *registry.Tx, tr sessiondomain.Transition) {
	if tr.To == sessiondomain.StatePending {
		l.ledger.Track(tx.Session().ID, 0, 0, nil)
	}
}

func (f *fixture) open(t *testing.T) snowflake.ID {
	t.Helper()
	key, err := sessiondomain.NewKey("alice", "bob")
	require.NoError(t, err)
	s, err := f.registry.Open(key, nil)
	require.NoError(t, err)
	return s.ID
}

func (f *fixture) transition(t *testing.T, id snowflake.ID, to sessiondomain.State, reason sessiondomain.CloseReason) {
	t.Helper()
	require.NoError(t, f.registry.Update(id, func(tx *registry.Tx) error {
		return tx.Transition(to, reason)
	}))
}

func (f *fixture) lastTick(t *testing.T, id snowflake.ID) uint64 {
	t.Helper()
	s, ok := f.registry.Get(id)
	require.True(t, ok)
	return s.LastTickIndex
}

func TestDisconnectMidIntervalBillsWholeSecondsOnly(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clk, nil, Hooks{})
	id := f.open(t)

	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.Advance(5400 * time.Millisecond)
	require.Equal(t, uint64(5), f.lastTick(t, id))

	f.transition(t, id, sessiondomain.StateGrace, sessiondomain.ReasonDisconnected)
	clk.Advance(10 * time.Second)
	require.Equal(t, uint64(5), f.lastTick(t, id))
	require.Equal(t, 0, f.generator.Running())
	require.Equal(t, 0, clk.PendingTimers())
}

func TestStopFlushesTicksDueBeforeTransition(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := &frozenClock{now: start}
	f := newFixture(t, clk, nil, Hooks{})
	id := f.open(t)

	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.set(start.Add(3500 * time.Millisecond))
	f.transition(t, id, sessiondomain.StateGrace, sessiondomain.ReasonDisconnected)

	require.Equal(t, uint64(3), f.lastTick(t, id))
	tail, err := f.ledger.Tail(id)
	require.NoError(t, err)
	require.Len(t, tail.Ticks, 3)
	for i, tk := range tail.Ticks {
		require.Equal(t, uint64(i+1), tk.Index)
		require.True(t, tk.GeneratedAt.Equal(start.Add(time.Duration(i+1)*time.Second)))
	}
}

func TestReconnectContinuesDenseSequence(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clk, nil, Hooks{})
	id := f.open(t)

	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.Advance(2500 * time.Millisecond)
	f.transition(t, id, sessiondomain.StateGrace, sessiondomain.ReasonDisconnected)
	clk.Advance(10 * time.Second)
	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonReconnected)
	clk.Advance(3 * time.Second)

	require.Equal(t, uint64(5), f.lastTick(t, id))
	tail, err := f.ledger.Tail(id)
	require.NoError(t, err)
	for i, tk := range tail.Ticks {
		require.Equal(t, uint64(i+1), tk.Index)
	}
}

func TestNoTicksWhilePending(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clk, nil, Hooks{})
	id := f.open(t)

	clk.Advance(30 * time.Second)
	require.Equal(t, uint64(0), f.lastTick(t, id))
}

type failingAppender struct {
	inner  Appender
	failAt uint64
}

func (a failingAppender) Append(t accrualdomain.Tick) error {
	if t.Index == a.failAt {
		return &accrualdomain.SequenceViolationError{SessionID: t.SessionID, Expected: t.Index + 1, Got: t.Index}
	}
	return a.inner.Append(t)
}

func TestSequenceViolationForceClosesSession(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	violations := make(chan error, 1)
	var f *fixture
	hooks := Hooks{OnViolation: func(_ sessiondomain.Session, err error) { violations <- err }}

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	reg := registry.New(clk, node)
	ledger := accrual.NewLedger(nil)
	reg.AddListener(trackingListener{ledger: ledger})
	gen := NewGenerator(reg, failingAppender{inner: ledger, failAt: 3}, clk, config.NewStaticPolicyHolder(config.DefaultPolicy()), nil, nil, hooks)
	f = &fixture{registry: reg, ledger: ledger, generator: gen}

	id := f.open(t)
	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.Advance(5 * time.Second)

	s, ok := f.registry.Get(id)
	require.True(t, ok)
	require.Equal(t, sessiondomain.StateClosed, s.State)
	require.Equal(t, sessiondomain.ReasonSequenceViolation, s.CloseReason)
	require.Equal(t, uint64(2), s.LastTickIndex)

	select {
	case err := <-violations:
		require.ErrorIs(t, err, accrualdomain.ErrSequenceViolation)
	case <-time.After(time.Second):
		t.Fatalf("expected violation hook to run")
	}
	require.Equal(t, 0, f.generator.Running())
}

func TestOnTickHookSeesEveryTick(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	var seen []uint64
	f := newFixture(t, clk, nil, Hooks{OnTick: func(_ *sessiondomain.Session, tk accrualdomain.Tick) {
		seen = append(seen, tk.Index)
	}})
	id := f.open(t)

	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.Advance(3 * time.Second)
	f.transition(t, id, sessiondomain.StateClosed, sessiondomain.ReasonEnded)

	require.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestStopCancelsLiveTickers(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clk, nil, Hooks{})
	id := f.open(t)

	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonConnected)
	clk.Advance(2 * time.Second)
	require.Equal(t, 1, f.generator.Running())

	f.generator.Stop()
	require.Equal(t, 0, f.generator.Running())
	require.Equal(t, 0, clk.PendingTimers())

	clk.Advance(5 * time.Second)
	require.Equal(t, uint64(2), f.lastTick(t, id))

	f.transition(t, id, sessiondomain.StateGrace, sessiondomain.ReasonDisconnected)
	f.transition(t, id, sessiondomain.StateActive, sessiondomain.ReasonReconnected)
	clk.Advance(3 * time.Second)
	require.Equal(t, uint64(2), f.lastTick(t, id))
	require.Equal(t, 0, f.generator.Running())
}

