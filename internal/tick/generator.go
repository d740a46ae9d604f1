package tick

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	"go.uber.org/zap"
)

type Appender interface {
	Append(t accrualdomain.Tick) error
}

type PolicySource interface {
	Get() config.Policy
}

// Hooks are optional callbacks. OnTick runs under the session lock and must
// not block. OnViolation runs on its own goroutine.
type Hooks struct {
	OnTick      func(s *sessiondomain.Session, t accrualdomain.Tick)
	OnViolation func(s sessiondomain.Session, err error)
}

// Generator emits one tick per full interval a session spends ACTIVE. Each
// ACTIVE segment is anchored at its start so tick k of the segment falls due
// at anchor + k*interval regardless of how late any single wakeup runs.
type Generator struct {
	registry *registry.Registry
	ledger   Appender
	clock    clock.Clock
	policy   PolicySource
	log      *zap.Logger
	metrics  *metrics.Metrics
	hooks    Hooks

	mu      sync.Mutex
	runs    map[snowflake.ID]*run
	stopped bool
}

type run struct {
	anchor   time.Time
	interval time.Duration
	emitted  uint64
	// timer is guarded by Generator.mu.
	timer    clock.Timer
}

func NewGenerator(reg *registry.Registry, ledger Appender, clk clock.Clock, policy PolicySource, log *zap.Logger, m *metrics.Metrics, hooks Hooks) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Generator{
		registry: reg,
		ledger:   ledger,
		clock:    clk,
		policy:   policy,
		log:      log.Named("tick").With(zap.String("component", "tick_generator")),
		metrics:  m,
		hooks:    hooks,
		runs:     make(map[snowflake.ID]*run),
	}
	reg.AddListener(g)
	return g
}

// OnTransition starts ticking on entry to ACTIVE and stops on exit.
func (g *Generator) OnTransition(tx *registry.Tx, tr sessiondomain.Transition) {
	switch {
	case tr.To == sessiondomain.StateActive:
		g.start(tx, tr.At)
	case tr.From == sessiondomain.StateActive:
		g.stop(tx, tr)
	}
}

// Running reports the number of sessions with a live ticker.
func (g *Generator) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

// Stop cancels every live ticker. Sessions entering ACTIVE afterwards do not
// tick.
func (g *Generator) Stop() {
	g.mu.Lock()
	runs := g.runs
	g.runs = make(map[snowflake.ID]*run)
	g.stopped = true
	g.mu.Unlock()

	for _, r := range runs {
		g.stopTimer(r)
	}
	if len(runs) > 0 {
		g.log.Info("tick generator stopped", zap.Int("sessions", len(runs)))
	}
}

func (g *Generator) start(tx *registry.Tx, at time.Time) {
	id := tx.Session().ID
	r := &run{anchor: at, interval: g.policy.Get().TickInterval}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	previous := g.runs[id]
	g.runs[id] = r
	g.mu.Unlock()

	if previous != nil {
		g.stopTimer(previous)
	}
	g.arm(id, r)
}

// stop flushes ticks that fell due before the transition instant, then
// cancels the timer. A session closed for a sequence violation is not
// flushed.
func (g *Generator) stop(tx *registry.Tx, tr sessiondomain.Transition) {
	id := tx.Session().ID

	g.mu.Lock()
	r := g.runs[id]
	delete(g.runs, id)
	g.mu.Unlock()
	if r == nil {
		return
	}
	g.stopTimer(r)
	if tr.Reason == sessiondomain.ReasonSequenceViolation {
		return
	}
	if err := g.emitDue(tx, r, tr.At); err != nil {
		snapshot := tx.Session().Clone()
		_ = tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonSequenceViolation)
		g.reportViolation(snapshot, err)
	}
}

func (g *Generator) fire(id snowflake.ID, r *run) {
	var (
		violation error
		snapshot  sessiondomain.Session
	)
	err := g.registry.Update(id, func(tx *registry.Tx) error {
		g.mu.Lock()
		current := g.runs[id]
		g.mu.Unlock()
		if current != r || tx.Session().State != sessiondomain.StateActive {
			return nil
		}
		if err := g.emitDue(tx, r, tx.Now()); err != nil {
			violation = err
			snapshot = tx.Session().Clone()
			return tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonSequenceViolation)
		}
		g.arm(id, r)
		return nil
	})
	if err != nil {
		g.log.Debug("tick for untracked session", zap.String("session_id", id.String()), zap.Error(err))
	}
	if violation != nil {
		g.reportViolation(snapshot, violation)
	}
}

func (g *Generator) emitDue(tx *registry.Tx, r *run, now time.Time) error {
	if !now.After(r.anchor) {
		return nil
	}
	due := uint64(now.Sub(r.anchor) / r.interval)
	if due <= r.emitted {
		return nil
	}
	if lag := due - r.emitted; lag > uint64(1+g.policy.Get().DriftTolerance) {
		g.log.Warn("tick catch-up exceeded drift tolerance",
			zap.String("session_id", tx.Session().ID.String()),
			zap.Uint64("ticks_behind", lag),
		)
	}

	s := tx.Session()
	for r.emitted < due {
		t := accrualdomain.Tick{
			SessionID:   s.ID,
			Index:       s.LastTickIndex + 1,
			GeneratedAt: r.anchor.Add(time.Duration(r.emitted+1) * r.interval),
		}
		if err := g.ledger.Append(t); err != nil {
			return err
		}
		s.LastTickIndex = t.Index
		r.emitted++
		tx.Touch()
		g.metrics.RecordTick(context.Background())
		if g.hooks.OnTick != nil {
			g.hooks.OnTick(s, t)
		}
	}
	return nil
}

// arm schedules the wakeup for the next tick boundary of the segment. A run
// that is no longer current is not rearmed.
func (g *Generator) arm(id snowflake.ID, r *run) {
	next := r.anchor.Add(time.Duration(r.emitted+1) * r.interval)
	d := next.Sub(g.clock.Now())
	if d < 0 {
		d = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.runs[id] != r {
		return
	}
	r.timer = g.clock.AfterFunc(d, func() { g.fire(id, r) })
}

func (g *Generator) stopTimer(r *run) {
	g.mu.Lock()
	t := r.timer
	r.timer = nil
	g.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (g *Generator) reportViolation(s sessiondomain.Session, err error) {
	g.metrics.RecordSequenceViolation(context.Background())
	g.log.Error("tick sequence violation, session force-closed",
		zap.String("session_id", s.ID.String()),
		zap.String("viewer_id", s.ViewerID),
		zap.String("creator_id", s.CreatorID),
		zap.Error(err),
	)
	if g.hooks.OnViolation != nil {
		go g.hooks.OnViolation(s, err)
	}
}
