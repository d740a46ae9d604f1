package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/accrual"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/journal"
	"github.com/smallbiznis/vilokanam/internal/liveevents"
	"github.com/smallbiznis/vilokanam/internal/observability/logger"
	"github.com/smallbiznis/vilokanam/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	"github.com/smallbiznis/vilokanam/internal/tick"
	"go.uber.org/zap"
)

// ErrStaleSignal is returned for a presence signal that no longer applies:
// the pair has no open session, or a connected signal predates the last
// applied disconnect.
var ErrStaleSignal = errors.New("stale_signal")

// Store is the durable side of the coordinator.
type Store interface {
	Load(ctx context.Context) (journal.State, error)
	RecordArchived(sessionID snowflake.ID, at time.Time)
	// DurableIndex is the highest tick index of the session on disk.
	DurableIndex(sessionID snowflake.ID) uint64
}

type PolicySource interface {
	Get() config.Policy
}

type Params struct {
	Registry *registry.Registry
	Ledger   *accrual.Ledger
	Store    Store
	Hub      *liveevents.Hub
	Alerter  alert.Alerter
	Policy   PolicySource
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

// Coordinator drives session lifecycles from presence signals. It owns the
// grace timers and is the only writer of settlement progress on a session.
type Coordinator struct {
	registry  *registry.Registry
	ledger    *accrual.Ledger
	generator *tick.Generator
	store     Store
	hub       *liveevents.Hub
	alerter   alert.Alerter
	policy    PolicySource
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	graces map[snowflake.ID]*graceTimer
}

type graceTimer struct {
	epoch uint64
	timer clock.Timer
}

// CreatorTicks aggregates the live sessions of one creator.
type CreatorTicks struct {
	CreatorID      string `json:"creator_id"`
	LiveSessions   int    `json:"live_sessions"`
	AccruedTicks   uint64 `json:"accrued_ticks"`
	ConfirmedTicks uint64 `json:"confirmed_ticks"`
}

func New(p Params) *Coordinator {
	if p.Alerter == nil {
		p.Alerter = alert.NoopAlerter{}
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	c := &Coordinator{
		registry: p.Registry,
		ledger:   p.Ledger,
		store:    p.Store,
		hub:      p.Hub,
		alerter:  p.Alerter,
		policy:   p.Policy,
		clock:    p.Clock,
		log:      p.Log.Named("coordinator").With(zap.String("component", "session_coordinator")),
		metrics:  p.Metrics,
		graces:   make(map[snowflake.ID]*graceTimer),
	}
	c.generator = tick.NewGenerator(p.Registry, p.Ledger, p.Clock, p.Policy, p.Log, p.Metrics, tick.Hooks{
		OnTick:      c.onTick,
		OnViolation: c.onViolation,
	})
	p.Registry.AddListener(c)
	return c
}

// Open starts metering the pair. An already open session is returned as is.
func (c *Coordinator) Open(ctx context.Context, viewerID, creatorID string, metadata map[string]any) (sessiondomain.Snapshot, error) {
	key, err := sessiondomain.NewKey(viewerID, creatorID)
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}
	s, err := c.registry.Open(key, metadata)
	switch {
	case errors.Is(err, sessiondomain.ErrAlreadyActive):
		return s.Snapshot(), nil
	case err != nil:
		return sessiondomain.Snapshot{}, err
	}
	c.sessionLog(ctx, &s).Info("session opened")
	return s.Snapshot(), nil
}

// End closes the pair's session. Ending a closed session is a no-op.
func (c *Coordinator) End(ctx context.Context, viewerID, creatorID string) (sessiondomain.Snapshot, error) {
	key, err := sessiondomain.NewKey(viewerID, creatorID)
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}
	var snapshot sessiondomain.Snapshot
	err = c.registry.UpdateByKey(key, func(tx *registry.Tx) error {
		s := tx.Session()
		if s.State.Open() {
			if err := tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonEnded); err != nil {
				return err
			}
			c.sessionLog(ctx, s).Info("session ended", zap.Uint64("elapsed_ticks", s.LastTickIndex))
		}
		snapshot = s.Snapshot()
		return nil
	})
	return snapshot, err
}

const (
	signalConnected    = "connected"
	signalDisconnected = "disconnected"
)

// Connected applies a transport-up signal. A zero observedAt, or one in the
// future, means now.
func (c *Coordinator) Connected(ctx context.Context, viewerID, creatorID string, observedAt time.Time) (sessiondomain.Snapshot, error) {
	return c.signal(ctx, signalConnected, viewerID, creatorID, observedAt, func(tx *registry.Tx) error {
		s := tx.Session()
		switch s.State {
		case sessiondomain.StatePending:
			return tx.Transition(sessiondomain.StateActive, sessiondomain.ReasonConnected)
		case sessiondomain.StateGrace:
			if s.GraceDeadline == nil || tx.Now().Before(*s.GraceDeadline) {
				return tx.Transition(sessiondomain.StateActive, sessiondomain.ReasonReconnected)
			}
			return tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonGraceExpired)
		}
		return nil
	})
}

// Disconnected applies a transport-down signal. Ticks stop at once and the
// session waits out the grace period for a reconnect. A disconnect is never
// stale while the session is open.
func (c *Coordinator) Disconnected(ctx context.Context, viewerID, creatorID string, observedAt time.Time) (sessiondomain.Snapshot, error) {
	return c.signal(ctx, signalDisconnected, viewerID, creatorID, observedAt, func(tx *registry.Tx) error {
		s := tx.Session()
		if s.State != sessiondomain.StateActive {
			return nil
		}
		deadline := tx.Now().Add(c.policy.Get().GracePeriod)
		s.GraceDeadline = &deadline
		return tx.Transition(sessiondomain.StateGrace, sessiondomain.ReasonDisconnected)
	})
}

func (c *Coordinator) signal(
	ctx context.Context,
	kind, viewerID, creatorID string,
	observedAt time.Time,
	apply func(tx *registry.Tx) error,
) (sessiondomain.Snapshot, error) {
	key, err := sessiondomain.NewKey(viewerID, creatorID)
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}

	var (
		snapshot sessiondomain.Snapshot
		stale    bool
	)
	err = c.registry.UpdateByKey(key, func(tx *registry.Tx) error {
		s := tx.Session()
		at := observedAt
		if now := tx.Now(); at.IsZero() || at.After(now) {
			at = now
		}
		if !s.State.Open() || (kind == signalConnected && s.LastDisconnectAt != nil && at.Before(*s.LastDisconnectAt)) {
			stale = true
			snapshot = s.Snapshot()
			return nil
		}
		if kind == signalDisconnected && s.State != sessiondomain.StatePending &&
			(s.LastDisconnectAt == nil || at.After(*s.LastDisconnectAt)) {
			s.LastDisconnectAt = &at
		}
		tx.Touch()
		err := apply(tx)
		snapshot = s.Snapshot()
		return err
	})
	if errors.Is(err, sessiondomain.ErrSessionNotFound) {
		stale, err = true, nil
	}
	if err != nil {
		return snapshot, err
	}

	log := logger.WithContext(ctx, c.log).With(
		zap.String("signal", kind),
		zap.String("viewer_id", key.ViewerID),
		zap.String("creator_id", key.CreatorID),
	)
	if stale {
		log.Info("stale signal ignored", zap.String("state", string(snapshot.State)))
		return snapshot, ErrStaleSignal
	}
	log.Debug("signal applied", zap.String("session_id", snapshot.SessionID), zap.String("state", string(snapshot.State)))
	return snapshot, nil
}

// QuerySession returns the most recent session of the pair.
func (c *Coordinator) QuerySession(viewerID, creatorID string) (sessiondomain.Snapshot, error) {
	key, err := sessiondomain.NewKey(viewerID, creatorID)
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}
	s, ok := c.registry.Lookup(key)
	if !ok {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// Sessions lists tracked sessions ordered by ID. An empty creatorID lists all.
func (c *Coordinator) Sessions(creatorID string) []sessiondomain.Snapshot {
	sessions := c.registry.List()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	out := make([]sessiondomain.Snapshot, 0, len(sessions))
	for i := range sessions {
		if creatorID != "" && sessions[i].CreatorID != creatorID {
			continue
		}
		out = append(out, sessions[i].Snapshot())
	}
	return out
}

// CreatorTickCount sums accrued and confirmed ticks across the creator's
// tracked sessions.
func (c *Coordinator) CreatorTickCount(creatorID string) CreatorTicks {
	out := CreatorTicks{CreatorID: creatorID}
	for _, s := range c.registry.List() {
		if s.CreatorID != creatorID {
			continue
		}
		if s.State.Open() {
			out.LiveSessions++
		}
		out.AccruedTicks += s.LastTickIndex
		out.ConfirmedTicks += s.LastConfirmedIndex
	}
	return out
}

// Backlog lists sessions owing ticks to the ledger. Each one is checked
// against its ledger tail under the session lock, and a session whose tail
// disagrees is reported instead of listed. With a store, LastTickIndex is
// capped at the durable index so only journaled ticks are settled.
func (c *Coordinator) Backlog() []sessiondomain.Session {
	var (
		out          []sessiondomain.Session
		inconsistent []sessiondomain.Session
	)
	for _, candidate := range c.registry.List() {
		if candidate.PendingTicks() == 0 {
			continue
		}
		_ = c.registry.Update(candidate.ID, func(tx *registry.Tx) error {
			s := tx.Session()
			if s.PendingTicks() == 0 {
				return nil
			}
			tail, err := c.ledger.Tail(s.ID)
			if err != nil || !tailMatches(s, tail) {
				inconsistent = append(inconsistent, s.Clone())
				return nil
			}
			due := s.Clone()
			if c.store != nil {
				if durable := c.store.DurableIndex(s.ID); durable < due.LastTickIndex {
					due.LastTickIndex = durable
				}
				if due.PendingTicks() == 0 {
					return nil
				}
			}
			out = append(out, due)
			return nil
		})
	}
	for i := range inconsistent {
		c.reportInconsistent(context.Background(), inconsistent[i], "ledger tail does not match session counters")
	}
	return out
}

func tailMatches(s *sessiondomain.Session, tail accrualdomain.Tail) bool {
	if tail.Confirmed != s.LastConfirmedIndex || tail.Last != s.LastTickIndex {
		return false
	}
	if uint64(len(tail.Ticks)) != tail.Pending() {
		return false
	}
	for i, t := range tail.Ticks {
		if t.Index != tail.Confirmed+uint64(i)+1 {
			return false
		}
	}
	return true
}

// Confirm advances the session's confirmed index to index. An index beyond
// the session's last tick is clamped and alerted.
func (c *Coordinator) Confirm(ctx context.Context, sessionID snowflake.ID, index uint64) error {
	var (
		ahead    bool
		snapshot sessiondomain.Session
	)
	err := c.registry.Update(sessionID, func(tx *registry.Tx) error {
		s := tx.Session()
		target := index
		if target > s.LastTickIndex {
			ahead = true
			target = s.LastTickIndex
			snapshot = s.Clone()
		}
		confirmed, err := c.ledger.Confirm(s.ID, target)
		if err != nil {
			return fmt.Errorf("confirm %d through %d: %w", s.ID, target, err)
		}
		if confirmed <= s.LastConfirmedIndex {
			return nil
		}
		s.LastConfirmedIndex = confirmed
		tx.Touch()
		c.publish(s, liveevents.TypeSettlementCommitted, "", tx.Now())
		return nil
	})
	if ahead {
		c.reportInconsistent(ctx, snapshot, fmt.Sprintf("ledger confirmed tick %d beyond last tick %d", index, snapshot.LastTickIndex))
	}
	return err
}

// MarkUnsettled flags the session as carrying a balance the ledger refused.
func (c *Coordinator) MarkUnsettled(ctx context.Context, sessionID snowflake.ID, reason string) error {
	return c.registry.Update(sessionID, func(tx *registry.Tx) error {
		s := tx.Session()
		if s.UnsettledBalance && s.UnsettledReason == reason {
			return nil
		}
		s.UnsettledBalance = true
		s.UnsettledReason = reason
		tx.Touch()
		c.publish(s, liveevents.TypeSettlementRejected, reason, tx.Now())
		c.sessionLog(ctx, s).Warn("session marked unsettled", zap.String("reason", reason))
		return nil
	})
}

// RetryRejected clears the unsettled flag so the next round resubmits.
func (c *Coordinator) RetryRejected(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error) {
	id, err := snowflake.ParseString(sessionID)
	if err != nil {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	var snapshot sessiondomain.Snapshot
	err = c.registry.Update(id, func(tx *registry.Tx) error {
		s := tx.Session()
		if s.UnsettledBalance {
			c.sessionLog(ctx, s).Info("settlement retry requested", zap.String("previous_reason", s.UnsettledReason))
			s.UnsettledBalance = false
			s.UnsettledReason = ""
			tx.Touch()
		}
		snapshot = s.Snapshot()
		return nil
	})
	return snapshot, err
}

// ArchiveSettled drops every closed session whose ticks are all confirmed.
func (c *Coordinator) ArchiveSettled(ctx context.Context) (int, error) {
	var (
		archived int
		errs     []error
	)
	for _, s := range c.registry.List() {
		if s.State != sessiondomain.StateClosed || s.PendingTicks() > 0 {
			continue
		}
		out, err := c.registry.Archive(s.ID)
		if err != nil {
			if !errors.Is(err, sessiondomain.ErrSessionNotFound) && !errors.Is(err, sessiondomain.ErrNotSettled) {
				errs = append(errs, fmt.Errorf("archive %d: %w", s.ID, err))
			}
			continue
		}
		if c.store != nil {
			c.store.RecordArchived(out.ID, *out.ArchivedAt)
		}
		c.ledger.Forget(out.ID)
		c.publish(&out, liveevents.TypeSessionArchived, string(out.CloseReason), *out.ArchivedAt)
		c.sessionLog(ctx, &out).Info("session archived", zap.Uint64("settled_ticks", out.LastConfirmedIndex))
		archived++
	}
	return archived, errors.Join(errs...)
}

// Restore reloads durable sessions after a restart. Sessions that were
// ACTIVE are parked in GRACE since presence is unknown; GRACE sessions get
// their timers back.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	state, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	sort.Slice(state.Sessions, func(i, j int) bool { return state.Sessions[i].ID < state.Sessions[j].ID })

	restored := 0
	for i := range state.Sessions {
		s := state.Sessions[i]
		ticks := state.Ticks[s.ID]
		s.LastConfirmedIndex, s.LastTickIndex = reconcile(s, ticks)

		if err := c.registry.Restore(s); err != nil {
			if !errors.Is(err, sessiondomain.ErrAlreadyActive) {
				return restored, err
			}
			// The pair already holds an open session; keep this one only
			// for settlement.
			c.log.Warn("duplicate open session on restore, closing",
				zap.String("session_id", s.ID.String()), zap.Error(err))
			closed := c.clock.Now()
			s.State = sessiondomain.StateClosed
			s.CloseReason = sessiondomain.ReasonRestored
			s.ClosedAt = &closed
			s.GraceDeadline = nil
			if err := c.registry.Restore(s); err != nil {
				return restored, err
			}
		}
		c.ledger.Track(s.ID, s.LastConfirmedIndex, s.LastTickIndex, ticks)
		if err := c.resume(s.ID); err != nil {
			return restored, fmt.Errorf("resume %d: %w", s.ID, err)
		}
		restored++
	}
	c.log.Info("sessions restored", zap.Int("count", restored))
	return restored, nil
}

// reconcile derives the durable counters from a session record and its
// journaled ticks. Ticks may be flushed ahead of the record that counts them,
// and confirmed ticks are deleted, so the journal bounds both counters.
func reconcile(s sessiondomain.Session, ticks []accrualdomain.Tick) (confirmed, last uint64) {
	confirmed, last = s.LastConfirmedIndex, s.LastTickIndex
	if len(ticks) == 0 {
		return last, last
	}
	lowest, highest := ticks[0].Index, ticks[0].Index
	for _, t := range ticks[1:] {
		if t.Index < lowest {
			lowest = t.Index
		}
		if t.Index > highest {
			highest = t.Index
		}
	}
	if highest > last {
		last = highest
	}
	if lowest-1 > confirmed {
		confirmed = lowest - 1
	}
	return confirmed, last
}

func (c *Coordinator) resume(id snowflake.ID) error {
	return c.registry.Update(id, func(tx *registry.Tx) error {
		s := tx.Session()
		switch s.State {
		case sessiondomain.StateActive:
			deadline := tx.Now().Add(c.policy.Get().GracePeriod)
			s.GraceDeadline = &deadline
			return tx.Transition(sessiondomain.StateGrace, sessiondomain.ReasonRestored)
		case sessiondomain.StateGrace:
			if s.GraceDeadline == nil || !tx.Now().Before(*s.GraceDeadline) {
				return tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonGraceExpired)
			}
			c.armGrace(tx)
		}
		return nil
	})
}

// Stop cancels every live ticker and outstanding grace timer.
func (c *Coordinator) Stop() {
	c.generator.Stop()
	c.mu.Lock()
	graces := c.graces
	c.graces = make(map[snowflake.ID]*graceTimer)
	c.mu.Unlock()
	for _, g := range graces {
		g.timer.Stop()
	}
}

// Running reports the number of sessions currently ticking.
func (c *Coordinator) Running() int {
	return c.generator.Running()
}

func (c *Coordinator) reportInconsistent(ctx context.Context, s sessiondomain.Session, message string) {
	c.log.Error("ledger inconsistency",
		zap.String("session_id", s.ID.String()),
		zap.Uint64("last_tick_index", s.LastTickIndex),
		zap.Uint64("last_confirmed_index", s.LastConfirmedIndex),
		zap.String("detail", message),
	)
	c.sendAlert(ctx, alert.Alert{
		Type:      alert.AlertTypeLedgerInconsistent,
		SessionID: s.ID.String(),
		Title:     "Ledger inconsistency",
		Message:   message,
		Fields: map[string]string{
			"viewer_id":            s.ViewerID,
			"creator_id":           s.CreatorID,
			"last_tick_index":      strconv.FormatUint(s.LastTickIndex, 10),
			"last_confirmed_index": strconv.FormatUint(s.LastConfirmedIndex, 10),
		},
	})
}

func (c *Coordinator) sendAlert(ctx context.Context, a alert.Alert) {
	if err := c.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		c.log.Warn("alert delivery failed", zap.String("alert_type", string(a.Type)), zap.Error(err))
	}
}

func (c *Coordinator) sessionLog(ctx context.Context, s *sessiondomain.Session) *zap.Logger {
	return logger.WithSession(logger.WithContext(ctx, c.log), s.ID.String(), s.ViewerID, s.CreatorID)
}
