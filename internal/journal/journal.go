package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/config"
	obsmetrics "github.com/smallbiznis/vilokanam/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flushAttempts = 3
	flushBackoff  = 50 * time.Millisecond
)

// PolicySource supplies the flush thresholds.
type PolicySource interface {
	Get() config.Policy
}

// Writer is the write-ahead log of session records and unconfirmed ticks.
// Record calls only buffer; RunForever flushes the buffer to the database on
// an interval or once it reaches the configured size.
type Writer struct {
	db       *gorm.DB
	sessions sessiondomain.Repository
	ticks    accrualdomain.Repository
	policy   PolicySource
	log      *zap.Logger
	metrics  *obsmetrics.SettlementMetrics

	mu      sync.Mutex
	buf     batch
	durable map[snowflake.ID]uint64
	kick    chan struct{}
	flushMu sync.Mutex
}

type batch struct {
	sessions  map[snowflake.ID]sessiondomain.Session
	ticks     []accrualdomain.Tick
	confirmed map[snowflake.ID]uint64
	archived  map[snowflake.ID]time.Time
}

func newBatch() batch {
	return batch{
		sessions:  make(map[snowflake.ID]sessiondomain.Session),
		confirmed: make(map[snowflake.ID]uint64),
		archived:  make(map[snowflake.ID]time.Time),
	}
}

func (b batch) size() int {
	return len(b.sessions) + len(b.ticks) + len(b.confirmed) + len(b.archived)
}

func NewWriter(
	conn *gorm.DB,
	sessions sessiondomain.Repository,
	ticks accrualdomain.Repository,
	policy PolicySource,
	log *zap.Logger,
	metrics *obsmetrics.SettlementMetrics,
) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:       conn,
		sessions: sessions,
		ticks:    ticks,
		policy:   policy,
		log:      log.Named("journal"),
		metrics:  metrics,
		buf:      newBatch(),
		durable:  make(map[snowflake.ID]uint64),
		kick:     make(chan struct{}, 1),
	}
}

// OnChange buffers the latest snapshot of a session. Later snapshots of the
// same session replace earlier ones.
func (w *Writer) OnChange(s *sessiondomain.Session) {
	snapshot := s.Clone()
	w.mu.Lock()
	w.buf.sessions[snapshot.ID] = snapshot
	w.mu.Unlock()
	w.maybeKick()
}

func (w *Writer) RecordTicks(ticks ...accrualdomain.Tick) {
	if len(ticks) == 0 {
		return
	}
	w.mu.Lock()
	w.buf.ticks = append(w.buf.ticks, ticks...)
	w.mu.Unlock()
	w.maybeKick()
}

func (w *Writer) RecordConfirmed(sessionID snowflake.ID, index uint64) {
	w.mu.Lock()
	if index > w.buf.confirmed[sessionID] {
		w.buf.confirmed[sessionID] = index
	}
	w.mu.Unlock()
	w.maybeKick()
}

// RecordArchived marks a settled session for archival and drops its ticks.
func (w *Writer) RecordArchived(sessionID snowflake.ID, at time.Time) {
	w.mu.Lock()
	w.buf.archived[sessionID] = at
	w.mu.Unlock()
	w.maybeKick()
}

// DurableIndex is the highest tick index of the session known to be on disk.
// A restart never reissues an index at or below it.
func (w *Writer) DurableIndex(sessionID snowflake.ID) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.durable[sessionID]
}

func (w *Writer) raiseDurable(id snowflake.ID, index uint64) {
	if index > w.durable[id] {
		w.durable[id] = index
	}
}

// Buffered reports how many records wait for the next flush.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.size()
}

func (w *Writer) maybeKick() {
	if w.Buffered() < w.policy.Get().WAL.FlushSize {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// RunForever flushes until ctx is cancelled, then drains the buffer once more.
func (w *Writer) RunForever(ctx context.Context) {
	interval := w.policy.Get().WAL.FlushInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(drainCtx); err != nil {
				w.log.Error("final journal flush failed", zap.Error(err), zap.Int("buffered", w.Buffered()))
			}
			cancel()
			return
		case <-ticker.C:
		case <-w.kick:
		}

		if err := w.flushWithRetry(ctx); err != nil {
			if db.IsRetryableErr(err) {
				w.log.Warn("journal flush failed", zap.Error(err), zap.Int("buffered", w.Buffered()))
			} else {
				w.log.Error("journal flush failed", zap.Error(err), zap.Int("buffered", w.Buffered()))
			}
		}
		if next := w.policy.Get().WAL.FlushInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// flushWithRetry repeats a flush that failed with a transient database error.
func (w *Writer) flushWithRetry(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		if err = w.Flush(ctx); err == nil || !db.IsRetryableErr(err) {
			return err
		}
		if attempt == flushAttempts {
			break
		}
		w.log.Debug("retrying journal flush", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * flushBackoff):
		}
	}
	return err
}

// Flush writes everything buffered in one transaction. On failure the records
// go back into the buffer ahead of anything recorded meanwhile.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	pending := w.buf
	w.buf = newBatch()
	w.mu.Unlock()

	records := pending.size()
	if records == 0 {
		return nil
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return w.write(ctx, tx, pending)
	})
	w.metrics.ObserveWALFlush(records, err)
	if err != nil {
		w.requeue(pending)
		return fmt.Errorf("flush journal: %w", err)
	}
	w.markDurable(pending)
	return nil
}

func (w *Writer) markDurable(b batch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, s := range b.sessions {
		w.raiseDurable(id, s.LastTickIndex)
	}
	for _, t := range b.ticks {
		w.raiseDurable(t.SessionID, t.Index)
	}
	for id, index := range b.confirmed {
		w.raiseDurable(id, index)
	}
	for id := range b.archived {
		delete(w.durable, id)
	}
}

func (w *Writer) write(ctx context.Context, tx *gorm.DB, b batch) error {
	if len(b.sessions) > 0 {
		rows := make([]sessiondomain.Session, 0, len(b.sessions))
		for _, s := range b.sessions {
			rows = append(rows, s)
		}
		if err := w.sessions.Upsert(ctx, tx, rows); err != nil {
			return fmt.Errorf("upsert sessions: %w", err)
		}
	}
	if err := w.ticks.InsertTicks(ctx, tx, b.ticks); err != nil {
		return fmt.Errorf("insert ticks: %w", err)
	}
	for id, index := range b.confirmed {
		if err := w.ticks.DeleteThrough(ctx, tx, id, index); err != nil {
			return fmt.Errorf("prune ticks of %s: %w", id, err)
		}
	}
	var errs []error
	for id, at := range b.archived {
		if err := w.sessions.Archive(ctx, tx, id, at); err != nil {
			errs = append(errs, fmt.Errorf("archive %s: %w", id, err))
			continue
		}
		if err := w.ticks.DeleteSession(ctx, tx, id); err != nil {
			errs = append(errs, fmt.Errorf("drop ticks of %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) requeue(old batch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, s := range old.sessions {
		if _, newer := w.buf.sessions[id]; !newer {
			w.buf.sessions[id] = s
		}
	}
	w.buf.ticks = append(old.ticks, w.buf.ticks...)
	for id, index := range old.confirmed {
		if index > w.buf.confirmed[id] {
			w.buf.confirmed[id] = index
		}
	}
	for id, at := range old.archived {
		if _, ok := w.buf.archived[id]; !ok {
			w.buf.archived[id] = at
		}
	}
}

// State is what survives a restart.
type State struct {
	Sessions []sessiondomain.Session
	Ticks    map[snowflake.ID][]accrualdomain.Tick
}

// Load reads every unarchived session and its unconfirmed ticks. Everything
// loaded counts as durable.
func (w *Writer) Load(ctx context.Context) (State, error) {
	conn := w.db.WithContext(ctx)
	sessions, err := w.sessions.ListUnarchived(ctx, conn)
	if err != nil {
		return State{}, fmt.Errorf("load sessions: %w", err)
	}
	ticks, err := w.ticks.ListAll(ctx, conn)
	if err != nil {
		return State{}, fmt.Errorf("load ticks: %w", err)
	}

	state := State{Sessions: sessions, Ticks: make(map[snowflake.ID][]accrualdomain.Tick)}
	w.mu.Lock()
	for _, s := range sessions {
		w.raiseDurable(s.ID, s.LastTickIndex)
	}
	for _, t := range ticks {
		state.Ticks[t.SessionID] = append(state.Ticks[t.SessionID], t)
		w.raiseDurable(t.SessionID, t.Index)
	}
	w.mu.Unlock()
	return state, nil
}
