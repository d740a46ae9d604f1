package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	obslogger "github.com/smallbiznis/vilokanam/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/vilokanam/internal/observability/metrics"
	"github.com/smallbiznis/vilokanam/internal/ratelimit"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"github.com/smallbiznis/vilokanam/internal/settlement/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	jobSettlePending   = "settle_pending"
	jobEscalateBacklog = "escalate_backlog"
	jobArchiveClosed   = "archive_closed"

	keySessionLock = "vilokanam:settlement:session:%s"
)

// Sessions is the submitter's view of the session table.
type Sessions interface {
	// Backlog lists live sessions that still owe ticks to the ledger.
	Backlog() []sessiondomain.Session
	Confirm(ctx context.Context, sessionID snowflake.ID, index uint64) error
	MarkUnsettled(ctx context.Context, sessionID snowflake.ID, reason string) error
	ArchiveSettled(ctx context.Context) (int, error)
}

type PolicySource interface {
	Get() config.Policy
}

// Leaser grants exclusive, expiring leases on a key. *ratelimit.Locker
// implements it.
type Leaser interface {
	Enabled() bool
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

type Submitter struct {
	sessions Sessions
	ledger   settlementdomain.LedgerClient
	signer   settlementdomain.Signer
	limiter  ratelimit.Limiter
	locker   Leaser
	alerter  alert.Alerter
	policy   PolicySource
	clock    clock.Clock
	node     *snowflake.Node
	log      *zap.Logger
	metrics  *obsmetrics.Metrics
	prom     *obsmetrics.SettlementMetrics

	roundMu sync.Mutex

	mu      sync.Mutex
	batches map[snowflake.ID]*settlementdomain.PendingBatch
	joined  map[snowflake.ID]struct{}
}

type Params struct {
	Sessions Sessions
	Ledger   settlementdomain.LedgerClient
	Signer   settlementdomain.Signer
	Limiter  ratelimit.Limiter
	Locker   Leaser
	Alerter  alert.Alerter
	Policy   PolicySource
	Clock    clock.Clock
	Node     *snowflake.Node
	Log      *zap.Logger
	Metrics  *obsmetrics.Metrics
	Prom     *obsmetrics.SettlementMetrics
}

func NewSubmitter(p Params) *Submitter {
	if p.Limiter == nil {
		p.Limiter = ratelimit.Unlimited{}
	}
	if p.Alerter == nil {
		p.Alerter = alert.NoopAlerter{}
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	return &Submitter{
		sessions: p.Sessions,
		ledger:   p.Ledger,
		signer:   p.Signer,
		limiter:  p.Limiter,
		locker:   p.Locker,
		alerter:  p.Alerter,
		policy:   p.Policy,
		clock:    p.Clock,
		node:     p.Node,
		log:      p.Log.Named("settlement").With(zap.String("component", "submitter")),
		metrics:  p.Metrics,
		prom:     p.Prom,
		batches:  make(map[snowflake.ID]*settlementdomain.PendingBatch),
		joined:   make(map[snowflake.ID]struct{}),
	}
}

// RunForever runs a settlement round every poll interval until ctx is done.
func (s *Submitter) RunForever(ctx context.Context) {
	interval := s.policy.Get().Settlement.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(interval)

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.prom.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("settlement round failed", zap.Error(err))
		}
		if next := s.policy.Get().Settlement.PollInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
		nextRun = s.clock.Now().Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs every settlement job once.
func (s *Submitter) RunOnce(parent context.Context) error {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	p := s.policy.Get().Settlement
	s.limiter.SetRate(p.RatePerSecond, p.Burst)

	jobs := []struct {
		name  string
		batch int
		run   func(context.Context) error
	}{
		{jobSettlePending, p.BatchSize, s.SettlePendingJob},
		{jobEscalateBacklog, 0, s.EscalateBacklogJob},
		{jobArchiveClosed, 0, s.ArchiveClosedJob},
	}

	var err error
	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.name, job.batch, p.JobTimeout, job.run))
	}
	return err
}

func (s *Submitter) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	s.prom.IncJobRun(name)

	err := fn(ctx)
	s.prom.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.prom.IncJobTimeout(name)
	}
	s.prom.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// SettlePendingJob submits every due batch, a bounded number at a time.
func (s *Submitter) SettlePendingJob(ctx context.Context) error {
	p := s.policy.Get().Settlement
	due := s.plan(s.sessions.Backlog(), p.BatchSize)
	run := jobRunFromContext(ctx)

	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, b := range due {
		g.Go(func() error {
			if err := s.attempt(gctx, b); err != nil {
				mu.Lock()
				errs = append(errs, err)
				run.IncError()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	run.AddProcessed(len(due))
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// plan folds the backlog into one batch per session and returns the batches
// that are due. A batch always targets the session's latest tick.
func (s *Submitter) plan(backlog []sessiondomain.Session, limit int) []*settlementdomain.PendingBatch {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[snowflake.ID]struct{}, len(backlog))
	for i := range backlog {
		sess := &backlog[i]
		if sess.UnsettledBalance || sess.PendingTicks() == 0 {
			continue
		}
		seen[sess.ID] = struct{}{}

		b, ok := s.batches[sess.ID]
		if !ok {
			b = &settlementdomain.PendingBatch{ID: s.node.Generate(), NextAttemptAt: now}
			s.batches[sess.ID] = b
		}
		b.Accrual = settlementdomain.Accrual{
			SessionID:   sess.ID,
			ViewerID:    sess.ViewerID,
			CreatorID:   sess.CreatorID,
			PrevIndex:   sess.LastConfirmedIndex,
			TargetIndex: sess.LastTickIndex,
		}
	}
	for id := range s.batches {
		if _, ok := seen[id]; !ok {
			delete(s.batches, id)
		}
	}
	for id := range s.joined {
		if _, ok := seen[id]; !ok {
			delete(s.joined, id)
		}
	}

	due := make([]*settlementdomain.PendingBatch, 0, len(s.batches))
	for _, b := range s.batches {
		if !b.NextAttemptAt.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].Accrual.SessionID < due[j].Accrual.SessionID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func (s *Submitter) attempt(ctx context.Context, b *settlementdomain.PendingBatch) error {
	s.mu.Lock()
	accrual := b.Accrual
	s.mu.Unlock()

	log := obslogger.WithSession(s.log, accrual.SessionID.String(), accrual.ViewerID, accrual.CreatorID).
		With(zap.String("batch_id", b.ID.String()))

	leaseTTL := s.policy.Get().Settlement.JobTimeout
	var leaseKey, leaseToken string
	if s.locker != nil && s.locker.Enabled() {
		key := fmt.Sprintf(keySessionLock, accrual.SessionID)
		token, ok, err := s.locker.TryLock(ctx, key, leaseTTL)
		switch {
		case err != nil:
			log.Warn("settlement lock unavailable, submitting unlocked", zap.Error(err))
		case !ok:
			log.Debug("session is being settled elsewhere")
			return nil
		default:
			leaseKey, leaseToken = key, token
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					log.Warn("release settlement lock", zap.Error(err))
				}
			}()
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	if !s.isJoined(accrual.SessionID) {
		if err := s.ledger.JoinStream(ctx, accrual.ViewerID, accrual.CreatorID); err != nil {
			return s.handleError(ctx, b, accrual, log, fmt.Errorf("join stream: %w", err))
		}
		s.markJoined(accrual.SessionID)
	}

	signed, err := s.signer.Sign(accrual)
	if err != nil {
		return s.reject(ctx, b, accrual, log, "sign_failed: "+err.Error())
	}

	if leaseToken != "" {
		held, err := s.locker.Extend(ctx, leaseKey, leaseToken, leaseTTL)
		switch {
		case err != nil:
			log.Warn("extend settlement lock", zap.Error(err))
		case !held:
			log.Warn("settlement lock lost before submit")
			return nil
		}
	}

	start := s.clock.Now()
	res, err := s.ledger.SubmitAccrual(ctx, signed)
	s.prom.ObserveSubmitDuration(s.clock.Now().Sub(start))
	if err != nil {
		return s.handleError(ctx, b, accrual, log, err)
	}

	switch res.Outcome {
	case settlementdomain.OutcomeCommitted:
		return s.commit(ctx, b, accrual, log, res.CommittedIndex)
	case settlementdomain.OutcomeRejected:
		return s.reject(ctx, b, accrual, log, res.Reason)
	default:
		s.record(ctx, string(settlementdomain.OutcomePending))
		s.retryLater(ctx, b, accrual, log, "ledger pending")
		return nil
	}
}

func (s *Submitter) handleError(ctx context.Context, b *settlementdomain.PendingBatch, accrual settlementdomain.Accrual, log *zap.Logger, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	s.record(ctx, "error")
	decision := retry.Classify(err)
	if !decision.IsTransient() {
		return s.reject(ctx, b, accrual, log, decision.Reason+": "+err.Error())
	}
	log.Warn("ledger submission failed", zap.String("reason", decision.Reason), zap.Error(err))
	s.retryLater(ctx, b, accrual, log, err.Error())
	return nil
}

func (s *Submitter) commit(ctx context.Context, b *settlementdomain.PendingBatch, accrual settlementdomain.Accrual, log *zap.Logger, index uint64) error {
	s.record(ctx, string(settlementdomain.OutcomeCommitted))
	if index <= accrual.PrevIndex {
		s.retryLater(ctx, b, accrual, log, "ledger committed no progress")
		return nil
	}

	err := s.sessions.Confirm(ctx, accrual.SessionID, index)

	s.mu.Lock()
	if index >= accrual.TargetIndex || err != nil {
		delete(s.batches, accrual.SessionID)
	} else {
		b.Accrual.PrevIndex = index
		b.Attempts = 0
		b.Escalated = false
		b.NextAttemptAt = s.clock.Now()
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("confirm %s at %d: %w", accrual.SessionID, index, err)
	}
	log.Debug("accrual committed",
		zap.Uint64("committed_index", index),
		zap.Uint64("ticks", index-accrual.PrevIndex),
	)
	return nil
}

func (s *Submitter) reject(ctx context.Context, b *settlementdomain.PendingBatch, accrual settlementdomain.Accrual, log *zap.Logger, reason string) error {
	s.record(ctx, string(settlementdomain.OutcomeRejected))
	s.mu.Lock()
	delete(s.batches, accrual.SessionID)
	attempts := b.Attempts + 1
	s.mu.Unlock()

	log.Error("ledger rejected accrual",
		zap.String("reason", reason),
		zap.Uint64("target_index", accrual.TargetIndex),
	)
	s.sendAlert(ctx, alert.Alert{
		Type:      alert.AlertTypeSettlementRejected,
		SessionID: accrual.SessionID.String(),
		Title:     "Ledger rejected accrual",
		Message:   reason,
		Fields: map[string]string{
			"viewer_id":    accrual.ViewerID,
			"creator_id":   accrual.CreatorID,
			"prev_index":   strconv.FormatUint(accrual.PrevIndex, 10),
			"target_index": strconv.FormatUint(accrual.TargetIndex, 10),
			"attempts":     strconv.Itoa(attempts),
		},
	})
	return s.sessions.MarkUnsettled(ctx, accrual.SessionID, reason)
}

// retryLater schedules the next attempt. After MaxAttempts the batch is
// escalated once and keeps retrying at the backoff cap.
func (s *Submitter) retryLater(ctx context.Context, b *settlementdomain.PendingBatch, accrual settlementdomain.Accrual, log *zap.Logger, reason string) {
	p := s.policy.Get().Settlement
	now := s.clock.Now()

	s.mu.Lock()
	b.Attempts++
	b.LastAttemptAt = now
	b.LastError = reason
	b.NextAttemptAt = now.Add(Backoff(p, b.Attempts))
	attempts := b.Attempts
	escalate := attempts >= p.MaxAttempts && !b.Escalated
	if escalate {
		b.Escalated = true
	}
	s.mu.Unlock()

	if !escalate {
		return
	}
	s.prom.IncEscalation()
	log.Error("settlement escalated", zap.Int("attempts", attempts), zap.String("last_error", reason))
	s.sendAlert(ctx, alert.Alert{
		Type:      alert.AlertTypeSettlementEscalated,
		SessionID: accrual.SessionID.String(),
		Title:     "Settlement retries exhausted",
		Message:   reason,
		Fields: map[string]string{
			"attempts":      strconv.Itoa(attempts),
			"pending_ticks": strconv.FormatUint(accrual.Ticks(), 10),
			"target_index":  strconv.FormatUint(accrual.TargetIndex, 10),
		},
	})
}

// EscalateBacklogJob publishes the backlog gauge and alerts on sessions whose
// unsettled tail outgrew the configured bound.
func (s *Submitter) EscalateBacklogJob(ctx context.Context) error {
	limit := s.policy.Get().Settlement.BacklogAlertTicks
	backlog := s.sessions.Backlog()
	run := jobRunFromContext(ctx)

	var total uint64
	for i := range backlog {
		sess := &backlog[i]
		pending := sess.PendingTicks()
		total += pending
		if limit == 0 || pending <= limit {
			continue
		}
		run.AddProcessed(1)
		s.sendAlert(ctx, alert.Alert{
			Type:      alert.AlertTypeBacklogExceeded,
			SessionID: sess.ID.String(),
			Title:     "Settlement backlog exceeded",
			Message:   fmt.Sprintf("%d ticks await settlement", pending),
			Fields: map[string]string{
				"viewer_id":         sess.ViewerID,
				"creator_id":        sess.CreatorID,
				"pending_ticks":     strconv.FormatUint(pending, 10),
				"unsettled_balance": strconv.FormatBool(sess.UnsettledBalance),
			},
		})
	}

	s.mu.Lock()
	batches := len(s.batches)
	s.mu.Unlock()
	s.prom.SetBacklog(total, batches)
	return nil
}

func (s *Submitter) ArchiveClosedJob(ctx context.Context) error {
	n, err := s.sessions.ArchiveSettled(ctx)
	jobRunFromContext(ctx).AddProcessed(n)
	return err
}

// Pending returns a copy of the current retry state, ordered by session.
func (s *Submitter) Pending() []settlementdomain.PendingBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]settlementdomain.PendingBatch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Accrual.SessionID < out[j].Accrual.SessionID })
	return out
}

func (s *Submitter) isJoined(id snowflake.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[id]
	return ok
}

func (s *Submitter) markJoined(id snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[id] = struct{}{}
}

func (s *Submitter) record(ctx context.Context, outcome string) {
	s.prom.IncSubmission(outcome)
	s.metrics.RecordSettlement(ctx, outcome)
}

func (s *Submitter) sendAlert(ctx context.Context, a alert.Alert) {
	if err := s.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		s.log.Warn("alert delivery failed", zap.String("alert_type", string(a.Type)), zap.Error(err))
	}
}
