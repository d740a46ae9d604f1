package coordinator

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/liveevents"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	"go.uber.org/zap"
)

// OnTransition tracks new sessions in the ledger and keeps one grace timer
// armed per session in GRACE.
func (c *Coordinator) OnTransition(tx *registry.Tx, tr sessiondomain.Transition) {
	c.metrics.RecordTransition(context.Background(), string(tr.From), string(tr.To), string(tr.Reason))

	if tr.From == sessiondomain.StateGrace {
		c.cancelGrace(tr.SessionID)
	}
	switch tr.To {
	case sessiondomain.StatePending:
		c.ledger.Track(tr.SessionID, 0, 0, nil)
	case sessiondomain.StateGrace:
		c.armGrace(tx)
	}

	eventType := liveevents.TypeSessionState
	if tr.To == sessiondomain.StatePending {
		eventType = liveevents.TypeSessionOpened
	}
	c.publish(tx.Session(), eventType, string(tr.Reason), tr.At)
}

func (c *Coordinator) armGrace(tx *registry.Tx) {
	s := tx.Session()
	if s.GraceDeadline == nil {
		return
	}
	id, epoch := s.ID, tx.Epoch()
	wait := s.GraceDeadline.Sub(tx.Now())
	if wait < 0 {
		wait = 0
	}
	timer := c.clock.AfterFunc(wait, func() { c.expireGrace(id, epoch) })

	c.mu.Lock()
	previous := c.graces[id]
	c.graces[id] = &graceTimer{epoch: epoch, timer: timer}
	c.mu.Unlock()
	if previous != nil {
		previous.timer.Stop()
	}
}

func (c *Coordinator) cancelGrace(id snowflake.ID) {
	c.mu.Lock()
	g := c.graces[id]
	delete(c.graces, id)
	c.mu.Unlock()
	if g != nil {
		g.timer.Stop()
	}
}

// expireGrace closes the session if it is still in the GRACE period the
// timer was armed for.
func (c *Coordinator) expireGrace(id snowflake.ID, epoch uint64) {
	err := c.registry.Update(id, func(tx *registry.Tx) error {
		s := tx.Session()
		if tx.Epoch() != epoch || s.State != sessiondomain.StateGrace {
			return nil
		}
		return tx.Transition(sessiondomain.StateClosed, sessiondomain.ReasonGraceExpired)
	})
	if err != nil {
		c.log.Debug("grace expiry for untracked session", zap.String("session_id", id.String()), zap.Error(err))
	}
}

// GraceTimers reports the number of armed grace timers.
func (c *Coordinator) GraceTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.graces)
}

func (c *Coordinator) onTick(s *sessiondomain.Session, t accrualdomain.Tick) {
	c.hub.Publish(liveevents.Event{
		Type:           liveevents.TypeTickGenerated,
		SessionID:      s.ID.String(),
		ViewerID:       s.ViewerID,
		CreatorID:      s.CreatorID,
		State:          string(s.State),
		TickIndex:      t.Index,
		ConfirmedIndex: s.LastConfirmedIndex,
		At:             t.GeneratedAt,
	})
}

func (c *Coordinator) onViolation(s sessiondomain.Session, err error) {
	c.sendAlert(context.Background(), alert.Alert{
		Type:      alert.AlertTypeSequenceViolation,
		SessionID: s.ID.String(),
		Title:     "Tick sequence violation",
		Message:   err.Error(),
		Fields: map[string]string{
			"viewer_id":  s.ViewerID,
			"creator_id": s.CreatorID,
		},
	})
}

func (c *Coordinator) publish(s *sessiondomain.Session, eventType, reason string, at time.Time) {
	c.hub.Publish(liveevents.Event{
		Type:           eventType,
		SessionID:      s.ID.String(),
		ViewerID:       s.ViewerID,
		CreatorID:      s.CreatorID,
		State:          string(s.State),
		Reason:         reason,
		TickIndex:      s.LastTickIndex,
		ConfirmedIndex: s.LastConfirmedIndex,
		At:             at,
	})
}
