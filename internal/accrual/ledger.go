package accrual

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
)

// Journal receives durable copies of ledger mutations. Implementations must
// not block.
type Journal interface {
	RecordTicks(ticks ...accrualdomain.Tick)
	RecordConfirmed(sessionID snowflake.ID, index uint64)
}

type nopJournal struct{}

func (nopJournal) RecordTicks(...accrualdomain.Tick) {}
func (nopJournal) RecordConfirmed(snowflake.ID, uint64) {}

// Ledger holds the append-only tick log of every live session. Entries at or
// below the confirmed index are pruned.
type Ledger struct {
	journal Journal

	mu   sync.RWMutex
	logs map[snowflake.ID]*sessionLog
}

type sessionLog struct {
	mu        sync.Mutex
	confirmed uint64
	last      uint64
	ticks     []accrualdomain.Tick
}

func NewLedger(journal Journal) *Ledger {
	if journal == nil {
		journal = nopJournal{}
	}
	return &Ledger{journal: journal, logs: make(map[snowflake.ID]*sessionLog)}
}

// Track starts a log for sessionID. Restored sessions pass their durable
// counters and unconfirmed ticks. Tracking an existing session is a no-op.
func (l *Ledger) Track(sessionID snowflake.ID, confirmed, last uint64, pending []accrualdomain.Tick) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.logs[sessionID]; ok {
		return
	}
	if last < confirmed {
		last = confirmed
	}
	ticks := make([]accrualdomain.Tick, 0, len(pending))
	for _, t := range pending {
		if t.Index > confirmed && t.Index <= last {
			ticks = append(ticks, t)
		}
	}
	l.logs[sessionID] = &sessionLog{confirmed: confirmed, last: last, ticks: ticks}
}

// Append adds the next tick. Its index must be exactly last+1.
func (l *Ledger) Append(t accrualdomain.Tick) error {
	log, err := l.log(t.SessionID)
	if err != nil {
		return err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	if t.Index != log.last+1 {
		return &accrualdomain.SequenceViolationError{SessionID: t.SessionID, Expected: log.last + 1, Got: t.Index}
	}
	log.ticks = append(log.ticks, t)
	log.last = t.Index
	l.journal.RecordTicks(t)
	return nil
}

// Tail returns a copy of the unconfirmed ticks.
func (l *Ledger) Tail(sessionID snowflake.ID) (accrualdomain.Tail, error) {
	log, err := l.log(sessionID)
	if err != nil {
		return accrualdomain.Tail{}, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	ticks := make([]accrualdomain.Tick, len(log.ticks))
	copy(ticks, log.ticks)
	return accrualdomain.Tail{
		SessionID: sessionID,
		Confirmed: log.confirmed,
		Last:      log.last,
		Ticks:     ticks,
	}, nil
}

// Confirm records that the ledger holds every tick through index and prunes
// them. Confirmations at or below the current mark are ignored.
func (l *Ledger) Confirm(sessionID snowflake.ID, index uint64) (uint64, error) {
	log, err := l.log(sessionID)
	if err != nil {
		return 0, err
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	if index > log.last {
		return log.confirmed, accrualdomain.ErrConfirmAhead
	}
	if index <= log.confirmed {
		return log.confirmed, nil
	}

	keep := 0
	for keep < len(log.ticks) && log.ticks[keep].Index <= index {
		keep++
	}
	log.ticks = append(log.ticks[:0], log.ticks[keep:]...)
	log.confirmed = index
	l.journal.RecordConfirmed(sessionID, index)
	return index, nil
}

// Counters returns the confirmed and last indices.
func (l *Ledger) Counters(sessionID snowflake.ID) (confirmed, last uint64, ok bool) {
	log, err := l.log(sessionID)
	if err != nil {
		return 0, 0, false
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.confirmed, log.last, true
}

// Forget drops the log of an archived session.
func (l *Ledger) Forget(sessionID snowflake.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, sessionID)
}

func (l *Ledger) log(sessionID snowflake.ID) (*sessionLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log, ok := l.logs[sessionID]
	if !ok {
		return nil, accrualdomain.ErrUnknownSession
	}
	return log, nil
}
