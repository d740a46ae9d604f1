package accrual

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accrualdomain "github.com/smallbiznis/vilokanam/internal/accrual/domain"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	mu        sync.Mutex
	ticks     []accrualdomain.Tick
	confirmed map[snowflake.ID]uint64
}

func (j *recordingJournal) RecordTicks(ticks ...accrualdomain.Tick) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ticks = append(j.ticks, ticks...)
}

func (j *recordingJournal) RecordConfirmed(sessionID snowflake.ID, index uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.confirmed == nil {
		j.confirmed = map[snowflake.ID]uint64{}
	}
	j.confirmed[sessionID] = index
}

func tick(sessionID snowflake.ID, index uint64) accrualdomain.Tick {
	return accrualdomain.Tick{
		SessionID:   sessionID,
		Index:       index,
		GeneratedAt: time.Date(2026, 1, 1, 0, 0, int(index), 0, time.UTC),
	}
}

func TestAppendEnforcesDenseSequence(t *testing.T) {
	journal := &recordingJournal{}
	ledger := NewLedger(journal)
	ledger.Track(7, 0, 0, nil)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, ledger.Append(tick(7, i)))
	}

	err := ledger.Append(tick(7, 5))
	require.ErrorIs(t, err, accrualdomain.ErrSequenceViolation)
	var violation *accrualdomain.SequenceViolationError
	require.True(t, errors.As(err, &violation))
	require.Equal(t, uint64(4), violation.Expected)
	require.Equal(t, uint64(5), violation.Got)

	require.ErrorIs(t, ledger.Append(tick(7, 3)), accrualdomain.ErrSequenceViolation)
	require.ErrorIs(t, ledger.Append(tick(8, 1)), accrualdomain.ErrUnknownSession)

	tail, err := ledger.Tail(7)
	require.NoError(t, err)
	require.Equal(t, uint64(3), tail.Last)
	require.Len(t, tail.Ticks, 3)
	require.Len(t, journal.ticks, 3)
}

func TestConfirmPrunesAndIsMonotonic(t *testing.T) {
	journal := &recordingJournal{}
	ledger := NewLedger(journal)
	ledger.Track(1, 0, 0, nil)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, ledger.Append(tick(1, i)))
	}

	confirmed, err := ledger.Confirm(1, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(6), confirmed)

	tail, err := ledger.Tail(1)
	require.NoError(t, err)
	require.Equal(t, uint64(4), tail.Pending())
	require.Equal(t, uint64(7), tail.Ticks[0].Index)

	confirmed, err = ledger.Confirm(1, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(6), confirmed)

	_, err = ledger.Confirm(1, 11)
	require.ErrorIs(t, err, accrualdomain.ErrConfirmAhead)
	require.Equal(t, uint64(6), journal.confirmed[1])
}

func TestTailIsACopy(t *testing.T) {
	ledger := NewLedger(nil)
	ledger.Track(1, 0, 0, nil)
	require.NoError(t, ledger.Append(tick(1, 1)))

	tail, err := ledger.Tail(1)
	require.NoError(t, err)
	tail.Ticks[0].Index = 99

	again, err := ledger.Tail(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), again.Ticks[0].Index)
}

func TestTrackRestoresCounters(t *testing.T) {
	ledger := NewLedger(nil)
	ledger.Track(1, 4, 6, []accrualdomain.Tick{tick(1, 3), tick(1, 5), tick(1, 6)})

	confirmed, last, ok := ledger.Counters(1)
	require.True(t, ok)
	require.Equal(t, uint64(4), confirmed)
	require.Equal(t, uint64(6), last)

	tail, err := ledger.Tail(1)
	require.NoError(t, err)
	require.Len(t, tail.Ticks, 2)
	require.NoError(t, ledger.Append(tick(1, 7)))

	ledger.Forget(1)
	_, _, ok = ledger.Counters(1)
	require.False(t, ok)
}
