package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSequenceViolation = errors.New("sequence_violation")
	ErrUnknownSession    = errors.New("unknown_session")
	ErrConfirmAhead      = errors.New("confirm_beyond_last_tick")
)

// Tick is one billable unit of watch time. Index is dense and starts at 1.
type Tick struct {
	SessionID   snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Index       uint64       `gorm:"column:tick_index;primaryKey;autoIncrement:false"`
	GeneratedAt time.Time    `gorm:"not null"`
}

func (Tick) TableName() string { return "accrual_ticks" }

// SequenceViolationError reports an append whose index was not last+1.
type SequenceViolationError struct {
	SessionID snowflake.ID
	Expected  uint64
	Got       uint64
}

func (e *SequenceViolationError) Error() string {
	return fmt.Sprintf("sequence violation on session %d: expected tick %d, got %d", e.SessionID, e.Expected, e.Got)
}

func (e *SequenceViolationError) Unwrap() error {
	return ErrSequenceViolation
}

// Tail is the unsettled portion of one session's log.
type Tail struct {
	SessionID snowflake.ID
	Confirmed uint64
	Last      uint64
	Ticks     []Tick
}

func (t Tail) Pending() uint64 {
	return t.Last - t.Confirmed
}

type Repository interface {
	InsertTicks(ctx context.Context, db *gorm.DB, ticks []Tick) error
	DeleteThrough(ctx context.Context, db *gorm.DB, sessionID snowflake.ID, index uint64) error
	DeleteSession(ctx context.Context, db *gorm.DB, sessionID snowflake.ID) error
	ListAll(ctx context.Context, db *gorm.DB) ([]Tick, error)
}
