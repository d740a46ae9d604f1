package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrLedgerRejected    = errors.New("ledger_rejected")
	ErrLedgerUnavailable = errors.New("ledger_unavailable")
	ErrInvalidSignature  = errors.New("invalid_signature")
	ErrNotMember         = errors.New("viewer_not_member")
	ErrInvalidAccrual    = errors.New("invalid_accrual")
	ErrBatchNotFound     = errors.New("batch_not_found")
)

// Outcome is the ledger's answer to one submission.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
	OutcomePending   Outcome = "pending"
)

type SubmitResult struct {
	Outcome        Outcome `json:"status"`
	CommittedIndex uint64  `json:"index,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

func Committed(index uint64) SubmitResult {
	return SubmitResult{Outcome: OutcomeCommitted, CommittedIndex: index}
}

func Rejected(reason string) SubmitResult {
	return SubmitResult{Outcome: OutcomeRejected, Reason: reason}
}

func Pending() SubmitResult {
	return SubmitResult{Outcome: OutcomePending}
}

// Accrual is the instruction "extend session to TargetIndex". PrevIndex is
// the last index this side saw confirmed.
type Accrual struct {
	SessionID   snowflake.ID
	ViewerID    string
	CreatorID   string
	PrevIndex   uint64
	TargetIndex uint64
}

// Ticks is the count of new ticks carried by the accrual.
func (a Accrual) Ticks() uint64 {
	if a.TargetIndex <= a.PrevIndex {
		return 0
	}
	return a.TargetIndex - a.PrevIndex
}

func (a Accrual) Validate() error {
	if a.SessionID == 0 || a.ViewerID == "" || a.CreatorID == "" {
		return ErrInvalidAccrual
	}
	if a.TargetIndex == 0 || a.TargetIndex < a.PrevIndex {
		return ErrInvalidAccrual
	}
	return nil
}

type SignedAccrual struct {
	Accrual
	PublicKey []byte
	Signature []byte
}

// LedgerClient is the external settlement layer. SubmitAccrual must be safe
// to call repeatedly with the same target.
type LedgerClient interface {
	JoinStream(ctx context.Context, viewerID, creatorID string) error
	SubmitAccrual(ctx context.Context, accrual SignedAccrual) (SubmitResult, error)
	TickCount(ctx context.Context, creatorID string) (uint64, error)
}

type Signer interface {
	Sign(accrual Accrual) (SignedAccrual, error)
	PublicKey() []byte
}

// PendingBatch is the submitter's retry state for one session.
type PendingBatch struct {
	ID            snowflake.ID
	Accrual       Accrual
	Attempts      int
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
	Escalated     bool
}
