package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type State string

const (
	StatePending State = "PENDING"
	StateActive  State = "ACTIVE"
	StateGrace   State = "GRACE"
	StateClosed  State = "CLOSED"
)

// Open reports whether the session still holds its viewer/creator slot.
func (s State) Open() bool {
	return s == StatePending || s == StateActive || s == StateGrace
}

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {StateActive: {}, StateClosed: {}},
	StateActive:  {StateGrace: {}, StateClosed: {}},
	StateGrace:   {StateActive: {}, StateClosed: {}},
}

func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Key identifies the viewer/creator pair a session meters.
type Key struct {
	ViewerID  string
	CreatorID string
}

// NewKey normalizes and validates a pair. A viewer may not meter themselves.
func NewKey(viewerID, creatorID string) (Key, error) {
	viewerID = strings.TrimSpace(viewerID)
	creatorID = strings.TrimSpace(creatorID)
	if viewerID == "" {
		return Key{}, ErrInvalidViewer
	}
	if creatorID == "" {
		return Key{}, ErrInvalidCreator
	}
	if viewerID == creatorID {
		return Key{}, ErrSelfSession
	}
	return Key{ViewerID: viewerID, CreatorID: creatorID}, nil
}

func (k Key) String() string {
	return k.ViewerID + "|" + k.CreatorID
}

type CloseReason string

const (
	ReasonOpened            CloseReason = "opened"
	ReasonConnected         CloseReason = "connected"
	ReasonDisconnected      CloseReason = "disconnected"
	ReasonReconnected       CloseReason = "reconnected"
	ReasonGraceExpired      CloseReason = "grace_expired"
	ReasonEnded             CloseReason = "ended"
	ReasonSequenceViolation CloseReason = "sequence_violation"
	ReasonRestored          CloseReason = "restored"
)

// Session is the persisted metering session record.
type Session struct {
	ID                 snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	ViewerID           string            `gorm:"type:text;not null;index:ix_metering_sessions_pair,priority:1"`
	CreatorID          string            `gorm:"type:text;not null;index:ix_metering_sessions_pair,priority:2;index"`
	State              State             `gorm:"type:varchar(16);not null"`
	StartedAt          *time.Time
	LastTickIndex      uint64            `gorm:"not null;default:0"`
	LastConfirmedIndex uint64            `gorm:"not null;default:0"`
	GraceDeadline      *time.Time
	LastDisconnectAt   *time.Time
	UnsettledBalance   bool              `gorm:"not null;default:false"`
	UnsettledReason    string            `gorm:"type:text"`
	CloseReason        CloseReason       `gorm:"type:varchar(32)"`
	ClosedAt           *time.Time
	ArchivedAt         *time.Time
	Metadata           datatypes.JSONMap `gorm:"type:json"`
	CreatedAt          time.Time         `gorm:"not null"`
	UpdatedAt          time.Time         `gorm:"not null"`
}

func (Session) TableName() string { return "metering_sessions" }

func (s *Session) Key() Key {
	return Key{ViewerID: s.ViewerID, CreatorID: s.CreatorID}
}

// PendingTicks is the count of ticks accrued but not yet confirmed.
func (s *Session) PendingTicks() uint64 {
	if s.LastTickIndex <= s.LastConfirmedIndex {
		return 0
	}
	return s.LastTickIndex - s.LastConfirmedIndex
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (s *Session) Clone() Session {
	out := *s
	out.StartedAt = cloneTime(s.StartedAt)
	out.GraceDeadline = cloneTime(s.GraceDeadline)
	out.LastDisconnectAt = cloneTime(s.LastDisconnectAt)
	out.ClosedAt = cloneTime(s.ClosedAt)
	out.ArchivedAt = cloneTime(s.ArchivedAt)
	if s.Metadata != nil {
		out.Metadata = make(datatypes.JSONMap, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:        s.ID.String(),
		ViewerID:         s.ViewerID,
		CreatorID:        s.CreatorID,
		State:            s.State,
		StartedAt:        cloneTime(s.StartedAt),
		ElapsedTicks:     s.LastTickIndex,
		ConfirmedTicks:   s.LastConfirmedIndex,
		PendingTicks:     s.PendingTicks(),
		GraceDeadline:    cloneTime(s.GraceDeadline),
		UnsettledBalance: s.UnsettledBalance,
		CloseReason:      s.CloseReason,
	}
}

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	SessionID        string      `json:"session_id"`
	ViewerID         string      `json:"viewer_id"`
	CreatorID        string      `json:"creator_id"`
	State            State       `json:"state"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	ElapsedTicks     uint64      `json:"elapsed_ticks"`
	ConfirmedTicks   uint64      `json:"confirmed_ticks"`
	PendingTicks     uint64      `json:"pending_ticks"`
	GraceDeadline    *time.Time  `json:"grace_deadline,omitempty"`
	UnsettledBalance bool        `json:"unsettled_balance"`
	CloseReason      CloseReason `json:"close_reason,omitempty"`
}

// Transition describes one state change, delivered to listeners while the
// session lock is held.
type Transition struct {
	SessionID snowflake.ID
	Key       Key
	From      State
	To        State
	Reason    CloseReason
	At        time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
