package ledgerclient

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
)

// Fault overrides the next submission: either an error or a fixed result.
type Fault struct {
	Err    error
	Result *settlementdomain.SubmitResult
}

// Memory is an in-process ledger with the same idempotent contract as the
// remote one. Faults queued with Inject are consumed in order.
type Memory struct {
	mu          sync.Mutex
	committed   map[snowflake.ID]uint64
	members     map[string]map[string]struct{}
	counts      map[string]uint64
	faults      []Fault
	submissions int
	joins       int
}

func NewMemory() *Memory {
	return &Memory{
		committed: make(map[snowflake.ID]uint64),
		members:   make(map[string]map[string]struct{}),
		counts:    make(map[string]uint64),
	}
}

func (m *Memory) Inject(faults ...Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, faults...)
}

func (m *Memory) JoinStream(ctx context.Context, viewerID, creatorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins++
	viewers, ok := m.members[creatorID]
	if !ok {
		viewers = make(map[string]struct{})
		m.members[creatorID] = viewers
	}
	viewers[viewerID] = struct{}{}
	return nil
}

func (m *Memory) SubmitAccrual(ctx context.Context, sa settlementdomain.SignedAccrual) (settlementdomain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return settlementdomain.SubmitResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++

	if len(m.faults) > 0 {
		f := m.faults[0]
		m.faults = m.faults[1:]
		if f.Err != nil {
			return settlementdomain.SubmitResult{}, f.Err
		}
		if f.Result != nil {
			return *f.Result, nil
		}
	}

	_, member := m.members[sa.CreatorID][sa.ViewerID]
	prev := m.committed[sa.SessionID]
	next, res := decide(prev, sa, member)
	if next > prev {
		m.committed[sa.SessionID] = next
		m.counts[sa.CreatorID] += next - prev
	}
	return res, nil
}

func (m *Memory) TickCount(ctx context.Context, creatorID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[creatorID], nil
}

// Committed returns the index the ledger holds for a session.
func (m *Memory) Committed(sessionID snowflake.ID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[sessionID]
}

func (m *Memory) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

func (m *Memory) Joins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins
}
