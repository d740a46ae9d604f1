package liveevents

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeSessionOpened       = "session.opened"
	TypeSessionState        = "session.state_changed"
	TypeSessionArchived     = "session.archived"
	TypeTickGenerated       = "tick.generated"
	TypeSettlementCommitted = "settlement.committed"
	TypeSettlementRejected  = "settlement.rejected"
)

const (
	DefaultBufferSize       = 256
	DefaultSubscriberBuffer = 64

	allStreams = "*"
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidCreator = errors.New("invalid_creator")
)

type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	ViewerID       string    `json:"viewer_id"`
	CreatorID      string    `json:"creator_id"`
	State          string    `json:"state,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	TickIndex      uint64    `json:"tick_index,omitempty"`
	ConfirmedIndex uint64    `json:"confirmed_index,omitempty"`
	At             time.Time `json:"at"`
}

// Filter selects the events a subscriber receives. An empty CreatorID
// subscribes to every creator.
type Filter struct {
	CreatorID string
	SessionID string
}

func (f Filter) matches(e Event) bool {
	if f.CreatorID != "" && f.CreatorID != e.CreatorID {
		return false
	}
	return f.SessionID == "" || f.SessionID == e.SessionID
}

func (f Filter) streamKey() string {
	if f.CreatorID == "" {
		return allStreams
	}
	return f.CreatorID
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	dropped atomic.Uint64
	onDrop  func(n int)
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]*Subscription
	nextID uint64
}

type Subscription struct {
	hub    *Hub
	key    string
	id     uint64
	filter Filter
	ch     chan Event
	once   sync.Once
}

type Option func(*Hub)

func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.subscriberBuffer = n
		}
	}
}

// WithDropHook is called with the number of subscribers that missed an event.
func WithDropHook(fn func(n int)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
		entropy:          ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stamps event with a sortable ID and delivers it to the creator's
// stream and the all-creators stream.
func (h *Hub) Publish(event Event) Event {
	if h == nil {
		return event
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	event.ID = h.newID(event.At)

	h.mu.RLock()
	targets := []*stream{h.streams[allStreams]}
	if creator := strings.TrimSpace(event.CreatorID); creator != "" {
		targets = append(targets, h.streams[creator])
	}
	h.mu.RUnlock()

	dropped := 0
	for _, st := range targets {
		if st != nil {
			dropped += h.deliver(st, event)
		}
	}
	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
		if h.onDrop != nil {
			h.onDrop(dropped)
		}
	}
	return event
}

func (h *Hub) deliver(st *stream, event Event) int {
	st.mu.Lock()
	st.buffer = append(st.buffer, event)
	if len(st.buffer) > h.bufferSize {
		st.buffer = st.buffer[len(st.buffer)-h.bufferSize:]
	}
	subs := make([]*Subscription, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	dropped := 0
	for _, sub := range subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribe registers a subscriber and returns the retained events that match
// filter and sort after afterID. An empty afterID returns the whole backlog.
func (h *Hub) Subscribe(filter Filter, afterID string) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	filter.CreatorID = strings.TrimSpace(filter.CreatorID)
	filter.SessionID = strings.TrimSpace(filter.SessionID)
	if filter.CreatorID == allStreams {
		return nil, nil, ErrInvalidCreator
	}
	afterID = strings.TrimSpace(afterID)

	key := filter.streamKey()
	st := h.ensureStream(key)
	st.mu.Lock()
	id := st.nextID
	st.nextID++
	sub := &Subscription{
		hub:    h,
		key:    key,
		id:     id,
		filter: filter,
		ch:     make(chan Event, h.subscriberBuffer),
	}
	st.subs[id] = sub
	backlog := make([]Event, 0, len(st.buffer))
	for _, event := range st.buffer {
		if afterID != "" && event.ID <= afterID {
			continue
		}
		if filter.matches(event) {
			backlog = append(backlog, event)
		}
	}
	st.mu.Unlock()

	return sub, backlog, nil
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) newID(at time.Time) string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), h.entropy).String()
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]*Subscription)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.streams[key]
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, id)
	empty := len(st.subs) == 0
	st.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.key, s.id)
	})
}
