// Package flowlog keeps the most recent classified flows in memory and
// answers filtered, sorted, paginated queries over them.
//
// The store is a fixed-size ring: once MaxEntries flows are held, each
// append evicts the oldest one. Flow IDs come from a counter that is never
// reset, so IDs stay strictly increasing for the life of the process even
// across Clear and Resize.
package flowlog

import (
	"net/netip"
	"sync"
	"time"

	"grimm.is/apwatch/internal/clock"
)

const (
	// DefaultMaxEntries is the default ring size.
	DefaultMaxEntries = 500
	// MaxEntriesLimit is the largest ring size a store accepts. Larger
	// sizes are clamped to it.
	MaxEntriesLimit = 100000
)

// Flow is one logged request. Flows are immutable once appended.
type Flow struct {
	ID          uint64     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	SrcIP       netip.Addr `json:"src_ip"`
	SrcPort     uint16     `json:"src_port,omitempty"`
	DstIP       netip.Addr `json:"dst_ip"`
	Protocol    string     `json:"protocol"`
	Port        uint16     `json:"port"`
	RequestType string     `json:"request_type"`
	Domain      string     `json:"domain,omitempty"`
	URL         string     `json:"url,omitempty"`
	Method      string     `json:"method,omitempty"`
	FullURL     string     `json:"full_url,omitempty"`
	SNI         string     `json:"tls_sni,omitempty"`
	Blocked     bool       `json:"blocked"`
	RawHeaders  string     `json:"request_headers,omitempty"`
}

// Options configures a Store.
type Options struct {
	MaxEntries int // default 500, at most MaxEntriesLimit
	Clock      clock.Clock
}

// Store is a bounded, concurrency-safe flow log.
// It is meant for one writer and many readers.
type Store struct {
	mu     sync.RWMutex
	ring   []Flow
	head   int // index of the oldest flow
	size   int
	nextID uint64
	clock  clock.Clock
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		ring:  make([]Flow, ringSize(opts.MaxEntries)),
		clock: clock.Or(opts.Clock),
	}
}

// Append assigns the next ID, stamps the flow if its timestamp is zero,
// stores it and returns the stored copy.
func (s *Store) Append(f Flow) Flow {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	f.ID = s.nextID
	if f.Timestamp.IsZero() {
		f.Timestamp = s.clock.Now()
	}

	max := len(s.ring)
	if s.size < max {
		s.ring[(s.head+s.size)%max] = f
		s.size++
	} else {
		s.ring[s.head] = f
		s.head = (s.head + 1) % max
	}
	return f
}

// Get returns the flow with the given ID, if it is still held.
func (s *Store) Get(id uint64) (Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size == 0 {
		return Flow{}, false
	}
	// IDs are contiguous within the ring.
	oldest := s.ring[s.head].ID
	if id < oldest || id >= oldest+uint64(s.size) {
		return Flow{}, false
	}
	f := s.ring[(s.head+int(id-oldest))%len(s.ring)]
	if f.ID != id {
		return Flow{}, false
	}
	return f, true
}

// Len returns the number of flows held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// MaxEntries returns the ring size.
func (s *Store) MaxEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

// Clear drops every flow. The ID counter keeps counting.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.head = 0
	s.size = 0
}

// Resize changes the ring size, keeping the newest flows that still fit.
func (s *Store) Resize(max int) {
	max = ringSize(max)
	s.mu.Lock()
	defer s.mu.Unlock()
	if max == len(s.ring) {
		return
	}
	flows := s.snapshotLocked()
	if len(flows) > max {
		flows = flows[len(flows)-max:]
	}
	s.ring = make([]Flow, max)
	copy(s.ring, flows)
	s.head = 0
	s.size = len(flows)
}

// Snapshot returns every held flow, oldest first.
func (s *Store) Snapshot() []Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Flow {
	out := make([]Flow, s.size)
	max := len(s.ring)
	for i := 0; i < s.size; i++ {
		out[i] = s.ring[(s.head+i)%max]
	}
	return out
}

func ringSize(n int) int {
	if n <= 0 {
		return DefaultMaxEntries
	}
	return min(n, MaxEntriesLimit)
}
