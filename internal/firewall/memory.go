package firewall

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
)

// MemoryFilter keeps drop rules in process memory.
// It backs the "memory" dry-run backend and tests of higher layers.
// Like the kernel backends it matches on the parsed prefix, so
// "1.2.3.4" and "1.2.3.4/32" name the same rule.
type MemoryFilter struct {
	mu         sync.Mutex
	rules      []string // canonical destinations, head of chain first
	clients    []string // client rule tags, head of chain first
	failInsert map[string]error
	failDelete map[string]error
	inserts    int
	deletes    int
}

// NewMemoryFilter creates an empty in-memory filter.
func NewMemoryFilter() *MemoryFilter {
	return &MemoryFilter{
		failInsert: make(map[string]error),
		failDelete: make(map[string]error),
	}
}

// InsertDrop prepends a drop rule for dst.
func (m *MemoryFilter) InsertDrop(ctx context.Context, dst string) error {
	dst, err := CanonicalDestination(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if err := m.failInsert[dst]; err != nil {
		return err
	}
	m.rules = append([]string{dst}, m.rules...)
	return nil
}

// DeleteDrop removes the first drop rule for dst.
func (m *MemoryFilter) DeleteDrop(ctx context.Context, dst string) error {
	dst, err := CanonicalDestination(dst)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if err := m.failDelete[dst]; err != nil {
		return err
	}
	for i, r := range m.rules {
		if r == dst {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, dst)
}

// Count returns how many drop rules exist for dst.
func (m *MemoryFilter) Count(dst string) int {
	dst = canonical(dst)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rules {
		if r == dst {
			n++
		}
	}
	return n
}

// Rules returns a copy of the chain in canonical form, head first.
func (m *MemoryFilter) Rules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.rules...)
}

// Len returns the total number of rules.
func (m *MemoryFilter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

// Calls returns how many insert and delete calls were made.
func (m *MemoryFilter) Calls() (inserts, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inserts, m.deletes
}

// FailInsert makes every InsertDrop for dst return err. A nil err clears it.
func (m *MemoryFilter) FailInsert(dst string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst = canonical(dst)
	if err == nil {
		delete(m.failInsert, dst)
		return
	}
	m.failInsert[dst] = err
}

// FailDelete makes every DeleteDrop for dst return err. A nil err clears it.
func (m *MemoryFilter) FailDelete(dst string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst = canonical(dst)
	if err == nil {
		delete(m.failDelete, dst)
		return
	}
	m.failDelete[dst] = err
}

func canonical(dst string) string {
	if c, err := CanonicalDestination(dst); err == nil {
		return c
	}
	return dst
}

// InsertClientDrop prepends the client's rules.
func (m *MemoryFilter) InsertClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	tags, err := clientTags(mac, ip)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(slices.Clone(tags), m.clients...)
	return nil
}

// DeleteClientDrop removes the first rule for each of the client's tags.
func (m *MemoryFilter) DeleteClientDrop(ctx context.Context, mac net.HardwareAddr, ip netip.Addr) error {
	tags, err := clientTags(mac, ip)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	found := 0
	for _, tag := range tags {
		if i := slices.Index(m.clients, tag); i >= 0 {
			m.clients = slices.Delete(m.clients, i, i+1)
			found++
		}
	}
	if found == 0 {
		return fmt.Errorf("%w: client %s", ErrRuleNotFound, mac)
	}
	return nil
}

// ClientRules returns the client rule tags, head first.
func (m *MemoryFilter) ClientRules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.clients)
}
