// Package blocklist keeps packet filter drop rules in step with the
// user's block intent.
//
// Each block key (a normalized domain or a literal IPv4 address/prefix)
// owns a set of destinations, each held in the canonical form the packet
// filter matches on. For every destination the Synchronizer
// inserts one drop rule at the head of the chain and records it in the
// key's Installed list. Unblock and Update delete exactly the recorded
// rules, one each, so repeated operations never accumulate duplicates.
//
// Destinations may be shared by several keys. A per-destination reference
// count decides whether a pre-existing rule for a destination is stale
// (nobody owns it, so it is swept before inserting) or belongs to another
// key (left alone).
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbmk-project/common/errclass"

	"grimm.is/apwatch/internal/clock"
	"grimm.is/apwatch/internal/firewall"
	"grimm.is/apwatch/internal/logging"
	"grimm.is/apwatch/internal/metrics"
	"grimm.is/apwatch/internal/state"
)

// Rule is the persisted intent for one key.
type Rule = state.BlockRule

var (
	// ErrDuplicate is returned when blocking a key that is already blocked.
	ErrDuplicate = errors.New("already blocked")
	// ErrNotBlocked is returned when the key has no blocklist entry.
	ErrNotBlocked = errors.New("not blocked")
	// ErrInvalidRange is returned for ranges that are not IPv4 addresses or prefixes.
	ErrInvalidRange = errors.New("invalid IP range")
	// ErrEmptyTarget is returned when the input normalizes to nothing.
	ErrEmptyTarget = errors.New("no target provided")
	// ErrInvalidTarget is returned for keys that are neither a hostname nor an IP.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrAlreadyLoaded is returned by a second Replay.
	ErrAlreadyLoaded = errors.New("blocklist already loaded")
)

const (
	DefaultCommandTimeout = 20 * time.Second
	DefaultResolveTimeout = 5 * time.Second

	// maxStaleSweep bounds how many ownerless rules are removed for one
	// destination before inserting.
	maxStaleSweep = 16
)

// Resolver resolves a domain to IPv4 address strings.
type Resolver interface {
	LookupIPv4(ctx context.Context, name string) ([]string, error)
}

// Persister stores rules durably. *state.BlocklistBucket implements it.
type Persister interface {
	List() ([]*state.BlockRule, error)
	Put(rule *state.BlockRule) error
	Delete(key string) error
	ReplaceAll(rules []*state.BlockRule) error
}

// Options configures a Synchronizer.
type Options struct {
	Filter         firewall.Filter
	Resolver       Resolver  // nil disables resolution; domains get an empty set
	Store          Persister // nil keeps rules in memory only
	Clock          clock.Clock
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	CommandTimeout time.Duration
	ResolveTimeout time.Duration
}

// Result summarizes a mutation.
type Result struct {
	Key          string `json:"url"`
	IsIPAddress  bool   `json:"is_ip_address"`
	IPCount      int    `json:"ip_count"`
	RulesCount   int    `json:"rules_count"`
	RulesRemoved int    `json:"rules_removed,omitempty"`
}

// Synchronizer owns the key to filter rule mapping.
type Synchronizer struct {
	filter   firewall.Filter
	resolver Resolver
	store    Persister
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.Registry

	commandTimeout time.Duration
	resolveTimeout time.Duration

	// mu guards rules, refs, dirty and loaded. It is never held across
	// filter commands or resolution.
	mu     sync.RWMutex
	rules  map[string]*Rule
	refs   map[string]int // installed rules per destination, across keys
	dirty  bool           // last write failed; next write replaces everything
	loaded bool

	keys keyedMutex // serializes operations on one key
	dsts keyedMutex // serializes sweep+insert and delete on one destination
}

// New creates a Synchronizer with no rules. Call Replay to load
// persisted rules before serving.
func New(opts Options) (*Synchronizer, error) {
	if opts.Filter == nil {
		return nil, errors.New("blocklist: filter is required")
	}
	s := &Synchronizer{
		filter:         opts.Filter,
		resolver:       opts.Resolver,
		store:          opts.Store,
		clock:          clock.Or(opts.Clock),
		logger:         logging.OrDefault(opts.Logger).WithComponent("blocklist"),
		metrics:        opts.Metrics,
		commandTimeout: opts.CommandTimeout,
		resolveTimeout: opts.ResolveTimeout,
		rules:          make(map[string]*Rule),
		refs:           make(map[string]int),
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = DefaultCommandTimeout
	}
	if s.resolveTimeout <= 0 {
		s.resolveTimeout = DefaultResolveTimeout
	}
	return s, nil
}

// Block blocks input, resolving it when it is a domain.
func (s *Synchronizer) Block(ctx context.Context, input string) (*Result, error) {
	return s.block(ctx, input, nil, false)
}

// BlockWithRanges blocks input using explicit IP ranges. An empty ranges
// list resolves the key like Block.
func (s *Synchronizer) BlockWithRanges(ctx context.Context, input string, ranges []string) (*Result, error) {
	clean, err := ValidateRanges(ranges)
	if err != nil {
		return nil, err
	}
	return s.block(ctx, input, clean, len(clean) > 0)
}

func (s *Synchronizer) block(ctx context.Context, input string, ranges []string, explicit bool) (*Result, error) {
	key, err := targetKey(input)
	if err != nil {
		return nil, err
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.RLock()
	_, exists := s.rules[key]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}

	isIP := IsIPTarget(key)
	var set []string
	switch {
	case explicit:
		set = ranges
	case isIP:
		set = s.canonicalSet(key, []string{key})
	default:
		set = s.canonicalSet(key, s.resolve(ctx, key))
	}

	installed := s.install(ctx, set)
	now := s.clock.Now()
	rule := &Rule{
		Key:         key,
		IPSet:       set,
		IsIPAddress: isIP,
		CreatedAt:   now,
		RulesCount:  len(installed),
		Installed:   installed,
	}
	if rule.IPSet == nil {
		rule.IPSet = []string{}
	}

	s.mu.Lock()
	s.rules[key] = rule
	s.persistLocked(func() error { return s.store.Put(rule) })
	s.mu.Unlock()
	s.updateGauges()

	s.logger.Audit("block", key, map[string]any{
		"ips":   len(set),
		"rules": len(installed),
	})
	if len(installed) < len(set) {
		s.logger.Warn("block partially applied", "key", key, "ips", len(set), "rules", len(installed))
	}
	return &Result{
		Key:         key,
		IsIPAddress: isIP,
		IPCount:     len(set),
		RulesCount:  len(installed),
	}, nil
}

// Unblock removes key and exactly the rules it installed.
func (s *Synchronizer) Unblock(ctx context.Context, input string) (*Result, error) {
	key := Normalize(input)
	if key == "" {
		return nil, ErrEmptyTarget
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.RLock()
	rule, ok := s.rules[key]
	var installed []string
	if ok {
		installed = slices.Clone(rule.Installed)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBlocked, key)
	}

	removed := s.uninstall(ctx, installed)

	s.mu.Lock()
	delete(s.rules, key)
	s.persistLocked(func() error { return s.store.Delete(key) })
	s.mu.Unlock()
	s.updateGauges()

	s.logger.Audit("unblock", key, map[string]any{"rules_removed": removed})
	return &Result{
		Key:          key,
		IsIPAddress:  rule.IsIPAddress,
		IPCount:      len(rule.IPSet),
		RulesRemoved: removed,
	}, nil
}

// Update replaces key's IP set: its installed rules are removed and rules
// for the new set are inserted.
func (s *Synchronizer) Update(ctx context.Context, input string, ranges []string) (*Result, error) {
	clean, err := ValidateRanges(ranges)
	if err != nil {
		return nil, err
	}
	key := Normalize(input)
	if key == "" {
		return nil, ErrEmptyTarget
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	s.mu.RLock()
	current, ok := s.rules[key]
	var old []string
	if ok {
		old = slices.Clone(current.Installed)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBlocked, key)
	}

	removed := s.uninstall(ctx, old)
	installed := s.install(ctx, clean)

	s.mu.Lock()
	rule := current.Clone()
	rule.IPSet = clean
	rule.Installed = installed
	rule.RulesCount = len(installed)
	rule.UpdatedAt = s.clock.Now()
	s.rules[key] = rule
	s.persistLocked(func() error { return s.store.Put(rule) })
	s.mu.Unlock()
	s.updateGauges()

	s.logger.Audit("update", key, map[string]any{
		"ips":           len(clean),
		"rules":         len(installed),
		"rules_removed": removed,
	})
	return &Result{
		Key:          key,
		IsIPAddress:  rule.IsIPAddress,
		IPCount:      len(clean),
		RulesCount:   len(installed),
		RulesRemoved: removed,
	}, nil
}

// IsBlocked reports whether any key is a case-insensitive substring of
// domain. The match is coarse: blocking "example.com" also
// matches "www.example.com", and a short key such as "ads" matches any
// domain containing it. dstIP and port are not consulted.
func (s *Synchronizer) IsBlocked(dstIP string, port int, domain string) bool {
	if domain == "" {
		return false
	}
	domain = strings.ToLower(domain)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for key := range s.rules {
		if strings.Contains(domain, key) {
			return true
		}
	}
	return false
}

// List returns copies of all rules sorted by key.
func (s *Synchronizer) List() []*Rule {
	s.mu.RLock()
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Rule) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Get returns a copy of the rule for input.
func (s *Synchronizer) Get(input string) (*Rule, error) {
	key := Normalize(input)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBlocked, key)
	}
	return r.Clone(), nil
}

// Stats returns the number of keys and of installed rules.
func (s *Synchronizer) Stats() (keys, installed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.refs {
		installed += n
	}
	return len(s.rules), installed
}

// ValidateRanges trims ranges, drops blanks, checks that each is an IPv4
// address or prefix and rewrites it in canonical form (see
// firewall.CanonicalDestination). Spellings of the same destination
// collapse to one entry.
func ValidateRanges(ranges []string) ([]string, error) {
	out := make([]string, 0, len(ranges))
	seen := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		dst, err := firewall.CanonicalDestination(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, r)
		}
		if seen[dst] {
			continue
		}
		seen[dst] = true
		out = append(out, dst)
	}
	return out, nil
}

// canonicalSet rewrites destinations that did not come through
// ValidateRanges, dropping any that are not IPv4.
func (s *Synchronizer) canonicalSet(key string, set []string) []string {
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(set))
	seen := make(map[string]bool, len(set))
	for _, raw := range set {
		dst, err := firewall.CanonicalDestination(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Warn("ignoring invalid destination", "key", key, "dst", raw)
			continue
		}
		if !seen[dst] {
			seen[dst] = true
			out = append(out, dst)
		}
	}
	return out
}

func targetKey(input string) (string, error) {
	key := Normalize(input)
	if key == "" {
		return "", ErrEmptyTarget
	}
	if !IsIPTarget(key) && !validDomain(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, key)
	}
	return key, nil
}

// resolve returns key's IPv4 addresses. Failure yields an empty set.
func (s *Synchronizer) resolve(ctx context.Context, key string) []string {
	if s.resolver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	ips, err := s.resolver.LookupIPv4(ctx, key)
	s.metrics.RecordResolution(err)
	if err != nil {
		s.logger.Warn("resolution failed, rule recorded without addresses",
			"key", key, "error", err, "errClass", errclass.New(err))
		return nil
	}
	return ips
}

// install inserts one drop rule per destination and returns the
// destinations that succeeded.
func (s *Synchronizer) install(ctx context.Context, set []string) []string {
	installed := make([]string, 0, len(set))
	for _, dst := range set {
		if s.installOne(ctx, dst) {
			installed = append(installed, dst)
		}
	}
	return installed
}

func (s *Synchronizer) installOne(ctx context.Context, dst string) bool {
	unlock := s.dsts.Lock(dst)
	defer unlock()

	s.mu.RLock()
	owned := s.refs[dst] > 0
	s.mu.RUnlock()

	if !owned {
		for i := 0; i < maxStaleSweep; i++ {
			if err := s.filterOp(ctx, "sweep", dst, s.filter.DeleteDrop); err != nil {
				break
			}
			s.logger.Debug("removed stale rule", "dst", dst)
		}
	}

	if err := s.filterOp(ctx, "insert", dst, s.filter.InsertDrop); err != nil {
		s.logger.Warn("failed to insert drop rule", "dst", dst, "error", err)
		return false
	}

	s.mu.Lock()
	s.refs[dst]++
	s.mu.Unlock()
	return true
}

// uninstall deletes one rule per entry in installed and returns how many
// deletions succeeded. Accounting is released even when a delete fails;
// a leftover rule is ownerless and gets swept by the next insert for it.
func (s *Synchronizer) uninstall(ctx context.Context, installed []string) int {
	removed := 0
	for _, dst := range installed {
		unlock := s.dsts.Lock(dst)
		err := s.filterOp(ctx, "delete", dst, s.filter.DeleteDrop)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, firewall.ErrRuleNotFound):
			s.logger.Debug("rule already gone", "dst", dst)
		default:
			s.logger.Warn("failed to delete drop rule", "dst", dst, "error", err)
		}

		s.mu.Lock()
		if s.refs[dst] > 1 {
			s.refs[dst]--
		} else {
			delete(s.refs, dst)
		}
		s.mu.Unlock()
		unlock()
	}
	return removed
}

func (s *Synchronizer) filterOp(ctx context.Context, op, dst string, fn func(context.Context, string) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	err := fn(ctx, dst)
	if op != "sweep" || !errors.Is(err, firewall.ErrRuleNotFound) {
		s.metrics.RecordFilterOp(op, err)
	}
	return err
}

// persistLocked runs write, or rewrites every rule if an earlier write
// failed. Failures are logged; the in-memory state stays authoritative.
// Callers hold s.mu.
func (s *Synchronizer) persistLocked(write func() error) {
	if s.store == nil {
		return
	}
	var err error
	if s.dirty {
		err = s.store.ReplaceAll(s.snapshotLocked())
	} else {
		err = write()
	}
	s.metrics.RecordPersist(err)
	if err != nil {
		s.dirty = true
		s.logger.Error("failed to persist blocklist, will retry on next change", "error", err)
		return
	}
	s.dirty = false
}

func (s *Synchronizer) snapshotLocked() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Rule) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (s *Synchronizer) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetBlocklist(s.Stats())
}

// Replay loads persisted rules and installs their IP sets. Rules left in
// the filter by a previous run are swept before inserting, so replaying
// never duplicates them. It may be called once.
func (s *Synchronizer) Replay(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return ErrAlreadyLoaded
	}
	s.loaded = true
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	rules, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load blocklist: %w", err)
	}

	total := 0
	for _, r := range rules {
		if r == nil || r.Key == "" {
			continue
		}
		unlock := s.keys.Lock(r.Key)
		rule := r.Clone()
		rule.IPSet = s.canonicalSet(rule.Key, rule.IPSet)
		installed := s.install(ctx, rule.IPSet)
		rule.Installed = installed
		rule.RulesCount = len(installed)
		if rule.IPSet == nil {
			rule.IPSet = []string{}
		}
		s.mu.Lock()
		s.rules[rule.Key] = rule
		s.mu.Unlock()
		unlock()
		total += len(installed)
	}

	s.mu.Lock()
	s.dirty = true
	s.persistLocked(nil)
	s.mu.Unlock()
	s.updateGauges()

	s.logger.Info("blocklist restored", "keys", len(rules), "rules", total)
	return nil
}
