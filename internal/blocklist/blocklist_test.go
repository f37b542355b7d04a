package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/apwatch/internal/clock"
	"grimm.is/apwatch/internal/firewall"
	"grimm.is/apwatch/internal/state"
)

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	errs    map[string]error
	calls   int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{answers: map[string][]string{}, errs: map[string]error{}}
}

func (r *fakeResolver) set(name string, ips ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers[name] = ips
}

func (r *fakeResolver) LookupIPv4(ctx context.Context, name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err := r.errs[name]; err != nil {
		return nil, err
	}
	return append([]string(nil), r.answers[name]...), nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// flakyStore fails every write while fail is set.
type flakyStore struct {
	*state.BlocklistBucket
	mu   sync.Mutex
	fail bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *flakyStore) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *flakyStore) Put(r *state.BlockRule) error {
	if f.failing() {
		return errDiskFull
	}
	return f.BlocklistBucket.Put(r)
}

func (f *flakyStore) Delete(key string) error {
	if f.failing() {
		return errDiskFull
	}
	return f.BlocklistBucket.Delete(key)
}

func (f *flakyStore) ReplaceAll(rules []*state.BlockRule) error {
	if f.failing() {
		return errDiskFull
	}
	return f.BlocklistBucket.ReplaceAll(rules)
}

type fixture struct {
	sync     *Synchronizer
	filter   *firewall.MemoryFilter
	resolver *fakeResolver
	bucket   *state.BlocklistBucket
	clock    *clock.Mock
}

func newBucket(t *testing.T) *state.BlocklistBucket {
	t.Helper()
	store, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	bucket, err := state.NewBlocklistBucket(store)
	require.NoError(t, err)
	return bucket
}

func newFixture(t *testing.T, store Persister, bucket *state.BlocklistBucket) *fixture {
	t.Helper()
	f := &fixture{
		filter:   firewall.NewMemoryFilter(),
		resolver: newFakeResolver(),
		bucket:   bucket,
		clock:    clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	s, err := New(Options{
		Filter:   f.filter,
		Resolver: f.resolver,
		Store:    store,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	f.sync = s
	return f
}

func setup(t *testing.T) *fixture {
	t.Helper()
	bucket := newBucket(t)
	return newFixture(t, bucket, bucket)
}

func TestNew_RequiresFilter(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestBlock_Domain(t *testing.T) {
	f := setup(t)
	f.resolver.set("example.com", "1.1.1.1", "2.2.2.2")

	res, err := f.sync.Block(context.Background(), "  HTTPS://www.Example.com:443/some/path ")
	require.NoError(t, err)
	assert.Equal(t, "example.com", res.Key)
	assert.False(t, res.IsIPAddress)
	assert.Equal(t, 2, res.IPCount)
	assert.Equal(t, 2, res.RulesCount)

	assert.Equal(t, 1, f.filter.Count("1.1.1.1"))
	assert.Equal(t, 1, f.filter.Count("2.2.2.2"))

	rule, err := f.sync.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, rule.IPSet)
	assert.Equal(t, f.clock.Now(), rule.CreatedAt)

	stored, err := f.bucket.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, stored.Installed)
	assert.Equal(t, 2, stored.RulesCount)
}

func TestBlock_DuplicateKeepsOriginalSet(t *testing.T) {
	f := setup(t)
	f.resolver.set("example.com", "1.1.1.1")
	_, err := f.sync.Block(context.Background(), "example.com")
	require.NoError(t, err)

	f.resolver.set("example.com", "9.9.9.9")
	_, err = f.sync.Block(context.Background(), "http://www.example.com/")
	assert.ErrorIs(t, err, ErrDuplicate)

	rule, err := f.sync.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, rule.IPSet)
	assert.Equal(t, []string{"1.1.1.1"}, f.filter.Rules())
}

func TestBlock_IPSkipsResolution(t *testing.T) {
	f := setup(t)

	res, err := f.sync.Block(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, res.IsIPAddress)
	assert.Equal(t, 1, res.RulesCount)
	assert.Equal(t, 0, f.resolver.callCount())
	assert.Equal(t, []string{"10.0.0.5"}, f.filter.Rules())

	res, err = f.sync.Block(context.Background(), "10.1.2.3/16")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.0/16", res.Key)
	assert.Equal(t, 1, f.filter.Count("10.1.0.0/16"))
}

func TestBlock_ResolutionFailureRecordsEmptySet(t *testing.T) {
	f := setup(t)
	f.resolver.errs["gone.test"] = errors.New("no such host")

	res, err := f.sync.Block(context.Background(), "gone.test")
	require.NoError(t, err)
	assert.Equal(t, 0, res.IPCount)
	assert.Equal(t, 0, res.RulesCount)

	rule, err := f.sync.Get("gone.test")
	require.NoError(t, err)
	assert.NotNil(t, rule.IPSet)
	assert.Empty(t, rule.IPSet)
	assert.True(t, f.sync.IsBlocked("", 0, "gone.test"))
}

func TestBlock_InvalidInput(t *testing.T) {
	f := setup(t)

	_, err := f.sync.Block(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyTarget)
	_, err = f.sync.Block(context.Background(), "https://")
	assert.ErrorIs(t, err, ErrEmptyTarget)
	_, err = f.sync.Block(context.Background(), "evil;rm -rf")
	assert.ErrorIs(t, err, ErrInvalidTarget)

	assert.Empty(t, f.sync.List())
	assert.Equal(t, 0, f.resolver.callCount())
}

func TestBlockWithRanges(t *testing.T) {
	f := setup(t)

	res, err := f.sync.BlockWithRanges(context.Background(), "cdn.test", []string{" 1.2.3.4 ", "5.6.0.0/16", "", "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.IPCount)
	assert.Equal(t, 2, res.RulesCount)
	assert.Equal(t, 0, f.resolver.callCount())

	rule, err := f.sync.Get("cdn.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4", "5.6.0.0/16"}, rule.IPSet)
}

func TestBlockWithRanges_EmptyResolves(t *testing.T) {
	f := setup(t)
	f.resolver.set("auto.test", "3.3.3.3")

	res, err := f.sync.BlockWithRanges(context.Background(), "auto.test", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesCount)
	assert.Equal(t, 1, f.resolver.callCount())
}

func TestBlockWithRanges_InvalidRangeMutatesNothing(t *testing.T) {
	f := setup(t)

	for _, bad := range []string{"not-an-ip", "::1", "300.1.1.1", "10.0.0.0/40"} {
		_, err := f.sync.BlockWithRanges(context.Background(), "x.test", []string{"1.1.1.1", bad})
		assert.ErrorIs(t, err, ErrInvalidRange, bad)
	}

	assert.Empty(t, f.sync.List())
	inserts, deletes := f.filter.Calls()
	assert.Equal(t, 0, inserts)
	assert.Equal(t, 0, deletes)
}

func TestUnblock(t *testing.T) {
	f := setup(t)
	f.resolver.set("example.com", "1.1.1.1", "2.2.2.2")
	_, err := f.sync.Block(context.Background(), "example.com")
	require.NoError(t, err)

	res, err := f.sync.Unblock(context.Background(), "WWW.EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "example.com", res.Key)
	assert.Equal(t, 2, res.RulesRemoved)
	assert.Equal(t, 0, f.filter.Len())
	assert.Empty(t, f.sync.List())

	_, err = f.bucket.Get("example.com")
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = f.sync.Unblock(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrNotBlocked)
	_, err = f.sync.Get("example.com")
	assert.ErrorIs(t, err, ErrNotBlocked)
}

func TestUnblock_DeletesOnlyInstalled(t *testing.T) {
	f := setup(t)
	f.resolver.set("example.com", "1.1.1.1", "2.2.2.2")
	f.filter.FailInsert("2.2.2.2", errors.New("iptables: resource busy"))

	res, err := f.sync.Block(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, res.IPCount)
	assert.Equal(t, 1, res.RulesCount)

	rule, err := f.sync.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, rule.Installed)

	// someone else's rule for the uninstalled address must survive
	f.filter.FailInsert("2.2.2.2", nil)
	require.NoError(t, f.filter.InsertDrop(context.Background(), "2.2.2.2"))

	res, err = f.sync.Unblock(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesRemoved)
	assert.Equal(t, []string{"2.2.2.2"}, f.filter.Rules())
}

func TestUnblock_FailedDeleteReleasesOwnership(t *testing.T) {
	f := setup(t)
	_, err := f.sync.Block(context.Background(), "4.4.4.4")
	require.NoError(t, err)

	f.filter.FailDelete("4.4.4.4", errors.New("iptables: resource busy"))
	res, err := f.sync.Unblock(context.Background(), "4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RulesRemoved)
	assert.Equal(t, 1, f.filter.Count("4.4.4.4"))

	// the leftover rule is ownerless and gets swept on the next block
	f.filter.FailDelete("4.4.4.4", nil)
	_, err = f.sync.Block(context.Background(), "4.4.4.4")
	require.NoError(t, err)
	assert.Equal(t, 1, f.filter.Count("4.4.4.4"))
}

func TestUpdate(t *testing.T) {
	f := setup(t)
	f.resolver.set("example.com", "1.1.1.1")
	_, err := f.sync.Block(context.Background(), "example.com")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.sync.Update(context.Background(), "example.com", []string{"3.3.3.3", "4.4.4.0/24"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.IPCount)
	assert.Equal(t, 2, res.RulesCount)
	assert.Equal(t, 1, res.RulesRemoved)

	rule, err := f.sync.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"3.3.3.3", "4.4.4.0/24"}, rule.IPSet)
	assert.Equal(t, f.clock.Now(), rule.UpdatedAt)
	assert.True(t, rule.CreatedAt.Before(rule.UpdatedAt))

	assert.Equal(t, 0, f.filter.Count("1.1.1.1"))
	assert.Equal(t, 1, f.filter.Count("3.3.3.3"))
	assert.Equal(t, 1, f.filter.Count("4.4.4.0/24"))

	// clearing the set removes every rule but keeps the key
	res, err = f.sync.Update(context.Background(), "example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RulesRemoved)
	assert.Equal(t, 0, f.filter.Len())
	assert.True(t, f.sync.IsBlocked("", 0, "example.com"))
}

func TestUpdate_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.sync.Update(context.Background(), "missing.test", []string{"1.1.1.1"})
	assert.ErrorIs(t, err, ErrNotBlocked)

	_, err = f.sync.BlockWithRanges(context.Background(), "keep.test", []string{"1.1.1.1"})
	require.NoError(t, err)
	_, err = f.sync.Update(context.Background(), "keep.test", []string{"bogus"})
	assert.ErrorIs(t, err, ErrInvalidRange)

	rule, err := f.sync.Get("keep.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, rule.IPSet)
	assert.Equal(t, 1, f.filter.Count("1.1.1.1"))
}

func TestIsBlocked(t *testing.T) {
	f := setup(t)
	_, err := f.sync.BlockWithRanges(context.Background(), "example.com", []string{"1.1.1.1"})
	require.NoError(t, err)

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"api.example.com", true},
		{"WWW.EXAMPLE.COM", true},
		{"notexample.com.evil.test", true},
		{"example.org", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.sync.IsBlocked("1.1.1.1", 443, tt.domain), tt.domain)
	}
}

func TestSharedDestination(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.sync.BlockWithRanges(ctx, "a.test", []string{"5.5.5.5"})
	require.NoError(t, err)
	_, err = f.sync.BlockWithRanges(ctx, "b.test", []string{"5.5.5.5"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.filter.Count("5.5.5.5"))

	keys, installed := f.sync.Stats()
	assert.Equal(t, 2, keys)
	assert.Equal(t, 2, installed)

	_, err = f.sync.Unblock(ctx, "a.test")
	require.NoError(t, err)
	assert.Equal(t, 1, f.filter.Count("5.5.5.5"), "b.test must stay blocked")

	_, err = f.sync.Unblock(ctx, "b.test")
	require.NoError(t, err)
	assert.Equal(t, 0, f.filter.Count("5.5.5.5"))
}

func TestSharedDestination_EquivalentSpellings(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.sync.Block(ctx, "1.2.3.4")
	require.NoError(t, err)
	res, err := f.sync.BlockWithRanges(ctx, "evil.test", []string{"1.2.3.4/32"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesCount)
	assert.Equal(t, 2, f.filter.Count("1.2.3.4"), "the second key does not sweep the first key's rule")

	rule, err := f.sync.Get("evil.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4"}, rule.IPSet)
	assert.Equal(t, []string{"1.2.3.4"}, rule.Installed)

	_, err = f.sync.Unblock(ctx, "evil.test")
	require.NoError(t, err)
	assert.Equal(t, 1, f.filter.Count("1.2.3.4"), "1.2.3.4 stays blocked")

	_, installed := f.sync.Stats()
	assert.Equal(t, 1, installed)

	_, err = f.sync.Block(ctx, "1.2.3.4/32")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSharedDestination_UnmaskedPrefix(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.sync.BlockWithRanges(ctx, "a.test", []string{"10.1.2.3/24"})
	require.NoError(t, err)
	_, err = f.sync.BlockWithRanges(ctx, "b.test", []string{"10.1.2.0/24"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.filter.Count("10.1.2.0/24"))

	_, err = f.sync.Unblock(ctx, "a.test")
	require.NoError(t, err)
	assert.Equal(t, 1, f.filter.Count("10.1.2.0/24"))

	res, err := f.sync.Update(ctx, "b.test", []string{"10.1.2.77/24"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RulesRemoved)
	assert.Equal(t, 1, f.filter.Count("10.1.2.0/24"))
}

func TestBlock_SweepsStaleRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.filter.InsertDrop(ctx, "6.6.6.6"))
	require.NoError(t, f.filter.InsertDrop(ctx, "6.6.6.6"))

	_, err := f.sync.Block(ctx, "6.6.6.6")
	require.NoError(t, err)
	assert.Equal(t, 1, f.filter.Count("6.6.6.6"))
}

func TestPersistenceFailureRecovers(t *testing.T) {
	bucket := newBucket(t)
	store := &flakyStore{BlocklistBucket: bucket}
	f := newFixture(t, store, bucket)
	ctx := context.Background()

	store.setFail(true)
	_, err := f.sync.BlockWithRanges(ctx, "a.test", []string{"1.1.1.1"})
	require.NoError(t, err, "persistence failures do not fail the operation")
	assert.Len(t, f.sync.List(), 1)

	persisted, err := bucket.List()
	require.NoError(t, err)
	assert.Empty(t, persisted)

	store.setFail(false)
	_, err = f.sync.BlockWithRanges(ctx, "b.test", []string{"2.2.2.2"})
	require.NoError(t, err)

	persisted, err = bucket.List()
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "a.test", persisted[0].Key)
	assert.Equal(t, "b.test", persisted[1].Key)
}

func TestReplay(t *testing.T) {
	bucket := newBucket(t)
	require.NoError(t, bucket.Put(&state.BlockRule{Key: "example.com", IPSet: []string{"1.1.1.1"}, RulesCount: 1}))
	require.NoError(t, bucket.Put(&state.BlockRule{Key: "10.0.0.0/8", IPSet: []string{"10.0.0.0/8"}, IsIPAddress: true}))
	require.NoError(t, bucket.Put(&state.BlockRule{Key: "empty.test"}))
	require.NoError(t, bucket.Put(&state.BlockRule{Key: "old.test", IPSet: []string{"2.2.2.2/32", "2.2.2.2", "bogus"}}))

	f := newFixture(t, bucket, bucket)
	ctx := context.Background()
	// left over from a previous run
	require.NoError(t, f.filter.InsertDrop(ctx, "1.1.1.1"))

	require.NoError(t, f.sync.Replay(ctx))
	assert.ErrorIs(t, f.sync.Replay(ctx), ErrAlreadyLoaded)

	assert.Equal(t, 1, f.filter.Count("1.1.1.1"))
	assert.Equal(t, 1, f.filter.Count("10.0.0.0/8"))
	assert.Equal(t, 1, f.filter.Count("2.2.2.2"))
	assert.Len(t, f.sync.List(), 4)
	assert.Equal(t, 0, f.resolver.callCount(), "replay uses the persisted set")

	rule, err := f.sync.Get("10.0.0.0/8")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.RulesCount)

	empty, err := f.sync.Get("empty.test")
	require.NoError(t, err)
	assert.NotNil(t, empty.IPSet)

	old, err := f.sync.Get("old.test")
	require.NoError(t, err)
	assert.Equal(t, []string{"2.2.2.2"}, old.IPSet, "persisted sets are rewritten in canonical form")

	stored, err := bucket.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, stored.Installed)

	keys, installed := f.sync.Stats()
	assert.Equal(t, 4, keys)
	assert.Equal(t, 3, installed)
}

func TestList_SortedCopies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for _, k := range []string{"c.test", "a.test", "b.test"} {
		_, err := f.sync.BlockWithRanges(ctx, k, []string{"1.1.1.1"})
		require.NoError(t, err)
	}

	list := f.sync.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a.test", list[0].Key)
	assert.Equal(t, "c.test", list[2].Key)

	list[0].IPSet[0] = "9.9.9.9"
	rule, err := f.sync.Get("a.test")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", rule.IPSet[0])
}

func TestConcurrentDistinctKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("host%d.test", i)
			_, err := f.sync.BlockWithRanges(ctx, key, []string{"7.7.7.7", fmt.Sprintf("8.8.8.%d", i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, f.filter.Count("7.7.7.7"))
	assert.Equal(t, 2*n, f.filter.Len())

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sync.Unblock(ctx, fmt.Sprintf("host%d.test", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.filter.Len())
	keys, installed := f.sync.Stats()
	assert.Equal(t, 0, keys)
	assert.Equal(t, 0, installed)
	assert.Equal(t, 0, f.sync.keys.len())
	assert.Equal(t, 0, f.sync.dsts.len())
}

func TestConcurrentSameKey(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const n = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sync.BlockWithRanges(ctx, "same.test", []string{"9.9.9.9"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicate):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupes)
	assert.Equal(t, 1, f.filter.Count("9.9.9.9"))
}
