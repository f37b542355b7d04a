package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistBucket(t *testing.T) {
	store := newTestStore(t)
	bucket, err := NewBlocklistBucket(store)
	require.NoError(t, err)

	// second accessor on the same store must not fail on the existing bucket
	_, err = NewBlocklistBucket(store)
	require.NoError(t, err)

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rule := &BlockRule{
		Key:        "example.com",
		IPSet:      []string{"93.184.216.34"},
		CreatedAt:  created,
		RulesCount: 1,
		Installed:  []string{"93.184.216.34"},
	}
	require.NoError(t, bucket.Put(rule))
	require.NoError(t, bucket.Put(&BlockRule{Key: "10.0.0.1", IPSet: []string{"10.0.0.1"}, IsIPAddress: true}))

	got, err := bucket.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, rule.IPSet, got.IPSet)
	assert.True(t, got.CreatedAt.Equal(created))

	rules, err := bucket.List()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "10.0.0.1", rules[0].Key)
	assert.Equal(t, "example.com", rules[1].Key)

	require.NoError(t, bucket.Delete("example.com"))
	require.NoError(t, bucket.Delete("example.com"), "deleting an absent key is not an error")
	_, err = bucket.Get("example.com")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, bucket.ReplaceAll([]*BlockRule{{Key: "a.test"}, {Key: "b.test"}}))
	rules, err = bucket.List()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a.test", rules[0].Key)
}

func TestBlockRuleClone(t *testing.T) {
	orig := &BlockRule{Key: "k", IPSet: []string{"1.1.1.1"}, Installed: []string{"1.1.1.1"}}
	c := orig.Clone()
	c.IPSet[0] = "2.2.2.2"
	c.Installed = append(c.Installed, "3.3.3.3")

	assert.Equal(t, "1.1.1.1", orig.IPSet[0])
	assert.Len(t, orig.Installed, 1)
	assert.Nil(t, (*BlockRule)(nil).Clone())
}

func TestMonitorBucket(t *testing.T) {
	store := newTestStore(t)
	bucket, err := NewMonitorBucket(store)
	require.NoError(t, err)

	_, err = bucket.Load()
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, bucket.Save(MonitorSettings{Enabled: true, MaxLogs: 250}))
	s, err := bucket.Load()
	require.NoError(t, err)
	assert.Equal(t, MonitorSettings{Enabled: true, MaxLogs: 250}, s)
}

func TestDeviceBucket(t *testing.T) {
	store := newTestStore(t)
	bucket, err := NewDeviceBucket(store)
	require.NoError(t, err)

	_, err = bucket.Get("aa:bb:cc:dd:ee:ff")
	assert.True(t, errors.Is(err, ErrNotFound))

	updated := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, bucket.Put(&DeviceRecord{MAC: "aa:bb:cc:dd:ee:ff", Name: "Kitchen tablet", Notes: "kids", UpdatedAt: updated}))
	require.NoError(t, bucket.Put(&DeviceRecord{MAC: "00:11:22:33:44:55", Blocked: true, BlockedIP: "192.168.43.9"}))

	got, err := bucket.Get("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "Kitchen tablet", got.Name)
	assert.True(t, got.UpdatedAt.Equal(updated))

	recs, err := bucket.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "00:11:22:33:44:55", recs[0].MAC)
	assert.True(t, recs[0].Blocked)

	require.NoError(t, bucket.Delete("00:11:22:33:44:55"))
	require.NoError(t, bucket.Delete("00:11:22:33:44:55"))
	recs, err = bucket.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
