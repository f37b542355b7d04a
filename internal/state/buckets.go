package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// Standard bucket names
const (
	BucketBlocklist = "blocklist" // Block rules keyed by normalized domain or IP
	BucketMonitor   = "monitor"   // Monitor settings (single "settings" key)
	BucketDevices   = "devices"   // Device names, notes and blocks keyed by MAC
)

const monitorSettingsKey = "settings"

// BlockRule is the persisted intent for one blocklist key.
type BlockRule struct {
	Key         string    `json:"url"`
	IPSet       []string  `json:"ip_ranges"`
	IsIPAddress bool      `json:"is_ip_address"`
	CreatedAt   time.Time `json:"blocked_at"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	RulesCount  int       `json:"rules_count"`
	// Installed lists the destinations for which this key currently owns a
	// filter rule. It is what Unblock and Update delete, one rule each.
	Installed []string `json:"installed,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (r *BlockRule) Clone() *BlockRule {
	if r == nil {
		return nil
	}
	c := *r
	c.IPSet = slices.Clone(r.IPSet)
	c.Installed = slices.Clone(r.Installed)
	return &c
}

// BlocklistBucket provides typed access to persisted block rules.
type BlocklistBucket struct {
	store  Store
	bucket string
}

// NewBlocklistBucket creates a new blocklist bucket accessor.
func NewBlocklistBucket(store Store) (*BlocklistBucket, error) {
	if err := ensureBucket(store, BucketBlocklist); err != nil {
		return nil, err
	}
	return &BlocklistBucket{store: store, bucket: BucketBlocklist}, nil
}

// Get retrieves a rule by key.
func (b *BlocklistBucket) Get(key string) (*BlockRule, error) {
	var rule BlockRule
	if err := b.store.GetJSON(b.bucket, key, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Put stores a rule under its key.
func (b *BlocklistBucket) Put(rule *BlockRule) error {
	return b.store.SetJSON(b.bucket, rule.Key, rule)
}

// Delete removes a rule. Deleting an absent key is not an error.
func (b *BlocklistBucket) Delete(key string) error {
	if err := b.store.Delete(b.bucket, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns all rules sorted by key. Undecodable rows are skipped.
func (b *BlocklistBucket) List() ([]*BlockRule, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}

	rules := make([]*BlockRule, 0, len(data))
	for k, v := range data {
		var rule BlockRule
		if err := unmarshalJSON(v, &rule); err != nil {
			continue
		}
		if rule.Key == "" {
			rule.Key = k
		}
		rules = append(rules, &rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
	return rules, nil
}

// ReplaceAll rewrites the whole bucket from rules.
func (b *BlocklistBucket) ReplaceAll(rules []*BlockRule) error {
	entries := make(map[string][]byte, len(rules))
	for _, r := range rules {
		data, err := marshalJSON(r)
		if err != nil {
			return fmt.Errorf("encode rule %s: %w", r.Key, err)
		}
		entries[r.Key] = data
	}
	return b.store.ReplaceBucket(b.bucket, entries)
}

// MonitorSettings is the persisted monitor toggle state.
type MonitorSettings struct {
	Enabled bool `json:"enabled"`
	MaxLogs int  `json:"max_logs"`
}

// MonitorBucket provides typed access to monitor settings.
type MonitorBucket struct {
	store  Store
	bucket string
}

// NewMonitorBucket creates a new monitor bucket accessor.
func NewMonitorBucket(store Store) (*MonitorBucket, error) {
	if err := ensureBucket(store, BucketMonitor); err != nil {
		return nil, err
	}
	return &MonitorBucket{store: store, bucket: BucketMonitor}, nil
}

// Load returns the stored settings, or ErrNotFound when none were saved.
func (b *MonitorBucket) Load() (MonitorSettings, error) {
	var s MonitorSettings
	err := b.store.GetJSON(b.bucket, monitorSettingsKey, &s)
	return s, err
}

// Save stores the settings.
func (b *MonitorBucket) Save(s MonitorSettings) error {
	return b.store.SetJSON(b.bucket, monitorSettingsKey, s)
}

// DeviceRecord is what the user has said about one client, keyed by MAC.
type DeviceRecord struct {
	MAC       string    `json:"mac"`
	Name      string    `json:"name,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	BlockedIP string    `json:"blocked_ip,omitempty"`
	UpdatedAt time.Time `json:"updated,omitzero"`
}

// DeviceBucket provides typed access to device records.
type DeviceBucket struct {
	store  Store
	bucket string
}

// NewDeviceBucket creates a new device bucket accessor.
func NewDeviceBucket(store Store) (*DeviceBucket, error) {
	if err := ensureBucket(store, BucketDevices); err != nil {
		return nil, err
	}
	return &DeviceBucket{store: store, bucket: BucketDevices}, nil
}

// Get retrieves a record by MAC.
func (b *DeviceBucket) Get(mac string) (*DeviceRecord, error) {
	var rec DeviceRecord
	if err := b.store.GetJSON(b.bucket, mac, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores a record under its MAC.
func (b *DeviceBucket) Put(rec *DeviceRecord) error {
	return b.store.SetJSON(b.bucket, rec.MAC, rec)
}

// Delete removes a record. Deleting an absent MAC is not an error.
func (b *DeviceBucket) Delete(mac string) error {
	if err := b.store.Delete(b.bucket, mac); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns all records sorted by MAC. Undecodable rows are skipped.
func (b *DeviceBucket) List() ([]*DeviceRecord, error) {
	data, err := b.store.List(b.bucket)
	if err != nil {
		return nil, err
	}
	recs := make([]*DeviceRecord, 0, len(data))
	for k, v := range data {
		var rec DeviceRecord
		if err := unmarshalJSON(v, &rec); err != nil {
			continue
		}
		if rec.MAC == "" {
			rec.MAC = k
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].MAC < recs[j].MAC })
	return recs, nil
}
