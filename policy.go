package satchel

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Partition names a subdivision of the cache store with its own size, age,
// and eviction policy. Callers pass the partition explicitly on every write;
// nothing is inferred from data shape.
type Partition string

// Store partitions.
const (
	PartitionPrices        Partition = "prices"
	PartitionDeals         Partition = "deals"
	PartitionMessages      Partition = "messages"
	PartitionUsers         Partition = "users"
	PartitionNotifications Partition = "notifications"
)

// knownPartitions lists every store partition in declaration order.
var knownPartitions = []Partition{
	PartitionPrices,
	PartitionDeals,
	PartitionMessages,
	PartitionUsers,
	PartitionNotifications,
}

// Priority orders partitions for emergency cleanup; lower priorities are
// swept first.
type Priority int

const (
	// PriorityLow partitions are evicted first under storage pressure.
	PriorityLow Priority = iota
	// PriorityMedium partitions are evicted after low.
	PriorityMedium
	// PriorityHigh partitions are evicted last.
	PriorityHigh
)

// String returns the YAML spelling of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalYAML implements yaml.Marshaler.
func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Priority) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return p.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return p.parse(s)
}

func (p *Priority) parse(s string) error {
	switch s {
	case "low":
		*p = PriorityLow
	case "medium":
		*p = PriorityMedium
	case "high":
		*p = PriorityHigh
	default:
		return fmt.Errorf("unknown priority %q", s)
	}
	return nil
}

// EvictionStrategy selects how a partition sheds entries during cleanup.
type EvictionStrategy string

const (
	// EvictLRU removes the least-recently-accessed quarter of entries.
	EvictLRU EvictionStrategy = "lru"
	// EvictFIFO removes the oldest quarter of entries by insertion order.
	EvictFIFO EvictionStrategy = "fifo"
	// EvictSizeBased removes roughly 30% of entries, largest first.
	EvictSizeBased EvictionStrategy = "size-based"
)

// CachePolicy is the per-partition budget table entry. It is configuration,
// not runtime state; the same table drives both the store's eviction manager
// and the edge response-cache proxy.
type CachePolicy struct {
	MaxSizeBytes int64            `yaml:"max_size_bytes" json:"max_size_bytes"`
	MaxAge       time.Duration    `yaml:"max_age" json:"max_age"`
	Priority     Priority         `yaml:"priority" json:"priority"`
	Strategy     EvictionStrategy `yaml:"strategy" json:"strategy"`
}

// UnmarshalYAML implements yaml.Unmarshaler. max_age accepts Go duration
// strings ("30m", "2h") since yaml.v3 does not decode them natively.
func (cp *CachePolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxSizeBytes int64            `yaml:"max_size_bytes"`
		MaxAge       string           `yaml:"max_age"`
		Priority     Priority         `yaml:"priority"`
		Strategy     EvictionStrategy `yaml:"strategy"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	cp.MaxSizeBytes = raw.MaxSizeBytes
	cp.Priority = raw.Priority
	cp.Strategy = raw.Strategy
	if raw.MaxAge != "" {
		d, err := time.ParseDuration(raw.MaxAge)
		if err != nil {
			return fmt.Errorf("parse max_age: %w", err)
		}
		cp.MaxAge = d
	}
	return nil
}

func (cp CachePolicy) normalized() CachePolicy {
	if cp.MaxSizeBytes <= 0 {
		cp.MaxSizeBytes = 4 * 1024 * 1024
	}
	if cp.MaxAge <= 0 {
		cp.MaxAge = 24 * time.Hour
	}
	if cp.Strategy == "" {
		cp.Strategy = EvictLRU
	}
	return cp
}

// DefaultPolicyTable returns the built-in per-partition budgets.
func DefaultPolicyTable() map[Partition]CachePolicy {
	return map[Partition]CachePolicy{
		PartitionPrices: {
			MaxSizeBytes: 2 * 1024 * 1024,
			MaxAge:       30 * time.Minute,
			Priority:     PriorityHigh,
			Strategy:     EvictLRU,
		},
		PartitionDeals: {
			MaxSizeBytes: 4 * 1024 * 1024,
			MaxAge:       2 * time.Hour,
			Priority:     PriorityHigh,
			Strategy:     EvictLRU,
		},
		PartitionMessages: {
			MaxSizeBytes: 4 * 1024 * 1024,
			MaxAge:       24 * time.Hour,
			Priority:     PriorityMedium,
			Strategy:     EvictFIFO,
		},
		PartitionUsers: {
			MaxSizeBytes: 1 * 1024 * 1024,
			MaxAge:       24 * time.Hour,
			Priority:     PriorityMedium,
			Strategy:     EvictLRU,
		},
		PartitionNotifications: {
			MaxSizeBytes: 1 * 1024 * 1024,
			MaxAge:       12 * time.Hour,
			Priority:     PriorityLow,
			Strategy:     EvictSizeBased,
		},
	}
}

// PolicyTable holds the live per-partition policies. It may be hot-swapped by
// an administrative call; readers always see a complete table.
type PolicyTable struct {
	mu       sync.RWMutex
	policies map[Partition]CachePolicy
}

// NewPolicyTable creates a table seeded with defaults, overlaid with the
// given overrides.
func NewPolicyTable(overrides map[Partition]CachePolicy) *PolicyTable {
	policies := DefaultPolicyTable()
	for name, policy := range overrides {
		policies[name] = policy.normalized()
	}
	for name, policy := range policies {
		policies[name] = policy.normalized()
	}
	return &PolicyTable{policies: policies}
}

// Lookup returns the policy for a partition, falling back to a normalized
// zero policy for unknown names so the mapping stays total.
func (pt *PolicyTable) Lookup(partition Partition) CachePolicy {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if policy, ok := pt.policies[partition]; ok {
		return policy
	}
	return CachePolicy{}.normalized()
}

// Swap replaces the entire table atomically. Missing partitions fall back to
// defaults.
func (pt *PolicyTable) Swap(policies map[Partition]CachePolicy) {
	next := DefaultPolicyTable()
	for name, policy := range policies {
		next[name] = policy.normalized()
	}
	pt.mu.Lock()
	pt.policies = next
	pt.mu.Unlock()
}

// Partitions returns all partition names sorted for deterministic iteration.
func (pt *PolicyTable) Partitions() []Partition {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	names := make([]Partition, 0, len(pt.policies))
	for name := range pt.policies {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Snapshot returns a copy of the current table.
func (pt *PolicyTable) Snapshot() map[Partition]CachePolicy {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make(map[Partition]CachePolicy, len(pt.policies))
	for name, policy := range pt.policies {
		out[name] = policy
	}
	return out
}

// LoadPolicyFile reads a YAML policy table from disk.
func LoadPolicyFile(path string) (map[Partition]CachePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicyTable(data)
}

// ParsePolicyTable parses a YAML policy table.
func ParsePolicyTable(data []byte) (map[Partition]CachePolicy, error) {
	var raw map[Partition]CachePolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy table: %w", err)
	}
	out := make(map[Partition]CachePolicy, len(raw))
	for name, policy := range raw {
		switch policy.Strategy {
		case "", EvictLRU, EvictFIFO, EvictSizeBased:
		default:
			return nil, fmt.Errorf("partition %s: unknown eviction strategy %q", name, policy.Strategy)
		}
		out[name] = policy.normalized()
	}
	return out, nil
}
