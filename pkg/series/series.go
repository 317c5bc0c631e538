// Package series defines the identity and point types shared by every stage
// of the rollup pipeline.
package series

import (
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Identity is a metric name plus its label set. It is immutable once
// constructed: labels are copied and the canonical key is computed up front.
type Identity struct {
	name   string
	labels map[string]string
	key    string
	hash   uint64
}

// NewIdentity builds an Identity, canonicalizing labels by sorted key.
func NewIdentity(name string, labels map[string]string) Identity {
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	key := Key(name, copied)
	return Identity{
		name:   name,
		labels: copied,
		key:    key,
		hash:   xxhash.Sum64String(key),
	}
}

// Name returns the metric name.
func (id Identity) Name() string { return id.name }

// Key returns the canonical lookup key: name,k1=v1,k2=v2 with keys sorted.
func (id Identity) Key() string { return id.key }

// Hash returns the 64-bit xxhash of the canonical key.
func (id Identity) Hash() uint64 { return id.hash }

// Labels returns a copy of the label set.
func (id Identity) Labels() map[string]string {
	out := make(map[string]string, len(id.labels))
	for k, v := range id.labels {
		out[k] = v
	}
	return out
}

// Label returns a single label value.
func (id Identity) Label(k string) (string, bool) {
	v, ok := id.labels[k]
	return v, ok
}

func (id Identity) String() string { return id.key }

// Key creates a deterministic string key for a series.
func Key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := SortedLabelKeys(labels)

	var b strings.Builder
	b.Grow(len(name) + len(keys)*16)
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// SortedLabelKeys returns the label keys in ascending order.
func SortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Point is a single observed value.
type Point struct {
	Value     float64
	Timestamp time.Time
}
