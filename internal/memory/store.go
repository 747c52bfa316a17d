// Package memory is the long-term learner memory: namespaced records that
// outlive conversation threads, with keyword search scoped by namespace.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/tutor/internal/storage"
)

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = storage.ErrNotFound

// Store is the persistence the memory layer needs. Implemented by
// storage.Store.
type Store interface {
	PutMemory(ctx context.Context, rec storage.MemoryRecord) (storage.MemoryRecord, error)
	GetMemory(ctx context.Context, namespace, key string) (storage.MemoryRecord, error)
	SearchMemory(ctx context.Context, q storage.MemoryQuery) ([]storage.MemoryRecord, error)
}

// Record is a memory entry with its JSON value.
type Record struct {
	Namespace  string          `json:"namespace"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	RecordType string          `json:"record_type"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Memory implements Put/Get/Search over a Store. Values are stored as JSON
// text so search can match inside them.
type Memory struct {
	store Store
}

// New creates a Memory.
func New(store Store) *Memory {
	return &Memory{store: store}
}

// Put upserts value under (namespace, key).
func (m *Memory) Put(ctx context.Context, namespace, key string, value interface{}, recordType string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling memory value %s/%s: %w", namespace, key, err)
	}
	_, err = m.store.PutMemory(ctx, storage.MemoryRecord{
		Namespace:  namespace,
		Key:        key,
		Value:      string(b),
		RecordType: recordType,
	})
	if err != nil {
		return fmt.Errorf("writing memory %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the record under (namespace, key) or ErrNotFound.
func (m *Memory) Get(ctx context.Context, namespace, key string) (Record, error) {
	rec, err := m.store.GetMemory(ctx, namespace, key)
	if err != nil {
		return Record{}, err
	}
	return toRecord(rec), nil
}

// GetInto decodes the value under (namespace, key) into dst. It reports
// false without error when the record does not exist.
func (m *Memory) GetInto(ctx context.Context, namespace, key string, dst interface{}) (bool, error) {
	rec, err := m.Get(ctx, namespace, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return false, fmt.Errorf("decoding memory %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Search returns records under pattern whose key or value mentions any
// keyword of query. A pattern ending in "/*" covers that namespace and every
// namespace below it; otherwise only the exact namespace is searched.
func (m *Memory) Search(ctx context.Context, pattern, query string, limit int) ([]Record, error) {
	ns, subtree := ParsePattern(pattern)
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	rows, err := m.store.SearchMemory(ctx, storage.MemoryQuery{
		Namespace: ns,
		Subtree:   subtree,
		Keywords:  Keywords(query),
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching memory under %s: %w", pattern, err)
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = toRecord(r)
	}
	return out, nil
}

// ParsePattern splits a search pattern into its namespace and whether the
// search covers descendants.
func ParsePattern(pattern string) (namespace string, subtree bool) {
	if strings.HasSuffix(pattern, "/*") {
		return strings.TrimSuffix(pattern, "/*"), true
	}
	return strings.TrimSuffix(pattern, "/"), false
}

func validateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace is required")
	}
	if strings.Contains(ns, "*") {
		return fmt.Errorf("namespace %q: wildcards are only allowed as a trailing /*", ns)
	}
	return nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "how": true, "why": true, "with": true,
	"que": true, "qué": true, "como": true, "cómo": true, "por": true, "para": true, "una": true,
	"los": true, "las": true, "del": true, "con": true, "es": true, "un": true,
}

// Keywords lower-cases query, splits it on anything that is not a letter or
// digit, drops stopwords and words shorter than three characters, and
// removes duplicates while keeping order.
func Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func toRecord(r storage.MemoryRecord) Record {
	return Record{
		Namespace:  r.Namespace,
		Key:        r.Key,
		Value:      json.RawMessage(r.Value),
		RecordType: r.RecordType,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
