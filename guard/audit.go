package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AuditEventType string

const (
	EventPermissionsUpdated AuditEventType = "permissions_updated"
	EventToolPolicyUpdated  AuditEventType = "tool_policy_updated"
)

type AuditMetadata struct {
	ChangedKeys []string `json:"changedKeys"`
	Version     int64    `json:"version"`
	Hash        string   `json:"hash,omitempty"`
}

// AuditEvent records one policy mutation. Previous and Next are full JSON
// snapshots of the mutated structure.
type AuditEvent struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"event_type"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
	Previous  json.RawMessage `json:"previous"`
	Next      json.RawMessage `json:"next"`
	Metadata  AuditMetadata   `json:"metadata"`
}

// AuditLog is append-only. Retention belongs to the backing store.
type AuditLog interface {
	Record(ctx context.Context, e AuditEvent) error
	List(ctx context.Context, limit int) ([]AuditEvent, error)
}

// AuditSink mirrors audit events somewhere best-effort (e.g. a JSONL file).
type AuditSink interface {
	Emit(ctx context.Context, e AuditEvent) error
	Close() error
}

const (
	defaultAuditListLimit = 50
	maxAuditListLimit     = 500
)

func clampAuditLimit(limit int) int {
	if limit <= 0 {
		return defaultAuditListLimit
	}
	if limit > maxAuditListLimit {
		return maxAuditListLimit
	}
	return limit
}

func newAuditEvent(typ AuditEventType, actor string, at time.Time, prev, next any, version int64, hash string) (AuditEvent, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("snapshot previous: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("snapshot next: %w", err)
	}
	keys, err := ChangedKeys(prevJSON, nextJSON)
	if err != nil {
		return AuditEvent{}, err
	}
	return AuditEvent{
		ID:        uuid.NewString(),
		EventType: typ,
		Actor:     actor,
		CreatedAt: at,
		Previous:  prevJSON,
		Next:      nextJSON,
		Metadata:  AuditMetadata{ChangedKeys: keys, Version: version, Hash: hash},
	}, nil
}

// ChangedKeys lists the top-level fields whose values differ between two JSON
// objects, sorted. It never returns nil.
func ChangedKeys(prev, next json.RawMessage) ([]string, error) {
	var a, b map[string]any
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &a); err != nil {
			return nil, fmt.Errorf("decode previous snapshot: %w", err)
		}
	}
	if len(next) > 0 {
		if err := json.Unmarshal(next, &b); err != nil {
			return nil, fmt.Errorf("decode next snapshot: %w", err)
		}
	}
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	out := []string{}
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok || !reflect.DeepEqual(av, bv) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

type MemoryAuditLog struct {
	mu     sync.RWMutex
	events []AuditEvent
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Record(_ context.Context, e AuditEvent) error {
	if l == nil {
		return fmt.Errorf("nil audit log")
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

func (l *MemoryAuditLog) List(_ context.Context, limit int) ([]AuditEvent, error) {
	if l == nil {
		return nil, nil
	}
	limit = clampAuditLimit(limit)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEvent, 0, min(limit, len(l.events)))
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}
