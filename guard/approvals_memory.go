package guard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultMemoryApprovalRetain = 1000

// MemoryApprovalStore keeps records in process memory. Only the newest
// MaxTerminal resolved records are retained.
type MemoryApprovalStore struct {
	MaxTerminal int

	mu       sync.Mutex
	records  map[string]ApprovalRequest
	terminal []string
}

func NewMemoryApprovalStore(maxTerminal int) *MemoryApprovalStore {
	if maxTerminal <= 0 {
		maxTerminal = defaultMemoryApprovalRetain
	}
	return &MemoryApprovalStore{
		MaxTerminal: maxTerminal,
		records:     make(map[string]ApprovalRequest),
	}
}

func (s *MemoryApprovalStore) Create(_ context.Context, req ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[req.CommandID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommandID, req.CommandID)
	}
	s.records[req.CommandID] = req
	return nil
}

func (s *MemoryApprovalStore) Get(_ context.Context, commandID string) (ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[commandID]
	return rec, ok, nil
}

func (s *MemoryApprovalStore) Resolve(_ context.Context, commandID string, status ApprovalStatus, actor string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid approval status: %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[commandID]
	if !ok || rec.Status != ApprovalPending {
		return fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}
	s.markLocked(rec, status, actor, at)
	return nil
}

func (s *MemoryApprovalStore) ExpirePending(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.Status == ApprovalPending {
			s.markLocked(rec, ApprovalExpired, "", at)
			n++
		}
	}
	return n, nil
}

func (s *MemoryApprovalStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.terminal[:0]
	for _, id := range s.terminal {
		rec, ok := s.records[id]
		if ok && rec.ResolvedAt != nil && rec.ResolvedAt.Before(before) {
			delete(s.records, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.terminal = kept
	return n, nil
}

func (s *MemoryApprovalStore) markLocked(rec ApprovalRequest, status ApprovalStatus, actor string, at time.Time) {
	t := at
	rec.Status = status
	rec.Actor = actor
	rec.ResolvedAt = &t
	s.records[rec.CommandID] = rec
	s.terminal = append(s.terminal, rec.CommandID)
	for len(s.terminal) > s.MaxTerminal {
		delete(s.records, s.terminal[0])
		s.terminal = s.terminal[1:]
	}
}
