package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

type memoryRun struct {
	meta     *model.RunMeta
	seq      int64
	events   []model.RunEventRecord
	snapshot *model.RunSnapshot
}

// MemoryStore is a process-local Store. Nothing expires.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*memoryRun),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func memoryKey(kind, runID string) string {
	return kind + "\x00" + runID
}

// run returns the entry for (kind, runID), creating it when create is set.
// Callers hold s.mu.
func (s *MemoryStore) run(kind, runID string, create bool) *memoryRun {
	k := memoryKey(kind, runID)
	r, ok := s.runs[k]
	if !ok && create {
		r = &memoryRun{}
		s.runs[k] = r
	}
	return r
}

func (s *MemoryStore) GetRun(_ context.Context, kind, runID string) (*model.RunMeta, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.run(kind, runID, false)
	if r == nil || r.meta == nil {
		return nil, ErrNotFound
	}
	return r.meta.Clone(), nil
}

func (s *MemoryStore) SetRun(_ context.Context, kind string, meta *model.RunMeta, _ time.Duration) error {
	m, err := prepareMeta(kind, meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run(kind, m.RunID, true)
	if cur := r.meta; cur != nil {
		if !model.CanTransition(cur.Status, m.Status) {
			return fmt.Errorf("run %s: %s -> %s: %w", m.RunID, cur.Status, m.Status, ErrInvalidTransition)
		}
		m.CancelRequested = m.CancelRequested || cur.CancelRequested
		m.LastSeq = max(m.LastSeq, cur.LastSeq)
	}
	m.LastSeq = max(m.LastSeq, r.seq)
	r.meta = m
	return nil
}

func (s *MemoryStore) TryMarkCancelRequested(_ context.Context, kind, runID string) (bool, error) {
	if err := validateRun(kind, runID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run(kind, runID, false)
	if r == nil || r.meta == nil || r.meta.Status.IsTerminal() {
		return false, nil
	}
	r.meta.CancelRequested = true
	return true, nil
}

func (s *MemoryStore) IsCancelRequested(_ context.Context, kind, runID string) (bool, error) {
	if err := validateRun(kind, runID); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.run(kind, runID, false)
	return r != nil && r.meta != nil && r.meta.CancelRequested, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, kind, runID, eventName string, payload any, ttl time.Duration) (int64, error) {
	rec, err := s.AppendRecord(ctx, kind, runID, eventName, payload, ttl)
	return rec.Seq, err
}

func (s *MemoryStore) AppendRecord(_ context.Context, kind, runID, eventName string, payload any, _ time.Duration) (model.RunEventRecord, error) {
	if err := validateRun(kind, runID); err != nil {
		return model.RunEventRecord{}, err
	}
	if strings.TrimSpace(eventName) == "" {
		return model.RunEventRecord{}, model.ValidateIDs("event", eventName)
	}
	raw, err := model.MarshalPayload(payload)
	if err != nil {
		return model.RunEventRecord{}, fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.run(kind, runID, true)
	r.seq++
	rec := model.RunEventRecord{
		RunID:     runID,
		Seq:       r.seq,
		EventName: eventName,
		Payload:   append(json.RawMessage(nil), raw...),
		CreatedAt: s.now(),
	}
	r.events = append(r.events, rec)
	if r.meta != nil && r.seq > r.meta.LastSeq {
		r.meta.LastSeq = r.seq
	}
	return rec, nil
}

func (s *MemoryStore) GetEvents(_ context.Context, kind, runID string, afterSeq int64, limit int) ([]model.RunEventRecord, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.run(kind, runID, false)
	if r == nil {
		return []model.RunEventRecord{}, nil
	}
	start := sort.Search(len(r.events), func(i int) bool { return r.events[i].Seq > afterSeq })
	end := min(start+limit, len(r.events))
	out := make([]model.RunEventRecord, end-start)
	copy(out, r.events[start:end])
	return out, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, kind, runID string) (*model.RunSnapshot, error) {
	if err := validateRun(kind, runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.run(kind, runID, false)
	if r == nil || r.snapshot == nil {
		return nil, ErrNotFound
	}
	snap := *r.snapshot
	return &snap, nil
}

func (s *MemoryStore) SetSnapshot(_ context.Context, kind, runID string, snap model.RunSnapshot, _ time.Duration) error {
	if err := validateRun(kind, runID); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now()
	}
	snap.Payload = append([]byte(nil), snap.Payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.run(kind, runID, true).snapshot = &snap
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
