package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory, bounded to the most recent
// maxRecords entries.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*Record
	byTxHash   map[string]string
	order      []string
	maxRecords int
}

// NewMemoryStore creates a store holding at most maxRecords (0 = 10000).
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{
		records:    make(map[string]*Record),
		byTxHash:   make(map[string]string),
		maxRecords: maxRecords,
	}
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	if rec.TxHash != "" {
		s.byTxHash[strings.ToLower(rec.TxHash)] = rec.ID
	}
	for len(s.order) > s.maxRecords {
		oldest := s.records[s.order[0]]
		if oldest != nil && oldest.TxHash != "" {
			delete(s.byTxHash, strings.ToLower(oldest.TxHash))
		}
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	s.records[rec.ID] = &cp
	if rec.TxHash != "" {
		s.byTxHash[strings.ToLower(rec.TxHash)] = rec.ID
	}
	return nil
}

func (s *MemoryStore) GetByTxHash(_ context.Context, txHash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTxHash[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.records[id]
	return &cp, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
