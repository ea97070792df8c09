package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

// In-process arena store. Records are keyed by reference; relationships are resolved through lookup tables, never through pointers between records.
type MemStore struct {
	mu sync.RWMutex

	records map[string]*records.Envelope
	// target key -> referencing record keys, by field
	refs map[string][]refEntry
	// subject DID -> record keys
	actors map[syntax.DID][]string
	// context -> record keys
	contexts map[string][]string

	projections map[string]*Projection
	deadLetters []*DeadLetter
	cursors     map[string]int64
}

type refEntry struct {
	field string
	key   string
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		records:     make(map[string]*records.Envelope),
		refs:        make(map[string][]refEntry),
		actors:      make(map[syntax.DID][]string),
		contexts:    make(map[string][]string),
		projections: make(map[string]*Projection),
		cursors:     make(map[string]int64),
	}
}

func (s *MemStore) PutRecord(ctx context.Context, env *records.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := env.Ref.Key()
	if prev, ok := s.records[key]; ok {
		if prev.Ref.CID != env.Ref.CID {
			return false, ErrRecordMutated
		}
		return false, nil
	}
	cp := *env
	s.records[key] = &cp

	ik := extractKeys(env.Record)
	for _, e := range ik.Edges {
		tk := e.Target.Key()
		s.refs[tk] = append(s.refs[tk], refEntry{field: e.Field, key: key})
	}
	if ik.SubjectDID != "" {
		s.actors[ik.SubjectDID] = append(s.actors[ik.SubjectDID], key)
	}
	if ik.Context != "" {
		s.contexts[ik.Context] = append(s.contexts[ik.Context], key)
	}
	return true, nil
}

func (s *MemStore) GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.records[ref.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (s *MemStore) MarkDeleted(ctx context.Context, ref syntax.Ref, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.records[ref.Key()]
	if !ok {
		return ErrNotFound
	}
	if env.Deleted {
		return nil
	}
	env.Deleted = true
	env.DeletedAt = &at
	return nil
}

func (s *MemStore) collect(keys []string, coll syntax.Collection, filter func(*records.Envelope) bool) []*records.Envelope {
	seen := make(map[string]bool, len(keys))
	out := []*records.Envelope{}
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		env := s.records[k]
		if env == nil || env.Ref.Collection != coll {
			continue
		}
		if filter != nil && !filter(env) {
			continue
		}
		cp := *env
		out = append(out, &cp)
	}
	SortCausal(out)
	return out
}

func (s *MemStore) ListReferencing(ctx context.Context, target syntax.Ref, coll syntax.Collection, field string) ([]*records.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for _, e := range s.refs[target.Key()] {
		if field == "" || e.field == field {
			keys = append(keys, e.key)
		}
	}
	return s.collect(keys, coll, nil), nil
}

func (s *MemStore) ListAboutActor(ctx context.Context, coll syntax.Collection, did syntax.DID, contextID string) ([]*records.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.actors[did], coll, func(env *records.Envelope) bool {
		return contextID == "" || extractKeys(env.Record).Context == contextID
	}), nil
}

func (s *MemStore) ListByContext(ctx context.Context, coll syntax.Collection, contextID string) ([]*records.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.contexts[contextID], coll, nil), nil
}

func projectionKey(kind, key string) string {
	return kind + "/" + key
}

func (s *MemStore) PutProjection(ctx context.Context, p *Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.projections[projectionKey(p.Kind, p.Key)] = &cp
	return nil
}

func (s *MemStore) GetProjection(ctx context.Context, kind, key string) (*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projections[projectionKey(kind, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) DeleteProjection(ctx context.Context, kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.projections, projectionKey(kind, key))
	return nil
}

func (s *MemStore) ListDueProjections(ctx context.Context, kind string, before time.Time) ([]*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Projection{}
	for _, p := range s.projections {
		if p.Kind != kind || p.DueAt == nil || p.DueAt.After(before) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DueAt.Before(*out[j].DueAt)
	})
	return out, nil
}

func (s *MemStore) PutDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *dl
	cp.ID = uint(len(s.deadLetters) + 1)
	dl.ID = cp.ID
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

func (s *MemStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*DeadLetter{}
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.deadLetters[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) GetCursor(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cursors[name], nil
}

func (s *MemStore) SetCursor(ctx context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[name] = seq
	return nil
}
