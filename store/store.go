// Record store: durable, append-only storage of typed records keyed by reference, with relationship-indexed lookups, plus storage for derived projections, dead-lettered items, and consumer cursors.
//
// Two implementations are provided: [MemStore] (an in-process arena, used in tests and for one-off CLI runs) and [GormStore] (sqlite or postgres).
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

var (
	ErrNotFound = errors.New("not found")
	// A record with the same reference but different content hash was already stored. Records are never mutated in place.
	ErrRecordMutated = errors.New("record content changed for existing reference")
)

type Store interface {
	// Stores a record. Returns false (and no error) when an identical record (same reference and content hash) is already present.
	PutRecord(ctx context.Context, env *records.Envelope) (bool, error)
	GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error)
	// Tombstones a record. It stays readable for audit, with Deleted set.
	MarkDeleted(ctx context.Context, ref syntax.Ref, at time.Time) error
	// Records of the given collection holding a reference to target. An empty field matches any reference field.
	ListReferencing(ctx context.Context, target syntax.Ref, coll syntax.Collection, field string) ([]*records.Envelope, error)
	// Records of the given collection about an account. An empty contextID matches every context.
	ListAboutActor(ctx context.Context, coll syntax.Collection, did syntax.DID, contextID string) ([]*records.Envelope, error)
	ListByContext(ctx context.Context, coll syntax.Collection, contextID string) ([]*records.Envelope, error)

	PutProjection(ctx context.Context, p *Projection) error
	GetProjection(ctx context.Context, kind, key string) (*Projection, error)
	DeleteProjection(ctx context.Context, kind, key string) error
	// Projections of a kind with a DueAt at or before the given time.
	ListDueProjections(ctx context.Context, kind string, before time.Time) ([]*Projection, error)

	PutDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, seq int64) error
}

// Derived state, keyed by subject, versioned by the newest contributing record's createdAt.
type Projection struct {
	Kind       string
	Key        string
	Version    time.Time
	ComputedAt time.Time
	// optional time at which the projection must be re-evaluated (eg, a testimony window closing)
	DueAt *time.Time
	Data  []byte
}

// An inbound item which could not be applied within the deferral window.
type DeadLetter struct {
	ID         uint   `json:"id"`
	URI        string `json:"uri"`
	Collection string `json:"collection"`
	Reason     string `json:"reason"`
	// reference the item was waiting on, if any
	Missing    string    `json:"missing,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	Attempts   int       `json:"attempts"`
	DeadAt     time.Time `json:"deadAt"`
}

// Sorts envelopes in causal order: creation time, then reference.
func SortCausal(envs []*records.Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		if !envs[i].CreatedAt.Equal(envs[j].CreatedAt) {
			return envs[i].CreatedAt.Before(envs[j].CreatedAt)
		}
		return envs[i].Ref.Key() < envs[j].Ref.Key()
	})
}
