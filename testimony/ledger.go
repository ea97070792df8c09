package testimony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
)

var (
	// Witness and subject are the same actor.
	ErrSelfTestimony = errors.New("self-testimony rejected")
	// Claimed standing basis does not hold for this witness and subject.
	ErrStandingBasis = errors.New("standing basis not established")
	// Semantically identical testimony (same witness, subject, context, position, and content) is already stored.
	ErrDuplicate = errors.New("duplicate testimony")
)

// Subset of the record store read by the ledger.
type Records interface {
	GetRecord(ctx context.Context, ref syntax.Ref) (*records.Envelope, error)
	ListReferencing(ctx context.Context, target syntax.Ref, coll syntax.Collection, field string) ([]*records.Envelope, error)
	ListAboutActor(ctx context.Context, coll syntax.Collection, did syntax.DID, contextID string) ([]*records.Envelope, error)
}

type Ledger struct {
	records Records
	ghost   *authority.Ghost
	logger  *slog.Logger
}

func NewLedger(rs Records, ghost *authority.Ghost, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		records: rs,
		ghost:   ghost,
		logger:  logger.With("component", "ledger"),
	}
}

// Validates a decoded testimony for admission to the store, in order: self-testimony, standing basis, idempotency.
//
// Returns an error wrapping [ErrDuplicate] when an identical testimony already exists; callers treat that as success. A referenced action which has not been ingested yet yields [records.ErrInvalidReference].
func (l *Ledger) Admit(ctx context.Context, env *records.Envelope) error {
	t, ok := env.Record.(*records.Testimony)
	if !ok {
		return fmt.Errorf("ledger can not admit %s", env.Ref.Collection)
	}
	witness := env.Author()
	if t.Subject.IsActor() && t.Subject.DID == witness {
		return fmt.Errorf("%w: %s", ErrSelfTestimony, witness)
	}
	if err := l.checkBasis(ctx, witness, t); err != nil {
		return err
	}
	existing, err := l.FindIdentical(ctx, witness, t)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, existing.Ref.URI())
	}
	return nil
}

// The moderation action a testimony concerns: its subject, or for actor subjects the first action cited as evidence. Returns nil if there is none.
func (l *Ledger) referencedAction(ctx context.Context, t *records.Testimony) (*records.Envelope, *records.ModerationAction, error) {
	var ref *syntax.Ref
	field := "subject"
	if t.Subject.Ref != nil && t.Subject.Ref.Collection == syntax.CollectionAction {
		ref = t.Subject.Ref
	} else {
		for i := range t.Evidence {
			if t.Evidence[i].Collection == syntax.CollectionAction {
				ref = &t.Evidence[i]
				field = "evidence"
				break
			}
		}
	}
	if ref == nil {
		return nil, nil, nil
	}
	env, err := l.records.GetRecord(ctx, *ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &records.MissingReferenceError{Ref: *ref, Field: field}
	}
	if err != nil {
		return nil, nil, err
	}
	act, ok := env.Record.(*records.ModerationAction)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a moderation action", records.ErrInvalidReference, ref.URI())
	}
	return env, act, nil
}

func (l *Ledger) checkBasis(ctx context.Context, witness syntax.DID, t *records.Testimony) error {
	switch t.StandingBasis {
	case records.BasisCommunityMember, records.BasisWitness:
		return nil
	case records.BasisContentOwner:
		_, act, err := l.referencedAction(ctx, t)
		if err != nil {
			return err
		}
		// content owner of the moderated record, or of the testified-about record itself
		owner := t.Subject.Owner()
		if act != nil {
			if act.Subject.IsActor() {
				return fmt.Errorf("%w: action subject is an account, not content", ErrStandingBasis)
			}
			owner = act.Subject.Owner()
		}
		if owner != witness {
			return fmt.Errorf("%w: %s does not own the content", ErrStandingBasis, witness)
		}
		return nil
	case records.BasisAffectedParty:
		_, act, err := l.referencedAction(ctx, t)
		if err != nil {
			return err
		}
		if act != nil && act.Subject.Owner() != witness {
			return fmt.Errorf("%w: %s is not affected by the action", ErrStandingBasis, witness)
		}
		return nil
	case records.BasisHistoricalInvolvement:
		env, act, err := l.referencedAction(ctx, t)
		if err != nil {
			return err
		}
		if act == nil {
			return fmt.Errorf("%w: historical involvement requires a referenced action", ErrStandingBasis)
		}
		ok, err := l.ghost.CanTestifyHistorical(ctx, witness, act.Context, env.CreatedAt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s held no role in %s when %s was created", ErrStandingBasis, witness, act.Context, env.Ref.URI())
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown basis %q", ErrStandingBasis, t.StandingBasis)
	}
}

// Finds a live testimony with the same business key: witness, subject, context, position, and content (compared after unicode normalization).
func (l *Ledger) FindIdentical(ctx context.Context, witness syntax.DID, t *records.Testimony) (*records.Envelope, error) {
	var candidates []*records.Envelope
	var err error
	if t.Subject.IsActor() {
		candidates, err = l.records.ListAboutActor(ctx, syntax.CollectionTestimony, t.Subject.DID, t.Context)
	} else {
		candidates, err = l.records.ListReferencing(ctx, *t.Subject.Ref, syntax.CollectionTestimony, store.FieldSubject)
	}
	if err != nil {
		return nil, err
	}
	content := records.NormalizeText(t.Content)
	for _, env := range candidates {
		other, ok := env.Record.(*records.Testimony)
		if !ok || env.Deleted || env.Author() != witness {
			continue
		}
		if other.Subject.Key() == t.Subject.Key() && other.Context == t.Context && other.Position == t.Position && records.NormalizeText(other.Content) == content {
			return env, nil
		}
	}
	return nil, nil
}

// Live testimonies about an actor, optionally scoped to a context.
func (l *Ledger) AboutActor(ctx context.Context, subject syntax.DID, contextID string) ([]*records.Envelope, error) {
	envs, err := l.records.ListAboutActor(ctx, syntax.CollectionTestimony, subject, contextID)
	if err != nil {
		return nil, err
	}
	return live(envs), nil
}

// Live testimonies about a record.
func (l *Ledger) AboutRecord(ctx context.Context, subject syntax.Ref) ([]*records.Envelope, error) {
	envs, err := l.records.ListReferencing(ctx, subject, syntax.CollectionTestimony, store.FieldSubject)
	if err != nil {
		return nil, err
	}
	return live(envs), nil
}

func live(envs []*records.Envelope) []*records.Envelope {
	out := make([]*records.Envelope, 0, len(envs))
	for _, env := range envs {
		if !env.Deleted {
			out = append(out, env)
		}
	}
	return out
}
