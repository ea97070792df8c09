package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
)

var (
	// Role records authored by an account outside the configured governance set.
	ErrUntrustedGovernance = errors.New("governance record from untrusted author")
	ErrSelfEndorsement     = errors.New("self-endorsement rejected")
)

// Per-collection admission: reference resolution and authority at execution (receive) time. Admission never mutates state.
func (e *Engine) admit(ctx context.Context, env *records.Envelope) error {
	switch rec := env.Record.(type) {
	case *records.ModerationAction:
		return e.admitAction(ctx, env, rec)
	case *records.Appeal:
		return e.admitAppeal(ctx, env, rec)
	case *records.AppealResolution:
		return e.admitResolution(ctx, env, rec)
	case *records.Testimony:
		return e.ledger.Admit(ctx, env)
	case *records.Endorsement:
		if rec.Subject == env.Author() {
			return ErrSelfEndorsement
		}
		return e.resolver.Require(ctx, env.Author(), rec.Context, authority.CapEndorse, env.ReceivedAt)
	case *records.WindowClosure:
		return e.admitWindowClosure(ctx, env, rec)
	case *records.RoleGrant, *records.RoleRevocation:
		if len(e.governance) > 0 && !e.governance[env.Author().String()] {
			return fmt.Errorf("%w: %s", ErrUntrustedGovernance, env.Author())
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", records.ErrUnhandledCollection, env.Ref.Collection)
	}
}

// Fetches a referenced moderation action. Unknown references are reported as [records.MissingReferenceError] so the item can be deferred.
func (e *Engine) referencedAction(ctx context.Context, ref syntax.Ref, field string) (*records.Envelope, *records.ModerationAction, error) {
	env, err := e.store.GetRecord(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &records.MissingReferenceError{Ref: ref, Field: field}
	}
	if err != nil {
		return nil, nil, err
	}
	act, ok := env.Record.(*records.ModerationAction)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s %s is not a moderation action", records.ErrInvalidReference, field, ref.URI())
	}
	return env, act, nil
}

func (e *Engine) admitAction(ctx context.Context, env *records.Envelope, act *records.ModerationAction) error {
	operator := env.Author()

	if act.Subject.Ref != nil && act.Subject.Ref.Collection == syntax.CollectionAction {
		if _, _, err := e.referencedAction(ctx, *act.Subject.Ref, store.FieldSubject); err != nil {
			return err
		}
	}

	switch act.Kind {
	case records.ActionAppeal:
		_, target, err := e.referencedAction(ctx, *act.AppealsTo, store.FieldAppealsTo)
		if err != nil {
			return err
		}
		if target.Context != act.Context {
			return fmt.Errorf("%w: appeal context %q does not match action context %q", records.ErrInvalidReference, act.Context, target.Context)
		}
		// appeals are filed by the affected account, no role required
		if target.Subject.Owner() != operator {
			return fmt.Errorf("%w: %s is not the subject of %s", ErrNoAppealStanding, operator, act.AppealsTo.URI())
		}
		return nil
	case records.ActionReverse:
		_, target, err := e.referencedAction(ctx, *act.Reverses, store.FieldReverses)
		if err != nil {
			return err
		}
		if target.Context != act.Context {
			return fmt.Errorf("%w: reversal context %q does not match action context %q", records.ErrInvalidReference, act.Context, target.Context)
		}
		capability := authority.CapReverse
		if act.Severity == records.SeverityHard {
			capability = authority.CapHardReverse
		}
		return e.resolver.Require(ctx, operator, act.Context, capability, env.ReceivedAt)
	default:
		return e.resolver.Require(ctx, operator, act.Context, authority.CapIssueAction, env.ReceivedAt)
	}
}

func (e *Engine) admitAppeal(ctx context.Context, env *records.Envelope, ap *records.Appeal) error {
	author := env.Author()
	if author != ap.Appellant && author != ap.Representative {
		return fmt.Errorf("%w: %s is neither appellant nor representative", ErrNoAppealStanding, author)
	}
	_, act, err := e.referencedAction(ctx, ap.Subject, store.FieldSubject)
	if err != nil {
		return err
	}
	if act.Subject.Owner() != ap.Appellant {
		return fmt.Errorf("%w: %s is not the subject of %s", ErrNoAppealStanding, ap.Appellant, ap.Subject.URI())
	}
	return nil
}

// The action an appeal (record or appeal-kind action) is about.
func appealedAction(env *records.Envelope) (syntax.Ref, error) {
	switch rec := env.Record.(type) {
	case *records.Appeal:
		return rec.Subject, nil
	case *records.ModerationAction:
		if rec.Kind == records.ActionAppeal && rec.AppealsTo != nil {
			return *rec.AppealsTo, nil
		}
	}
	return syntax.Ref{}, fmt.Errorf("%w: %s is not an appeal", records.ErrInvalidReference, env.Ref.URI())
}

func (e *Engine) admitResolution(ctx context.Context, env *records.Envelope, res *records.AppealResolution) error {
	appealEnv, err := e.store.GetRecord(ctx, res.Appeal)
	if errors.Is(err, store.ErrNotFound) {
		return &records.MissingReferenceError{Ref: res.Appeal, Field: store.FieldAppeal}
	}
	if err != nil {
		return err
	}
	actionRef, err := appealedAction(appealEnv)
	if err != nil {
		return err
	}
	if res.ModAction != nil && !res.ModAction.Same(actionRef) {
		return fmt.Errorf("%w: modAction %s is not the appealed action %s", records.ErrInvalidReference, res.ModAction.URI(), actionRef.URI())
	}
	_, act, err := e.referencedAction(ctx, actionRef, store.FieldModAction)
	if err != nil {
		return err
	}

	// the claimed authority must be a role the resolver actually held, and one which may resolve appeals
	resolver := env.Author()
	roles, err := e.resolver.ActiveRoles(ctx, resolver, act.Context, env.ReceivedAt)
	if err != nil {
		return err
	}
	if !slices.Contains(roles, res.ResolverAuthority) {
		return fmt.Errorf("%w: %s did not hold %q in %s", authority.ErrAuthorityRequired, resolver, res.ResolverAuthority, act.Context)
	}
	if !e.resolver.Policy().Grants(res.ResolverAuthority, authority.CapResolveAppeal) {
		return fmt.Errorf("%w: role %q may not resolve appeals", authority.ErrAuthorityRequired, res.ResolverAuthority)
	}
	return nil
}

func (e *Engine) admitWindowClosure(ctx context.Context, env *records.Envelope, wc *records.WindowClosure) error {
	trigger, act, err := e.referencedAction(ctx, wc.Action, store.FieldAction)
	if err != nil {
		return err
	}
	if !e.opensWindow(trigger) {
		return fmt.Errorf("%w: %s does not open a testimony window", records.ErrInvalidReference, wc.Action.URI())
	}
	return e.resolver.Require(ctx, env.Author(), act.Context, authority.CapCloseWindow, env.ReceivedAt)
}
