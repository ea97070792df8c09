package store

import (
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

// Reference fields, as used by [Store.ListReferencing].
const (
	FieldSubject   = "subject"
	FieldAppealsTo = "appealsTo"
	FieldReverses  = "reverses"
	FieldAppeal    = "appeal"
	FieldModAction = "modAction"
	FieldAction    = "action"
)

type edge struct {
	Field  string
	Target syntax.Ref
}

// Index keys extracted from a record.
type indexKeys struct {
	Edges      []edge
	SubjectDID syntax.DID
	Context    string
}

func extractKeys(rec records.Record) indexKeys {
	var k indexKeys
	switch r := rec.(type) {
	case *records.ModerationAction:
		k.Context = r.Context
		k.SubjectDID = r.Subject.DID
		if r.Subject.Ref != nil {
			k.Edges = append(k.Edges, edge{FieldSubject, *r.Subject.Ref})
		}
		if r.AppealsTo != nil {
			k.Edges = append(k.Edges, edge{FieldAppealsTo, *r.AppealsTo})
		}
		if r.Reverses != nil {
			k.Edges = append(k.Edges, edge{FieldReverses, *r.Reverses})
		}
	case *records.Appeal:
		k.SubjectDID = r.Appellant
		k.Edges = append(k.Edges, edge{FieldSubject, r.Subject})
	case *records.AppealResolution:
		k.Edges = append(k.Edges, edge{FieldAppeal, r.Appeal})
		if r.ModAction != nil {
			k.Edges = append(k.Edges, edge{FieldModAction, *r.ModAction})
		}
	case *records.Testimony:
		k.Context = r.Context
		k.SubjectDID = r.Subject.DID
		if r.Subject.Ref != nil {
			k.Edges = append(k.Edges, edge{FieldSubject, *r.Subject.Ref})
		}
	case *records.Endorsement:
		k.Context = r.Context
		k.SubjectDID = r.Subject
	case *records.WindowClosure:
		k.Edges = append(k.Edges, edge{FieldAction, r.Action})
	case *records.RoleGrant:
		k.Context = r.Context
		k.SubjectDID = r.Actor
	case *records.RoleRevocation:
		k.Context = r.Context
		k.SubjectDID = r.Actor
	default:
		// not indexed; decoding only produces the variants above
	}
	return k
}
