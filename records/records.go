// Typed record variants consumed by the engine, and their decoding and schema validation.
//
// Every inbound record is decoded into exactly one [Record] variant. Consumers switch over the concrete type; the default branch of those switches must treat the record as unhandled (and log it), never silently ignore it.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moltsocial/quorum/syntax"
)

var (
	// Malformed payload. Dropped and logged, never retried.
	ErrSchemaInvalid = errors.New("record schema invalid")
	// Record collection which this engine does not know how to process.
	ErrUnhandledCollection = errors.New("unhandled record collection")
	// Target of a cross-reference does not exist (yet), or is not of the expected kind.
	ErrInvalidReference = errors.New("invalid reference")
)

// A cross-reference whose target has not been ingested. Matches [ErrInvalidReference] with errors.Is; the item may succeed once the target arrives.
type MissingReferenceError struct {
	Ref syntax.Ref
	// which field of the record holds the reference
	Field string
}

func (e *MissingReferenceError) Error() string {
	return fmt.Sprintf("%s: %s references %s, which is not (yet) known", ErrInvalidReference, e.Field, e.Ref.URI())
}

func (e *MissingReferenceError) Is(target error) bool {
	return target == ErrInvalidReference
}

var validate = newValidator()

// Implemented by every record variant. The interface is closed: only types in this package satisfy it.
type Record interface {
	Collection() syntax.Collection
	validateRecord() error
}

// Metadata wrapper around a decoded record, as held by the record store.
type Envelope struct {
	Ref syntax.Ref
	// Logical creation time of the record, as claimed by the author.
	CreatedAt time.Time
	// When this indexer first received the record. Used as the execution time for authority checks.
	ReceivedAt time.Time
	Deleted    bool
	DeletedAt  *time.Time
	Record     Record
}

// The authoring account. Records are always owned by their author's repository.
func (e *Envelope) Author() syntax.DID {
	return e.Ref.Owner
}

// Either an account or a record. Exactly one of the fields is set.
type Subject struct {
	DID syntax.DID  `json:"did,omitempty"`
	Ref *syntax.Ref `json:"ref,omitempty"`
}

func SubjectDID(did syntax.DID) Subject {
	return Subject{DID: did}
}

func SubjectRef(ref syntax.Ref) Subject {
	return Subject{Ref: &ref}
}

func (s Subject) IsActor() bool {
	return s.DID != ""
}

// The account which "owns" the subject: the actor itself, or the owner of the referenced record.
func (s Subject) Owner() syntax.DID {
	if s.Ref != nil {
		return s.Ref.Owner
	}
	return s.DID
}

// Index key for the subject: DID string, or record URI.
func (s Subject) Key() string {
	if s.Ref != nil {
		return s.Ref.Key()
	}
	return s.DID.String()
}

func (s Subject) validateSubject() error {
	if s.DID != "" && s.Ref != nil {
		return fmt.Errorf("subject must be either an account or a record, not both")
	}
	if s.DID == "" && s.Ref == nil {
		return fmt.Errorf("subject is required")
	}
	if s.DID != "" {
		if _, err := syntax.ParseDID(s.DID.String()); err != nil {
			return err
		}
	}
	return nil
}

// Decodes and validates a JSON record payload for the given collection.
//
// Unknown collections return [ErrUnhandledCollection]; structural problems return an error wrapping [ErrSchemaInvalid].
func Decode(collection syntax.Collection, payload []byte) (Record, error) {
	var rec Record
	switch collection {
	case syntax.CollectionAction:
		rec = &ModerationAction{}
	case syntax.CollectionAppeal:
		rec = &Appeal{}
	case syntax.CollectionResolution:
		rec = &AppealResolution{}
	case syntax.CollectionTestimony:
		rec = &Testimony{}
	case syntax.CollectionEndorsement:
		rec = &Endorsement{}
	case syntax.CollectionWindowClosure:
		rec = &WindowClosure{}
	case syntax.CollectionRoleGrant:
		rec = &RoleGrant{}
	case syntax.CollectionRoleRevocation:
		rec = &RoleRevocation{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledCollection, collection)
	}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrSchemaInvalid, collection, err)
	}
	if err := Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Runs struct-tag validation followed by the record's own cross-field checks.
func Validate(rec Record) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, rec.Collection(), err)
	}
	if err := rec.validateRecord(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaInvalid, rec.Collection(), err)
	}
	return nil
}

// Encodes a record payload as JSON.
func Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}
