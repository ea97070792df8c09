package syntax

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var rkeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_~.:-]{1,512}$`)

// Globally unique reference to a single record.
//
// A Ref is comparable and safe to use as a map key. The content hash is not part of the identity of the record; use [Ref.Key] or [Ref.URI] when indexing.
//
// In record payloads a Ref is encoded as a "strong ref" object: `{"uri": "at://...", "cid": "..."}`, with the cid optional.
type Ref struct {
	Owner      DID
	Collection Collection
	RKey       string
	// optional content hash, for integrity checks
	CID string
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
}

func ParseRecordKey(raw string) (string, error) {
	if raw == "" || raw == "." || raw == ".." {
		return "", fmt.Errorf("record key can not be empty, '.', or '..'")
	}
	if len(raw) > 512 {
		return "", fmt.Errorf("record key is too long (512 chars max)")
	}
	if !rkeyRegex.MatchString(raw) {
		return "", fmt.Errorf("record key syntax didn't validate via regex")
	}
	return raw, nil
}

// Builds a validated reference from its parts.
func NewRef(owner, collection, rkey string) (Ref, error) {
	did, err := ParseDID(owner)
	if err != nil {
		return Ref{}, fmt.Errorf("reference owner: %w", err)
	}
	coll, err := ParseCollection(collection)
	if err != nil {
		return Ref{}, err
	}
	rk, err := ParseRecordKey(rkey)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Owner: did, Collection: coll, RKey: rk}, nil
}

// Parses an AT-URI of the form `at://<did>/<collection>/<rkey>`. Handles are not accepted as the authority: references must be stable.
func ParseRef(raw string) (Ref, error) {
	if len(raw) > 8192 {
		return Ref{}, fmt.Errorf("AT-URI is too long (8192 chars max)")
	}
	if !strings.HasPrefix(raw, "at://") {
		return Ref{}, fmt.Errorf("AT-URI must start with at://")
	}
	parts := strings.Split(raw[len("at://"):], "/")
	if len(parts) != 3 {
		return Ref{}, fmt.Errorf("AT-URI must have exactly authority, collection, and record key segments")
	}
	return NewRef(parts[0], parts[1], parts[2])
}

func (r Ref) URI() string {
	return "at://" + r.Owner.String() + "/" + r.Collection.String() + "/" + r.RKey
}

// Identity of the record, without content hash. Use as index key.
func (r Ref) Key() string {
	return r.URI()
}

func (r Ref) String() string {
	return r.URI()
}

func (r Ref) IsZero() bool {
	return r.Owner == "" && r.Collection == "" && r.RKey == ""
}

// Reports whether two refs name the same record, ignoring content hashes.
func (r Ref) Same(o Ref) bool {
	return r.Owner == o.Owner && r.Collection == o.Collection && r.RKey == o.RKey
}

// Drops the content hash.
func (r Ref) Bare() Ref {
	r.CID = ""
	return r
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(strongRef{URI: r.URI(), CID: r.CID})
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	var sr strongRef
	if err := json.Unmarshal(b, &sr); err != nil {
		return err
	}
	ref, err := ParseRef(sr.URI)
	if err != nil {
		return err
	}
	if sr.CID != "" {
		c, err := ParseContentHash(sr.CID)
		if err != nil {
			return err
		}
		ref.CID = c
	}
	*r = ref
	return nil
}
