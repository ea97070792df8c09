package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
)

type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeRejected  Outcome = "rejected"
	// gave up waiting on a reference, or the reference can never resolve
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// A single inbound record (or record deletion), as delivered by the consumer or an import file.
type Item struct {
	Collection string          `json:"collection"`
	Owner      string          `json:"did"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Payload    json.RawMessage `json:"record,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	// first time this indexer saw the item; set on first processing and kept across retries
	ReceivedAt *time.Time `json:"receivedAt,omitempty"`
	Deleted    bool       `json:"deleted,omitempty"`
}

func (it *Item) Ref() (syntax.Ref, error) {
	return syntax.NewRef(it.Owner, it.Collection, it.RKey)
}

// Decodes the item into a record envelope. Deletions produce an envelope without a record.
func (it *Item) Envelope() (*records.Envelope, error) {
	ref, err := it.Ref()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", records.ErrSchemaInvalid, err)
	}
	if !ref.Collection.Known() {
		return nil, fmt.Errorf("%w: %s", records.ErrUnhandledCollection, ref.Collection)
	}
	if it.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing createdAt", records.ErrSchemaInvalid)
	}
	env := &records.Envelope{
		Ref:       ref,
		CreatedAt: it.CreatedAt.UTC(),
	}
	if it.ReceivedAt != nil {
		env.ReceivedAt = it.ReceivedAt.UTC()
	}
	if it.Deleted {
		at := env.ReceivedAt
		if at.IsZero() {
			at = env.CreatedAt
		}
		env.Deleted = true
		env.DeletedAt = &at
		return env, nil
	}

	if len(it.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty record payload", records.ErrSchemaInvalid)
	}
	if it.CID == "" {
		c, err := syntax.PayloadCID(it.Payload)
		if err != nil {
			return nil, err
		}
		it.CID = c
	} else {
		c, err := syntax.ParseContentHash(it.CID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", records.ErrSchemaInvalid, err)
		}
		it.CID = c
	}
	env.Ref.CID = it.CID

	rec, err := records.Decode(ref.Collection, it.Payload)
	if err != nil {
		return nil, err
	}
	env.Record = rec
	return env, nil
}

// Builds an item from a record, for tests and tooling.
func NewItem(author syntax.DID, rkey string, rec records.Record, createdAt time.Time) (*Item, error) {
	b, err := records.Encode(rec)
	if err != nil {
		return nil, err
	}
	return &Item{
		Collection: rec.Collection().String(),
		Owner:      author.String(),
		RKey:       rkey,
		Payload:    b,
		CreatedAt:  createdAt,
	}, nil
}

// Reads items from JSON lines. Blank lines are skipped.
func ReadItems(r io.Reader) ([]*Item, error) {
	var items []*Item
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var it Item
		if err := json.Unmarshal(b, &it); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, &it)
	}
	return items, scanner.Err()
}
