package syntax

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1 prefix used for record payloads which arrive without a content hash: raw codec, sha2-256.
var payloadCIDBuilder = cid.V1Builder{Codec: cid.Raw, MhType: multihash.SHA2_256, MhLength: -1}

// Computes the content hash for raw record payload bytes.
func PayloadCID(payload []byte) (string, error) {
	c, err := payloadCIDBuilder.Sum(payload)
	if err != nil {
		return "", fmt.Errorf("hashing record payload: %w", err)
	}
	return c.String(), nil
}

// Validates a content hash string, returning its canonical string form. CIDv0 is rejected.
func ParseContentHash(raw string) (string, error) {
	c, err := cid.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("invalid content hash: %w", err)
	}
	if c.Version() == 0 {
		return "", fmt.Errorf("CIDv0 content hashes are not supported")
	}
	return c.String(), nil
}
