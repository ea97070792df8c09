package syntax

import (
	"fmt"
	"regexp"
)

// Record collection, as a namespaced identifier (NSID).
type Collection string

const (
	CollectionAction         Collection = "social.molt.moderation.action"
	CollectionAppeal         Collection = "social.molt.moderation.appeal"
	CollectionResolution     Collection = "social.molt.moderation.resolution"
	CollectionTestimony      Collection = "social.molt.standing.testimony"
	CollectionEndorsement    Collection = "social.molt.standing.endorsement"
	CollectionWindowClosure  Collection = "social.molt.standing.windowClosure"
	CollectionRoleGrant      Collection = "social.molt.governance.roleGrant"
	CollectionRoleRevocation Collection = "social.molt.governance.roleRevocation"
)

// All collections the engine knows how to decode.
var KnownCollections = []Collection{
	CollectionAction,
	CollectionAppeal,
	CollectionResolution,
	CollectionTestimony,
	CollectionEndorsement,
	CollectionWindowClosure,
	CollectionRoleGrant,
	CollectionRoleRevocation,
}

var nsidRegex = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+(\.[a-zA-Z]([a-zA-Z]{0,61}[a-zA-Z])?)$`)

// Parses any syntactically valid NSID. The result is not necessarily a known collection; see [Collection.Known].
func ParseCollection(raw string) (Collection, error) {
	if raw == "" {
		return "", fmt.Errorf("expected collection NSID, got empty string")
	}
	if len(raw) > 317 {
		return "", fmt.Errorf("collection NSID is too long (317 chars max)")
	}
	if !nsidRegex.MatchString(raw) {
		return "", fmt.Errorf("collection NSID syntax didn't validate via regex")
	}
	return Collection(raw), nil
}

func (c Collection) Known() bool {
	for _, k := range KnownCollections {
		if c == k {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}
