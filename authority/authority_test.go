package authority

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gardening = "submolt:gardening"

func date(month time.Month, day int) time.Time {
	return time.Date(2024, month, day, 0, 0, 0, 0, time.UTC)
}

type fixture struct {
	t     *testing.T
	store *store.MemStore
	n     int
}

func (f *fixture) put(author syntax.DID, rec records.Record, createdAt time.Time) syntax.Ref {
	f.n++
	ref, err := syntax.NewRef(author.String(), rec.Collection().String(), fmt.Sprintf("r%d", f.n))
	require.NoError(f.t, err)
	_, err = f.store.PutRecord(context.Background(), &records.Envelope{
		Ref:        ref,
		CreatedAt:  createdAt,
		ReceivedAt: createdAt,
		Record:     rec,
	})
	require.NoError(f.t, err)
	return ref
}

func (f *fixture) grant(actor syntax.DID, role string, from time.Time, until *time.Time) {
	f.put("did:plc:governance", &records.RoleGrant{
		Actor:     actor,
		Context:   gardening,
		Role:      role,
		GrantedAt: &from,
		RevokedAt: until,
	}, from)
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, store: store.NewMemStore()}
}

func TestHasAuthorityTemporal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	r := NewResolver(f.store, nil, nil)

	mod := syntax.DID("did:plc:mod1")
	f.grant(mod, "moderator", date(6, 1), nil)
	// role lost at T1 through a revocation record
	revokedAt := date(10, 1)
	f.put("did:plc:governance", &records.RoleRevocation{Actor: mod, Context: gardening, Role: "moderator", RevokedAt: &revokedAt}, date(10, 2))

	ok, err := r.HasAuthority(ctx, mod, gardening, CapIssueAction, date(8, 1))
	assert.NoError(err)
	assert.True(ok)

	// executed at T2 > T1: denied, whatever the record claims as its creation time
	ok, err = r.HasAuthority(ctx, mod, gardening, CapIssueAction, date(10, 5))
	assert.NoError(err)
	assert.False(ok)
	err = r.Require(ctx, mod, gardening, CapIssueAction, date(10, 5))
	assert.ErrorIs(err, ErrAuthorityRequired)

	// interval is half-open
	ok, err = r.HasAuthority(ctx, mod, gardening, CapIssueAction, revokedAt)
	assert.NoError(err)
	assert.False(ok)
	ok, err = r.HasAuthority(ctx, mod, gardening, CapIssueAction, date(6, 1))
	assert.NoError(err)
	assert.True(ok)

	// before the grant
	ok, err = r.HasAuthority(ctx, mod, gardening, CapIssueAction, date(5, 31))
	assert.NoError(err)
	assert.False(ok)

	// other contexts are separate
	ok, err = r.HasAuthority(ctx, mod, "submolt:other", CapIssueAction, date(8, 1))
	assert.NoError(err)
	assert.False(ok)

	// moderators can't endorse
	ok, err = r.HasAuthority(ctx, mod, gardening, CapEndorse, date(8, 1))
	assert.NoError(err)
	assert.False(ok)
}

func TestRoleHistoryRegrant(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	r := NewResolver(f.store, nil, nil)

	mod := syntax.DID("did:plc:mod1")
	end := date(3, 1)
	f.grant(mod, "moderator", date(1, 1), &end)
	f.grant(mod, "moderator", date(9, 1), nil)
	f.grant(mod, "steward", date(2, 1), nil)

	history, err := r.RoleHistory(ctx, mod, gardening)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal("moderator", history[0].Role)
	assert.Equal("steward", history[1].Role)
	assert.Nil(history[2].RevokedAt)

	roles, err := r.ActiveRoles(ctx, mod, gardening, date(5, 1))
	assert.NoError(err)
	assert.Equal([]string{"steward"}, roles)

	role, err := r.AuthorizingRole(ctx, mod, gardening, CapCloseWindow, date(10, 1))
	assert.NoError(err)
	assert.Equal("moderator", role)

	holders, err := r.HoldersAt(ctx, gardening, date(5, 1))
	assert.NoError(err)
	assert.Equal([]syntax.DID{mod}, holders)
}

func TestGhostHistoricalTestimony(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	ghost := NewGhost(NewResolver(f.store, nil, nil))

	// moderator June through October
	mod := syntax.DID("did:plc:mod1")
	end := date(10, 31)
	f.grant(mod, "moderator", date(6, 1), &end)

	actionAt := date(8, 15)
	ts, err := ghost.Transitions(ctx, mod, gardening, date(11, 10), &actionAt)
	require.NoError(t, err)
	assert.True(ts.Ghost)
	assert.True(ts.Allows(CapTestifyHistorical))
	assert.True(ts.Allows(CapTestify))
	for _, c := range RoleGated {
		assert.False(ts.Allows(c), c)
		assert.Contains(ts.Denied, c)
	}

	// action outside the tenure
	earlier := date(3, 1)
	ts, err = ghost.Transitions(ctx, mod, gardening, date(11, 10), &earlier)
	require.NoError(t, err)
	assert.False(ts.Allows(CapTestifyHistorical))

	ok, err := ghost.CanTestifyHistorical(ctx, mod, gardening, actionAt)
	assert.NoError(err)
	assert.True(ok)

	// someone who never held a role is not a ghost, and gets only community voice
	ts, err = ghost.Transitions(ctx, "did:plc:member", gardening, date(11, 10), &actionAt)
	require.NoError(t, err)
	assert.False(ts.Ghost)
	assert.Equal([]Capability{CapTestify}, ts.Allowed)

	// while still in role, decisions are allowed
	ts, err = ghost.Transitions(ctx, mod, gardening, date(9, 1), nil)
	require.NoError(t, err)
	assert.False(ts.Ghost)
	assert.True(ts.Allows(CapResolveAppeal))
	assert.False(ts.Allows(CapTestifyHistorical))
}

func TestParsePolicy(t *testing.T) {
	assert := assert.New(t)

	p, err := ParsePolicy([]byte(`
roles:
  moderator: [issue_action, resolve_appeal]
  elder: [resolve_appeal, endorse]
rank:
  elder: 5
  moderator: 2
`))
	require.NoError(t, err)
	assert.True(p.Grants("elder", CapEndorse))
	assert.False(p.Grants("moderator", CapReverse))
	assert.Equal(5, p.RoleRank("elder"))
	assert.Equal(0, p.RoleRank("nobody"))

	_, err = ParsePolicy([]byte("roles:\n  moderator: [testify]\n"))
	assert.Error(err)

	_, err = ParseCapability("close_window")
	assert.NoError(err)
	_, err = ParseCapability("smite")
	assert.Error(err)
}
