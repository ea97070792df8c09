package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gardening = "submolt:gardening"

var t0 = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t     *testing.T
	srv   *Server
	clock *engine.TestClock
	n     int
}

func newTestServer(t *testing.T) *testServer {
	clock := engine.NewTestClock(t0)
	eng := engine.EngineTestFixture(clock)
	return &testServer{
		t:     t,
		srv:   NewServer(eng, slog.Default(), ServerConfig{AdminPassword: "hunter2"}),
		clock: clock,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) get(path string, params url.Values) *httptest.ResponseRecorder {
	u := path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return ts.do(httptest.NewRequest(http.MethodGet, u, nil))
}

// Ingests one record through the admin endpoint, returning its reference.
func (ts *testServer) ingest(by syntax.DID, rec records.Record, createdAt time.Time) (syntax.Ref, string) {
	ts.n++
	it, err := engine.NewItem(by, "r"+string(rune('a'+ts.n)), rec, createdAt)
	require.NoError(ts.t, err)
	b, err := json.Marshal(it)
	require.NoError(ts.t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/ingest", bytes.NewReader(append(b, '\n')))
	req.SetBasicAuth("admin", "hunter2")
	resp := ts.do(req)
	require.Equal(ts.t, http.StatusOK, resp.Code, resp.Body.String())

	var out struct {
		Results []ingestResult `json:"results"`
	}
	require.NoError(ts.t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Len(ts.t, out.Results, 1)
	ref, err := it.Ref()
	require.NoError(ts.t, err)
	return ref, string(out.Results[0].Outcome)
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestServerQueries(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	mod := syntax.DID("did:plc:mod1")
	author := syntax.DID("did:plc:author1")
	post, err := syntax.ParseRef("at://did:plc:author1/app.molt.feed.post/p1")
	require.NoError(t, err)

	_, outcome := ts.ingest("did:plc:governance", &records.RoleGrant{Actor: mod, Context: gardening, Role: "moderator"}, t0)
	assert.Equal("stored", outcome)

	ts.clock.Set(t0.Add(time.Hour))
	action, outcome := ts.ingest(mod, &records.ModerationAction{
		Context:  gardening,
		Subject:  records.SubjectRef(post),
		Kind:     records.ActionRemove,
		Severity: records.SeverityHard,
		Reason:   "spam",
	}, t0.Add(time.Hour))
	assert.Equal("stored", outcome)

	{
		resp := ts.get("/xrpc/social.molt.moderation.getActionState", url.Values{"uri": {action.URI()}})
		assert.Equal(http.StatusOK, resp.Code)
		out := decode(t, resp)
		assert.Equal("active", out["state"])
		assert.Equal(gardening, out["context"])
	}
	{
		resp := ts.get("/xrpc/social.molt.moderation.getActionState", url.Values{"uri": {"not-a-uri"}})
		assert.Equal(http.StatusBadRequest, resp.Code)
		assert.Equal("InvalidRequest", decode(t, resp)["error"])
	}
	{
		resp := ts.get("/xrpc/social.molt.moderation.getActionState", nil)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
	{
		missing := "at://did:plc:mod1/social.molt.moderation.action/nope"
		resp := ts.get("/xrpc/social.molt.moderation.getActionState", url.Values{"uri": {missing}})
		assert.Equal(http.StatusNotFound, resp.Code)
		assert.Equal("NotFound", decode(t, resp)["error"])
	}
	{
		// a plain removal opens no testimony window
		resp := ts.get("/xrpc/social.molt.moderation.getTestimonyWindow", url.Values{"uri": {action.URI()}})
		assert.Equal(http.StatusNotFound, resp.Code)
	}
	{
		resp := ts.get("/xrpc/social.molt.authority.getAuthority", url.Values{
			"did":        {string(mod)},
			"context":    {gardening},
			"capability": {"issue_action"},
		})
		assert.Equal(http.StatusOK, resp.Code)
		out := decode(t, resp)
		assert.Equal(true, out["granted"])
		assert.Contains(out["roles"], "moderator")
	}
	{
		// before the grant
		resp := ts.get("/xrpc/social.molt.authority.getAuthority", url.Values{
			"did":        {string(mod)},
			"context":    {gardening},
			"capability": {"issue_action"},
			"at":         {"2024-07-01"},
		})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal(false, decode(t, resp)["granted"])
	}
	{
		resp := ts.get("/xrpc/social.molt.authority.getAuthority", url.Values{
			"did":        {string(mod)},
			"context":    {gardening},
			"capability": {"smite"},
		})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
	{
		resp := ts.get("/xrpc/social.molt.authority.getTransitions", url.Values{
			"did":          {string(author)},
			"context":      {gardening},
			"referencedAt": {t0.Format(time.RFC3339)},
		})
		assert.Equal(http.StatusOK, resp.Code)
		out := decode(t, resp)
		assert.Equal(false, out["ghost"])
		assert.Contains(out["allowed"], "testify")
		assert.Contains(out["denied"], "testify_historical")
	}
	{
		resp := ts.get("/xrpc/social.molt.standing.getStanding", url.Values{"did": {string(author)}})
		assert.Equal(http.StatusOK, resp.Code)
		out := decode(t, resp)
		assert.Equal("unknown", out["tier"])
		assert.Equal(0.5, out["phi"])
		assert.Equal(false, out["moreAvailable"])
	}
	{
		resp := ts.get("/xrpc/social.molt.standing.getStanding", url.Values{"did": {string(author)}, "methodology": {"nope"}})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
	{
		resp := ts.get("/xrpc/social.molt.standing.getStanding", url.Values{"did": {string(author)}, "limit": {"-3"}})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
}

func TestServerAdmin(t *testing.T) {
	assert := assert.New(t)
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/deadletters", nil)
	assert.Equal(http.StatusUnauthorized, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/deadletters", nil)
	req.SetBasicAuth("admin", "wrong")
	assert.Equal(http.StatusUnauthorized, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/deadletters", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp := ts.do(req)
	assert.Equal(http.StatusOK, resp.Code)
	assert.Contains(resp.Body.String(), "deadLetters")

	req = httptest.NewRequest(http.MethodPost, "/admin/ingest", bytes.NewReader([]byte("{not json\n")))
	req.SetBasicAuth("admin", "hunter2")
	assert.Equal(http.StatusBadRequest, ts.do(req).Code)

	health := ts.get("/_health", nil)
	assert.Equal(http.StatusOK, health.Code)
	assert.Equal("ok", decode(t, health)["status"])
}

func TestServerAdminDisabled(t *testing.T) {
	assert := assert.New(t)

	eng := engine.EngineTestFixture(engine.NewTestClock(t0))
	srv := NewServer(eng, slog.Default(), ServerConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/deadletters", nil)
	req.SetBasicAuth("admin", "")
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(http.StatusNotFound, rec.Code)
}
