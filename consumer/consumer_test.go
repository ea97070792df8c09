package consumer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/store"
	"github.com/moltsocial/quorum/syntax"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	lk    sync.Mutex
	items []*engine.Item
}

func (p *recordingProcessor) ProcessItem(ctx context.Context, item *engine.Item) (engine.Outcome, error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	p.items = append(p.items, item)
	return engine.OutcomeStored, nil
}

var streamMessages = []string{
	`{"seq": 10, "did": "did:plc:alice", "time_us": 1722513600000000, "kind": "commit", "commit": {"operation": "create", "collection": "social.molt.standing.testimony", "rkey": "t1", "record": {"subject": {"did": "did:plc:bob"}, "context": "submolt:gardening", "position": "positive", "content": "helpful", "standingBasis": "community-member", "createdAt": "2024-08-01T10:00:00Z"}}}`,
	`{"seq": 11, "did": "did:plc:alice", "time_us": 1722513600000000, "kind": "identity"}`,
	`{"seq": 12, "did": "did:plc:alice", "time_us": 1722513600000000, "kind": "commit", "commit": {"operation": "create", "collection": "app.molt.feed.post", "rkey": "p1", "record": {"text": "hello"}}}`,
	`{"seq": 13, "did": "did:plc:alice", "time_us": 1722517200000000, "kind": "commit", "commit": {"operation": "delete", "collection": "social.molt.standing.testimony", "rkey": "t1"}}`,
}

func streamServer(t *testing.T, cursors chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscribe", r.URL.Path)
		cursors <- r.URL.Query().Get("cursor")
		con, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer con.Close()
		for _, msg := range streamMessages {
			if err := con.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		_ = con.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		// wait for the client to go away
		_, _, _ = con.ReadMessage()
	}))
}

func TestStreamConsumer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cursors := make(chan string, 2)
	srv := streamServer(t, cursors)
	defer srv.Close()

	proc := &recordingProcessor{}
	st := store.NewMemStore()
	sc := &StreamConsumer{
		Host:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Engine:  proc,
		Cursors: st,
	}

	require.NoError(t, sc.RunOnce(ctx))
	assert.Equal("", <-cursors)

	require.Len(t, proc.items, 2)
	created := proc.items[0]
	assert.Equal(syntax.CollectionTestimony.String(), created.Collection)
	assert.Equal("did:plc:alice", created.Owner)
	assert.Equal("t1", created.RKey)
	assert.Equal(time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC), created.CreatedAt)
	assert.False(created.Deleted)

	deleted := proc.items[1]
	assert.True(deleted.Deleted)
	assert.Nil(deleted.Payload)
	assert.Equal(time.UnixMicro(1722517200000000).UTC(), deleted.CreatedAt)

	require.NoError(t, sc.PersistCursor(ctx))
	seq, err := st.GetCursor(ctx, DefaultCursorName)
	require.NoError(t, err)
	assert.Equal(int64(13), seq)

	// a fresh consumer resumes from the persisted cursor
	resumed := &StreamConsumer{
		Host:    sc.Host,
		Engine:  proc,
		Cursors: st,
	}
	require.NoError(t, resumed.RunOnce(ctx))
	assert.Equal("13", <-cursors)
}

func TestHandleEventIntoEngine(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	e := engine.EngineTestFixture(engine.NewTestClock(time.Date(2024, 8, 2, 0, 0, 0, 0, time.UTC)))
	sc := &StreamConsumer{Engine: e}
	evt := &Event{
		Seq:  1,
		DID:  "did:plc:alice",
		Kind: "commit",
		Commit: &Commit{
			Operation:  "create",
			Collection: syntax.CollectionTestimony.String(),
			RKey:       "t1",
			Record:     []byte(`{"subject": {"did": "did:plc:bob"}, "position": "positive", "content": "helpful", "standingBasis": "community-member", "createdAt": "2024-08-01T10:00:00Z"}`),
		},
	}
	require.NoError(t, sc.HandleEvent(ctx, evt))

	view, err := e.GetStanding(ctx, engine.StandingQuery{Subject: "did:plc:bob"})
	require.NoError(t, err)
	assert.Equal(1, view.TestimonyCount)

	// updates are never applied
	evt.Commit.Operation = "update"
	assert.NoError(sc.HandleEvent(ctx, evt))

	evt.Commit.Operation = "frobnicate"
	assert.Error(sc.HandleEvent(ctx, evt))
}
