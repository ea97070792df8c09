// Subscribes to a JSON record event stream over websocket and feeds record operations to the engine.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/syntax"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const DefaultCursorName = "stream/seq"

// Subset of the engine driven by the consumer.
type Processor interface {
	ProcessItem(ctx context.Context, item *engine.Item) (engine.Outcome, error)
}

type CursorStore interface {
	GetCursor(ctx context.Context, name string) (int64, error)
	SetCursor(ctx context.Context, name string, seq int64) error
}

// One stream message. Only commit messages carry record operations.
type Event struct {
	Seq    int64   `json:"seq"`
	DID    string  `json:"did"`
	TimeUS int64   `json:"time_us"`
	Kind   string  `json:"kind"`
	Commit *Commit `json:"commit,omitempty"`
}

type Commit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

type StreamConsumer struct {
	Host        string
	Logger      *slog.Logger
	Engine      Processor
	Cursors     CursorStore
	CursorName  string
	// collections to process; defaults to every collection the engine knows
	Collections []string
	// paces reconnect attempts
	Limiter *rate.Limiter

	// most recent sequence number handled. Use atomics.
	lastSeq int64
}

func (sc *StreamConsumer) cursorName() string {
	if sc.CursorName == "" {
		return DefaultCursorName
	}
	return sc.CursorName
}

func (sc *StreamConsumer) logger() *slog.Logger {
	if sc.Logger == nil {
		return slog.Default()
	}
	return sc.Logger
}

// Consumes the stream until ctx is done, reconnecting (rate limited) whenever the connection drops.
func (sc *StreamConsumer) Run(ctx context.Context) error {
	if sc.Engine == nil {
		return fmt.Errorf("nil engine")
	}
	limiter := sc.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(5*time.Second), 1)
	}
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		err := sc.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			sc.logger().Warn("event stream disconnected, reconnecting", "upstream", sc.Host, "err", err)
		} else {
			sc.logger().Info("event stream closed by upstream, reconnecting", "upstream", sc.Host)
		}
	}
}

func (sc *StreamConsumer) subscribeURL(cursor int64) (string, error) {
	u, err := url.Parse(sc.Host)
	if err != nil {
		return "", fmt.Errorf("invalid Host URI: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/subscribe"
	q := u.Query()
	for _, c := range sc.collections() {
		q.Add("wantedCollections", c)
	}
	if cursor != 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (sc *StreamConsumer) collections() []string {
	if len(sc.Collections) > 0 {
		return sc.Collections
	}
	out := make([]string, 0, len(syntax.KnownCollections))
	for _, c := range syntax.KnownCollections {
		out = append(out, c.String())
	}
	return out
}

// Connects once, resuming from the persisted cursor, and handles messages until the connection ends. A normal close returns nil.
func (sc *StreamConsumer) RunOnce(ctx context.Context) error {
	cur := atomic.LoadInt64(&sc.lastSeq)
	if cur == 0 {
		var err error
		if cur, err = sc.ReadLastCursor(ctx); err != nil {
			return err
		}
	}
	u, err := sc.subscribeURL(cur)
	if err != nil {
		return err
	}
	sc.logger().Info("subscribing to record event stream", "upstream", sc.Host, "cursor", cur)
	con, _, err := websocket.DefaultDialer.DialContext(ctx, u, http.Header{
		"User-Agent": []string{fmt.Sprintf("quorum/%s", versioninfo.Short())},
	})
	if err != nil {
		return fmt.Errorf("subscribing to event stream failed (dialing): %w", err)
	}
	defer func() { _ = con.Close() }()

	// unblock the read loop on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = con.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := con.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			sc.logger().Error("undecodable stream message", "err", err)
			continue
		}
		if err := sc.HandleEvent(ctx, &evt); err != nil {
			sc.logger().Error("failed to handle stream event", "seq", evt.Seq, "err", err)
		}
		if evt.Seq > 0 {
			atomic.StoreInt64(&sc.lastSeq, evt.Seq)
		}
	}
}

// Converts a commit event into an engine item and processes it. Non-commit events and unknown collections are skipped.
func (sc *StreamConsumer) HandleEvent(ctx context.Context, evt *Event) error {
	if evt.Kind != "commit" || evt.Commit == nil {
		return nil
	}
	c := evt.Commit
	if !syntax.Collection(c.Collection).Known() {
		return nil
	}
	logger := sc.logger().With("seq", evt.Seq, "did", evt.DID, "collection", c.Collection, "rkey", c.RKey)

	item := &engine.Item{
		Collection: c.Collection,
		Owner:      evt.DID,
		RKey:       c.RKey,
		CID:        c.CID,
		Payload:    c.Record,
		CreatedAt:  eventTime(evt),
	}
	switch c.Operation {
	case "create":
		if at, ok := recordCreatedAt(c.Record); ok {
			item.CreatedAt = at
		}
	case "update":
		// records are append-only; an update is a new version which the store refuses
		logger.Warn("ignoring record update")
		return nil
	case "delete":
		item.Deleted = true
		item.Payload = nil
	default:
		return fmt.Errorf("unknown commit operation: %q", c.Operation)
	}

	outcome, err := sc.Engine.ProcessItem(ctx, item)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("record not applied", "outcome", outcome, "err", err)
		return nil
	}
	logger.Debug("processed record", "outcome", outcome)
	return err
}

func eventTime(evt *Event) time.Time {
	if evt.TimeUS > 0 {
		return time.UnixMicro(evt.TimeUS).UTC()
	}
	return time.Now().UTC()
}

// Records carry their logical creation time in a "createdAt" field.
func recordCreatedAt(raw json.RawMessage) (time.Time, bool) {
	var rec struct {
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil || rec.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := syntax.ParseDatetime(rec.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (sc *StreamConsumer) ReadLastCursor(ctx context.Context) (int64, error) {
	if sc.Cursors == nil {
		sc.logger().Info("cursor store not configured, skipping cursor read")
		return 0, nil
	}
	seq, err := sc.Cursors.GetCursor(ctx, sc.cursorName())
	if err != nil {
		return 0, err
	}
	if seq == 0 {
		sc.logger().Info("no pre-existing stream cursor")
	} else {
		sc.logger().Info("found prior subscription cursor", "seq", seq)
	}
	return seq, nil
}

func (sc *StreamConsumer) PersistCursor(ctx context.Context) error {
	if sc.Cursors == nil {
		return nil
	}
	lastSeq := atomic.LoadInt64(&sc.lastSeq)
	if lastSeq <= 0 {
		return nil
	}
	return sc.Cursors.SetCursor(ctx, sc.cursorName(), lastSeq)
}

// Persists the cursor every 5 seconds, and once more on shutdown.
func (sc *StreamConsumer) RunPersistCursor(ctx context.Context) error {
	if sc.Cursors == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			lastSeq := atomic.LoadInt64(&sc.lastSeq)
			if lastSeq >= 1 {
				sc.logger().Info("persisting final cursor seq value", "seq", lastSeq)
				// the parent context is already cancelled
				if err := sc.PersistCursor(context.Background()); err != nil {
					sc.logger().Error("failed to persist cursor", "err", err, "seq", lastSeq)
				}
			}
			return nil
		case <-ticker.C:
			if err := sc.PersistCursor(ctx); err != nil {
				sc.logger().Error("failed to persist cursor", "err", err, "seq", atomic.LoadInt64(&sc.lastSeq))
			}
		}
	}
}
