package engine

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/cachestore"
	"github.com/moltsocial/quorum/standing"
	"github.com/moltsocial/quorum/store"
)

// Manually advanced clock, for tests and replays.
type TestClock struct {
	lk  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start.UTC()}
}

func (c *TestClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *TestClock) Set(t time.Time) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = t.UTC()
}

func (c *TestClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

// In-memory engine with default policy and methodology, driven by the given clock.
func EngineTestFixture(clock *TestClock) *Engine {
	config := DefaultConfig()
	config.Now = clock.Now
	config.Parallelism = 4
	return NewEngine(
		slog.Default(),
		store.NewMemStore(),
		cachestore.NewMemCacheStore(1000, time.Hour),
		standing.NewRegistry(),
		authority.DefaultPolicy(),
		config,
	)
}

// Loads a JSON lines file of items, panicking on any error.
func MustLoadItems(path string) []*Item {
	f, err := os.Open(path)
	if err != nil {
		panic(err)
	}
	defer func() { _ = f.Close() }()

	items, err := ReadItems(f)
	if err != nil {
		panic(err)
	}
	return items
}
