package session

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/marketbot/core/config"
	"github.com/m3rciful/marketbot/core/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := coreconfig.DatabaseConfig{
		Driver:         coreconfig.DriverSQLite,
		Path:           filepath.Join(t.TempDir(), "sessions.db"),
		MaxConnections: 1,
	}
	require.NoError(t, database.RunMigrations(cfg))
	db, err := database.Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTagValid(t *testing.T) {
	for _, tag := range Tags() {
		assert.True(t, tag.Valid(), tag)
	}
	assert.False(t, Tag("checkout").Valid())
	assert.False(t, Tag("").Valid())
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"3", 3, false},
		{" 0 ", 0, false},
		{"listing:2", 2, false},
		{"step_4", 4, false},
		{"search:1", 0, true},
		{"ask_phone", 0, true},
		{"-1", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStep(TagListing, tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrCorrupt, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestSessionHelpers(t *testing.T) {
	now := time.Now()
	s := New("u1", TagRegistration, now, time.Minute)
	assert.Equal(t, 0, s.Step)
	assert.Empty(t, s.Data)
	assert.False(t, s.Expired(now.Add(time.Minute)))
	assert.True(t, s.Expired(now.Add(time.Minute+time.Nanosecond)))

	s.Merge(map[string]string{"name": "An"})
	c := s.Clone()
	c.Data["name"] = "Binh"
	assert.Equal(t, "An", s.Get("name"))
	assert.Equal(t, "registration:0", s.String())
}

// storeContract runs the same behaviour checks against every Store.
func storeContract(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	ttl := 30 * time.Minute

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	s := New("u1", TagListing, clock.Now(), ttl)
	require.NoError(t, store.Create(ctx, s))
	assert.ErrorIs(t, store.Create(ctx, New("u1", TagSearch, clock.Now(), ttl)), ErrExists)

	got, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, TagListing, got.Flow)

	got.Step = 2
	got.Merge(map[string]string{"title": "Xe đạp | cũ_đẹp"})
	got.Touch(clock.Now(), ttl)
	require.NoError(t, store.Put(ctx, got))

	again, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Step)
	assert.Equal(t, "Xe đạp | cũ_đẹp", again.Get("title"))

	// expired sessions read as absent and may be replaced by Create
	clock.Advance(ttl + time.Second)
	got, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, store.Create(ctx, New("u1", TagSearch, clock.Now(), ttl)))

	require.NoError(t, store.Delete(ctx, "u1"))
	require.NoError(t, store.Delete(ctx, "u1"))
	got, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreContract(t *testing.T) {
	clock := newClock()
	storeContract(t, NewMemoryStore(clock.Now), clock)
}

func TestSQLStoreContract(t *testing.T) {
	clock := newClock()
	storeContract(t, NewSQLStore(openSQLite(t), clock.Now), clock)
}

func TestMemoryStoreConcurrentCreateCollapses(t *testing.T) {
	store := NewMemoryStore(nil)
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Create(context.Background(), New("u1", TagSearch, time.Now(), time.Minute)) == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, store.Len())
}

func TestSQLStoreRewritesLegacyStep(t *testing.T) {
	clock := newClock()
	db := openSQLite(t)
	store := NewSQLStore(db, clock.Now)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour).UnixMilli()
	_, err := db.Exec(`INSERT INTO sessions (user_id, flow, step, data, started_at, updated_at, expires_at)
		VALUES ('u1', 'listing', 'listing:3', '{}', 0, 0, ?)`, exp)
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Step)

	var raw string
	require.NoError(t, db.Get(&raw, `SELECT step FROM sessions WHERE user_id = 'u1'`))
	assert.Equal(t, "3", raw)
}

func TestSQLStoreCorruptStep(t *testing.T) {
	clock := newClock()
	db := openSQLite(t)
	store := NewSQLStore(db, clock.Now)

	_, err := db.Exec(`INSERT INTO sessions (user_id, flow, step, data, started_at, updated_at, expires_at)
		VALUES ('u2', 'listing', 'ask_price', '{}', 0, 0, ?)`, clock.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "u2")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSQLStoreKeepsUnknownFlowTag(t *testing.T) {
	clock := newClock()
	store := NewSQLStore(openSQLite(t), clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("u3", Tag("checkout"), clock.Now(), time.Hour)))
	got, err := store.Get(ctx, "u3")
	require.NoError(t, err)
	assert.False(t, got.Flow.Valid())
}
