package environment

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbenjam1n/autoforge/internal/hub"
	"github.com/sbenjam1n/autoforge/internal/testutil"
)

func TestNewSnapshot(t *testing.T) {
	s := NewSnapshot(time.Unix(0, 0), []Entity{
		{EntityID: "light.b"},
		{EntityID: "light.a", Domain: "light"},
		{EntityID: "binary_sensor.m"},
	})
	require.Len(t, s.Entities, 3)
	assert.Equal(t, "binary_sensor.m", s.Entities[0].EntityID)
	assert.Equal(t, "binary_sensor", s.Entities[0].Domain)

	e, ok := s.Lookup("light.b")
	require.True(t, ok)
	assert.Equal(t, "light", e.Domain)
	_, ok = s.Lookup("light.z")
	assert.False(t, ok)

	lights := s.Filter(func(e Entity) bool { return e.Domain == "light" })
	assert.Len(t, lights, 2)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")
	doc := `
entities:
  - entity_id: binary_sensor.living_room_motion
    device_class: motion
    area_id: living_room
    last_changed: 2026-01-02T10:00:00Z
  - entity_id: light.living_room
    area_id: living_room
    capabilities: [brightness]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	fixed := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s, err := FileSource{Path: path, Now: func() time.Time { return fixed }}.Snapshot(context.Background(), Turn{})
	require.NoError(t, err)
	assert.Equal(t, fixed, s.TakenAt)
	require.Len(t, s.Entities, 2)

	m, ok := s.Lookup("binary_sensor.living_room_motion")
	require.True(t, ok)
	assert.Equal(t, "binary_sensor", m.Domain)
	assert.Equal(t, "motion", m.DeviceClass)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), m.LastChanged)

	l, _ := s.Lookup("light.living_room")
	assert.True(t, l.HasCapability("brightness"))
}

type fakeHub struct {
	states []hub.State
	areas  map[string]string
}

func (f fakeHub) States(context.Context) ([]hub.State, error) { return f.states, nil }

func (f fakeHub) EntityAreas(context.Context) (map[string]string, error) { return f.areas, nil }

func TestHubSource(t *testing.T) {
	changed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	src := HubSource{Hub: fakeHub{
		states: []hub.State{
			{EntityID: "light.kitchen", State: "on", LastChanged: changed, Attributes: map[string]any{
				"friendly_name":         "Kitchen",
				"supported_color_modes": []any{"color_temp"},
			}},
			{EntityID: "binary_sensor.kitchen_motion", State: "off", Attributes: map[string]any{"device_class": "motion"}},
		},
		areas: map[string]string{"light.kitchen": "kitchen", "binary_sensor.kitchen_motion": "kitchen"},
	}}

	s, err := src.Snapshot(context.Background(), Turn{})
	require.NoError(t, err)

	l, ok := s.Lookup("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, "kitchen", l.AreaID)
	assert.Equal(t, "Kitchen", l.Name)
	assert.Equal(t, changed, l.LastChanged)
	assert.True(t, l.HasCapability("brightness"))

	m, _ := s.Lookup("binary_sensor.kitchen_motion")
	assert.Equal(t, "motion", m.DeviceClass)
}

type countingSource struct{ calls atomic.Int32 }

func (c *countingSource) Snapshot(context.Context, Turn) (*Snapshot, error) {
	c.calls.Add(1)
	return NewSnapshot(time.Now(), []Entity{{EntityID: "light.a"}}), nil
}

func TestCachedMemory(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &MemoryStore{Now: func() time.Time { return now }}
	src := &countingSource{}
	c := &Cached{Source: src, Store: store, TTL: 5 * time.Second}
	ctx := context.Background()

	turn := Turn{ConversationID: "c1", TurnID: "t1"}
	_, err := c.Snapshot(ctx, turn)
	require.NoError(t, err)
	_, err = c.Snapshot(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "same turn within TTL is served from cache")

	_, err = c.Snapshot(ctx, Turn{ConversationID: "c1", TurnID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load(), "a new turn never reuses a snapshot")

	now = now.Add(6 * time.Second)
	_, err = c.Snapshot(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load(), "expired entries are refetched")

	_, err = c.Snapshot(ctx, Turn{ConversationID: "c1"})
	require.NoError(t, err)
	_, err = c.Snapshot(ctx, Turn{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int32(5), src.calls.Load(), "requests without a turn id bypass the cache")
}

func TestCachedRedis(t *testing.T) {
	addr := testutil.Redis(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	src := &countingSource{}
	c := &Cached{Source: src, Store: RedisStore{Client: client}, TTL: time.Second}
	ctx := context.Background()
	turn := Turn{ConversationID: "c1", TurnID: "t1"}

	first, err := c.Snapshot(ctx, turn)
	require.NoError(t, err)
	second, err := c.Snapshot(ctx, turn)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
	_, ok := second.Lookup("light.a")
	assert.True(t, ok)
	assert.Equal(t, first.Entities[0].EntityID, second.Entities[0].EntityID)

	ttl, err := client.TTL(ctx, cacheKey(turn)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
