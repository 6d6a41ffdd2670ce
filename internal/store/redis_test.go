package store

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func newTestRedisStateStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client, "flowpipe:test:"), mr
}

func TestRedisStateStore(t *testing.T) {
	s, _ := newTestRedisStateStore(t)
	runStateStoreTests(t, s)
}

func TestRedisStateStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStateStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateFlowState(ctx, models.FlowState{TrackedFlowID: "a", UserID: "u1", FlowName: "survey", FlowSection: 1, FlowStep: 1}))
	require.True(t, mr.Exists("flowpipe:test:flowstate:a"))
	ptr, err := mr.Get("flowpipe:test:flowstate:user:u1")
	require.NoError(t, err)
	require.Equal(t, "a", ptr)

	require.NoError(t, s.CreateFlowState(ctx, models.FlowState{TrackedFlowID: "b", UserID: "u1", FlowName: "survey", FlowSection: 1, FlowStep: 1}))
	require.False(t, mr.Exists("flowpipe:test:flowstate:a"), "replaced state must be removed")

	require.NoError(t, s.DeleteFlowState(ctx, "b"))
	require.False(t, mr.Exists("flowpipe:test:flowstate:user:u1"), "pointer must be removed with its state")
}

func TestRedisStateStore_ConcurrentCreateLeavesOneState(t *testing.T) {
	s, mr := newTestRedisStateStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"x1", "x2", "x3", "x4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.CreateFlowState(ctx, models.FlowState{TrackedFlowID: id, UserID: "u-race", FlowName: "survey", FlowSection: 1, FlowStep: 1})
		}(id)
	}
	wg.Wait()

	got, err := s.GetFlowState(ctx, "u-race")
	require.NoError(t, err)
	require.NotNil(t, got)

	states := 0
	for _, key := range mr.Keys() {
		if key == "flowpipe:test:flowstate:x1" || key == "flowpipe:test:flowstate:x2" ||
			key == "flowpipe:test:flowstate:x3" || key == "flowpipe:test:flowstate:x4" {
			states++
		}
	}
	require.Equal(t, 1, states)
}
