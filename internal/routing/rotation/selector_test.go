package rotation

import (
	"context"
	"sync"
	"testing"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/platform/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu     sync.Mutex
	agents []domain.Agent
}

func (s *staticSource) Eligible(context.Context) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Agent, len(s.agents))
	copy(out, s.agents)
	return out, nil
}

func (s *staticSource) set(agents ...domain.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
}

func makeAgents(n int) []domain.Agent {
	out := make([]domain.Agent, n)
	for i := range out {
		out[i] = domain.Agent{ID: uuid.MustParse("00000000-0000-0000-0000-" + pad(i+1)), Role: "vendor", Active: true}
	}
	return out
}

func pad(i int) string {
	s := "000000000000"
	digits := []byte(s)
	for pos := len(digits) - 1; i > 0 && pos >= 0; pos-- {
		digits[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(digits)
}

func TestSelectNextRoundRobinOrder(t *testing.T) {
	agents := makeAgents(3)
	sel := NewSelector("global", &staticSource{agents: agents}, nil, logger.Discard())
	ctx := context.Background()

	var got []uuid.UUID
	for i := 0; i < 7; i++ {
		s, err := sel.SelectNext(ctx)
		require.NoError(t, err)
		got = append(got, s.Agent.ID)
	}
	want := []uuid.UUID{agents[0].ID, agents[1].ID, agents[2].ID, agents[0].ID, agents[1].ID, agents[2].ID, agents[0].ID}
	assert.Equal(t, want, got)
}

func TestSelectNextFairUnderConcurrency(t *testing.T) {
	const k, n = 4, 1003
	agents := makeAgents(k)
	sel := NewSelector("global", &staticSource{agents: agents}, nil, logger.Discard())
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[uuid.UUID]int)
	positions := make(map[int]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := sel.SelectNext(ctx)
			if err != nil {
				t.Errorf("select: %v", err)
				return
			}
			mu.Lock()
			counts[s.Agent.ID]++
			positions[s.Position]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	lo, hi := n/k, (n+k-1)/k
	for _, a := range agents {
		c := counts[a.ID]
		assert.Truef(t, c == lo || c == hi, "agent %s got %d selections, want %d or %d", a.ID, c, lo, hi)
	}
	status, err := sel.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, n%k, status.Cursor)
}

func TestSelectNextSkipsExcludedUnlessAlone(t *testing.T) {
	agents := makeAgents(2)
	src := &staticSource{agents: agents}
	sel := NewSelector("global", src, nil, logger.Discard())
	ctx := context.Background()

	s, err := sel.SelectNext(ctx, agents[0].ID)
	require.NoError(t, err)
	assert.Equal(t, agents[1].ID, s.Agent.ID)

	src.set(agents[0])
	s, err = sel.SelectNext(ctx, agents[0].ID)
	require.NoError(t, err)
	assert.Equal(t, agents[0].ID, s.Agent.ID, "sole eligible agent must be re-offered")
}

func TestSelectNextEmptyPool(t *testing.T) {
	sel := NewSelector("global", &staticSource{}, nil, logger.Discard())
	_, err := sel.SelectNext(context.Background())
	assert.ErrorIs(t, err, ErrNoEligibleAgent)
}

func TestRosterChangeRecomputedEveryCall(t *testing.T) {
	agents := makeAgents(3)
	src := &staticSource{agents: agents}
	sel := NewSelector("global", src, nil, logger.Discard())
	ctx := context.Background()

	_, _ = sel.SelectNext(ctx)
	_, _ = sel.SelectNext(ctx)
	src.set(agents[0], agents[2])

	s, err := sel.SelectNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, agents[0].ID, s.Agent.ID, "cursor 2 mod 2 wraps to the first agent")
	assert.Equal(t, 2, s.PoolSize)
}

func TestStatusAndResetDoNotSkip(t *testing.T) {
	agents := makeAgents(3)
	sel := NewSelector("global", &staticSource{agents: agents}, nil, logger.Discard())
	ctx := context.Background()

	_, _ = sel.SelectNext(ctx)
	status, err := sel.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.PoolSize)
	assert.Equal(t, 1, status.Cursor)
	require.NotNil(t, status.NextAgent)
	assert.Equal(t, agents[1].ID, *status.NextAgent)

	again, _ := sel.Status(ctx)
	assert.Equal(t, status, again, "status must not mutate the cursor")

	sel.Reset(ctx)
	s, err := sel.SelectNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, agents[0].ID, s.Agent.ID)
}

func TestRedisCursorStorePersistsAcrossSelectors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisCursorStore(client)
	ctx := context.Background()

	agents := makeAgents(3)
	first := NewSelector("east", &staticSource{agents: agents}, store, logger.Discard())
	require.NoError(t, first.Restore(ctx))
	_, _ = first.SelectNext(ctx)
	_, _ = first.SelectNext(ctx)

	second := NewSelector("east", &staticSource{agents: agents}, store, logger.Discard())
	require.NoError(t, second.Restore(ctx))
	s, err := second.SelectNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, agents[2].ID, s.Agent.ID)

	second.Reset(ctx)
	cursor, err := store.Load(ctx, "east")
	require.NoError(t, err)
	assert.Equal(t, 0, cursor)

	other, err := store.Load(ctx, "west")
	require.NoError(t, err)
	assert.Equal(t, 0, other)
}
