package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadhub/internal/apperr"
	"leadhub/internal/cache"
	"leadhub/internal/logging"
	"leadhub/internal/repo"
)

const (
	orgA = "org-a"
	orgB = "org-b"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

type fakeTaskStore struct {
	mu    sync.Mutex
	cards []repo.CardDetail
	loads int
}

func (s *fakeTaskStore) ListCardAssignments(_ context.Context, userID string) ([]repo.CardAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	out := make([]repo.CardAssignment, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, repo.CardAssignment{CardID: c.CardID, UserID: userID})
	}
	return out, nil
}

func (s *fakeTaskStore) ListCardDetails(_ context.Context, ids []string) ([]repo.CardDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []repo.CardDetail
	for _, c := range s.cards {
		if want[c.CardID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeTaskStore) setCards(cards []repo.CardDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = cards
}

func (s *fakeTaskStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func sampleCards() []repo.CardDetail {
	return []repo.CardDetail{
		{CardID: "c1", Title: "Call back", DueDate: day(2026, 6, 9), ColumnID: "done", ColumnTitle: "Done", ColumnPosition: 2, BoardID: "b1", BoardOrganizationID: orgA},
		{CardID: "c2", Title: "Send proposal", DueDate: day(2026, 6, 10), ColumnID: "todo", ColumnTitle: "To do", ColumnPosition: 0, BoardID: "b1", BoardOrganizationID: orgA},
		{CardID: "c3", Title: "Book demo", ColumnID: "todo", ColumnTitle: "To do", ColumnPosition: 0, BoardID: "b1", BoardOrganizationID: orgA},
		{CardID: "c4", Title: "Other tenant", DueDate: day(2020, 1, 1), ColumnID: "x", ColumnTitle: "Backlog", ColumnPosition: 0, BoardID: "b2", BoardOrganizationID: orgB},
		{CardID: "c5", Title: "Negotiate", DueDate: day(2026, 6, 1), ColumnID: "doing", ColumnTitle: "Doing", ColumnPosition: 1, BoardID: "b1", BoardOrganizationID: orgA},
	}
}

func TestAggregateFiltersAndGroups(t *testing.T) {
	today := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	stats := Aggregate(sampleCards(), orgA, today)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.OverdueCount, "c1 and c5 are due before today")

	require.Len(t, stats.ByColumn, 3)
	assert.Equal(t, []string{"todo", "doing", "done"}, []string{
		stats.ByColumn[0].ColumnID, stats.ByColumn[1].ColumnID, stats.ByColumn[2].ColumnID,
	})

	todo := stats.ByColumn[0]
	assert.Equal(t, 2, todo.Count)
	assert.Equal(t, "Book demo", todo.Tasks[0].Title)
	assert.False(t, todo.Tasks[0].IsOverdue, "cards without due date are never overdue")
	assert.False(t, todo.Tasks[1].IsOverdue, "due today is not overdue")

	for _, g := range stats.ByColumn {
		for _, task := range g.Tasks {
			assert.NotEqual(t, "c4", task.CardID)
		}
	}
}

func TestAggregateTiesOnPositionUseTitle(t *testing.T) {
	cards := []repo.CardDetail{
		{CardID: "1", ColumnID: "z", ColumnTitle: "Zeta", ColumnPosition: 1, BoardOrganizationID: orgA},
		{CardID: "2", ColumnID: "a", ColumnTitle: "Alpha", ColumnPosition: 1, BoardOrganizationID: orgA},
	}
	stats := Aggregate(cards, orgA, time.Now())
	require.Len(t, stats.ByColumn, 2)
	assert.Equal(t, "Alpha", stats.ByColumn[0].ColumnTitle)
}

func TestAggregateEmpty(t *testing.T) {
	stats := Aggregate(nil, orgA, time.Now())
	assert.Zero(t, stats.Total)
	assert.NotNil(t, stats.ByColumn)
}

func TestTodayUsesLocalMidnight(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	// 01:30 UTC on the 11th is still the 10th in BRT.
	now := time.Date(2026, 6, 11, 1, 30, 0, 0, time.UTC)
	store := &fakeTaskStore{cards: sampleCards()}
	agg := NewAggregator(store, nil, logging.Discard(), WithClock(func() time.Time { return now }), WithLocation(loc))

	stats, err := agg.MemberTasks(context.Background(), "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OverdueCount)
}

func TestMemberTasksValidates(t *testing.T) {
	agg := NewAggregator(&fakeTaskStore{}, nil, logging.Discard())
	_, err := agg.MemberTasks(context.Background(), "u1", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = agg.MemberTasks(context.Background(), "", orgA)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestMemberTasksStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	store := &fakeTaskStore{cards: sampleCards()}
	c := cache.NewSWR[Stats](cache.Options{Name: "member_tasks", TTL: CacheTTL, Now: clock, Logger: logging.Discard()}, cache.NewMemory[Stats]())
	agg := NewAggregator(store, c, logging.Discard(), WithClock(clock), WithLocation(time.UTC))

	first, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Total)
	assert.Equal(t, 1, store.loadCount())

	store.setCards(sampleCards()[:1])
	advance(10 * time.Second)
	cached, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 4, cached.Total, "fresh entries are served from cache")
	assert.Equal(t, 1, store.loadCount())

	advance(CacheTTL)
	stale, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 4, stale.Total, "stale entries are served while refreshing")
	c.Wait()
	assert.Equal(t, 2, store.loadCount())

	refreshed, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.Total)

	other, err := agg.MemberTasks(ctx, "u1", orgB)
	require.NoError(t, err)
	assert.Zero(t, other.Total, "keys are per organization")
}

func TestInvalidateRecomputes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := &fakeTaskStore{cards: sampleCards()}
	c := cache.NewSWR[Stats](cache.Options{Name: "member_tasks", TTL: CacheTTL, Now: clock, Logger: logging.Discard()}, cache.NewMemory[Stats]())
	agg := NewAggregator(store, c, logging.Discard(), WithClock(clock), WithLocation(time.UTC))

	first, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Total)

	store.setCards(sampleCards()[:1])
	require.NoError(t, agg.Invalidate(ctx, "u1", orgA))

	fresh, err := agg.MemberTasks(ctx, "u1", orgA)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Total)
	assert.Equal(t, 2, store.loadCount())
}
