package distribution

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadhub/internal/apperr"
	"leadhub/internal/logging"
	"leadhub/internal/repo"
)

const org = "org-1"

type fakeStore struct {
	mu       sync.Mutex
	rule     *repo.DistributionRule
	history  []repo.DistributionRecord
	open     map[string]int
	assigned map[string]string
}

func newFakeStore(method string, members ...repo.DistributionMember) *fakeStore {
	return &fakeStore{
		rule:     &repo.DistributionRule{OrganizationID: org, Method: method, Enabled: true, Members: members},
		open:     map[string]int{},
		assigned: map[string]string{},
	}
}

func (s *fakeStore) GetDistributionRule(_ context.Context, orgID string) (*repo.DistributionRule, error) {
	if s.rule == nil || s.rule.OrganizationID != orgID {
		return nil, repo.ErrNotFound
	}
	r := *s.rule
	return &r, nil
}

func (s *fakeStore) LastDistribution(context.Context, string) (*repo.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil, repo.ErrNotFound
	}
	rec := s.history[len(s.history)-1]
	return &rec, nil
}

func (s *fakeStore) DistributionCounts(context.Context, string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, h := range s.history {
		out[h.UserID]++
	}
	return out, nil
}

func (s *fakeStore) OpenLeadCounts(context.Context, string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for k, v := range s.open {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) InsertDistribution(_ context.Context, rec repo.DistributionRecord) (*repo.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	return &rec, nil
}

func (s *fakeStore) AssignLead(_ context.Context, leadID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned[leadID] = userID
	s.open[userID]++
	return nil
}

func member(id string, weight int) repo.DistributionMember {
	return repo.DistributionMember{UserID: id, Weight: weight}
}

func assignN(t *testing.T, d *Distributor, n int) []string {
	t.Helper()
	var got []string
	for i := 0; i < n; i++ {
		rec, err := d.Assign(context.Background(), repo.Lead{ID: "lead-" + string(rune('a'+i)), OrganizationID: org}, "test")
		require.NoError(t, err)
		require.NotNil(t, rec)
		got = append(got, rec.UserID)
	}
	return got
}

func TestRoundRobinCyclesByUserID(t *testing.T) {
	store := newFakeStore(repo.MethodRoundRobin, member("carol", 1), member("alice", 1), member("bob", 1))
	d := New(store, logging.Discard())

	got := assignN(t, d, 5)
	assert.Equal(t, []string{"alice", "bob", "carol", "alice", "bob"}, got)
	assert.Equal(t, "alice", store.assigned["lead-a"])
	assert.Equal(t, "test", store.history[0].TriggerSource)
}

func TestRoundRobinSurvivesRemovedMember(t *testing.T) {
	store := newFakeStore(repo.MethodRoundRobin, member("alice", 1), member("carol", 1))
	store.history = []repo.DistributionRecord{{UserID: "bob"}}
	d := New(store, logging.Discard())

	assert.Equal(t, []string{"carol", "alice"}, assignN(t, d, 2))
}

func TestWeightedFollowsShares(t *testing.T) {
	store := newFakeStore(repo.MethodWeighted, member("alice", 2), member("bob", 1))
	d := New(store, logging.Discard())

	got := assignN(t, d, 6)
	counts := map[string]int{}
	for _, u := range got {
		counts[u]++
	}
	assert.Equal(t, 4, counts["alice"])
	assert.Equal(t, 2, counts["bob"])
	assert.Equal(t, "alice", got[0])
}

func TestLoadBasedPicksFewestOpenLeads(t *testing.T) {
	store := newFakeStore(repo.MethodLoadBased, member("alice", 1), member("bob", 1), member("carol", 1))
	store.open = map[string]int{"alice": 3, "bob": 1, "carol": 1}
	d := New(store, logging.Discard())

	assert.Equal(t, []string{"bob", "carol"}, assignN(t, d, 2))
}

func TestRandomUsesMembers(t *testing.T) {
	store := newFakeStore(repo.MethodRandom, member("alice", 1), member("bob", 1))
	d := New(store, logging.Discard())
	d.intn = func(n int) int { return n - 1 }

	assert.Equal(t, []string{"bob"}, assignN(t, d, 1))
}

func TestAssignNoOps(t *testing.T) {
	ctx := context.Background()

	d := New(&fakeStore{}, logging.Discard())
	rec, err := d.Assign(ctx, repo.Lead{ID: "l1", OrganizationID: org}, "test")
	require.NoError(t, err)
	assert.Nil(t, rec, "no rule")

	disabled := newFakeStore(repo.MethodRoundRobin, member("alice", 1))
	disabled.rule.Enabled = false
	rec, err = New(disabled, logging.Discard()).Assign(ctx, repo.Lead{ID: "l1", OrganizationID: org}, "test")
	require.NoError(t, err)
	assert.Nil(t, rec, "disabled rule")

	empty := newFakeStore(repo.MethodRoundRobin, member("alice", 0))
	rec, err = New(empty, logging.Discard()).Assign(ctx, repo.Lead{ID: "l1", OrganizationID: org}, "test")
	require.NoError(t, err)
	assert.Nil(t, rec, "no eligible members")

	owned := newFakeStore(repo.MethodRoundRobin, member("alice", 1))
	owner := "bob"
	rec, err = New(owned, logging.Discard()).Assign(ctx, repo.Lead{ID: "l1", OrganizationID: org, ResponsibleUserID: &owner}, "test")
	require.NoError(t, err)
	assert.Nil(t, rec, "already owned")
	assert.Empty(t, owned.assigned)
}

func TestUnknownMethodIsConfigError(t *testing.T) {
	store := newFakeStore("lottery", member("alice", 1))
	_, err := New(store, logging.Discard()).Assign(context.Background(), repo.Lead{ID: "l1", OrganizationID: org}, "test")
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}

func TestRecordsUseInjectedClock(t *testing.T) {
	store := newFakeStore(repo.MethodRoundRobin, member("alice", 1))
	d := New(store, logging.Discard())
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	d.now = func() time.Time { return at }

	rec, err := d.Assign(context.Background(), repo.Lead{ID: "l1", OrganizationID: org}, "whatsapp")
	require.NoError(t, err)
	assert.Equal(t, at, rec.CreatedAt)
	assert.Equal(t, repo.MethodRoundRobin, rec.Method)
}

func TestEligibleSortsMembers(t *testing.T) {
	got := eligible([]repo.DistributionMember{member("b", 1), member("a", 2), member("c", -1)})
	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.UserID)
	}
	assert.True(t, sort.StringsAreSorted(ids))
	assert.Equal(t, []string{"a", "b"}, ids)
}
