// Package tasks aggregates a member's kanban cards for the dashboard.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"leadhub/internal/apperr"
	"leadhub/internal/cache"
	"leadhub/internal/repo"
)

// CacheTTL is how long an aggregate is served without revalidation.
const CacheTTL = 30 * time.Second

// Task is one assigned card.
type Task struct {
	CardID    string     `json:"card_id"`
	Title     string     `json:"title"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	IsOverdue bool       `json:"is_overdue"`
	BoardID   string     `json:"board_id"`
}

// ColumnGroup holds the tasks sitting in one kanban column.
type ColumnGroup struct {
	ColumnID    string `json:"column_id"`
	ColumnTitle string `json:"column_title"`
	Position    int    `json:"position"`
	Count       int    `json:"count"`
	Tasks       []Task `json:"tasks"`
}

// Stats is the per-member aggregate.
type Stats struct {
	Total        int           `json:"total"`
	OverdueCount int           `json:"overdue_count"`
	ByColumn     []ColumnGroup `json:"by_column"`
}

// Aggregator computes Stats from the kanban tables behind an SWR cache.
type Aggregator struct {
	store  repo.TaskStore
	cache  *cache.SWR[Stats]
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithLocation sets the zone whose midnight starts "today". Defaults to time.Local.
func WithLocation(loc *time.Location) Option { return func(a *Aggregator) { a.loc = loc } }

// NewAggregator wires the store and cache. c may be nil to disable caching.
func NewAggregator(store repo.TaskStore, c *cache.SWR[Stats], logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		cache:  c,
		now:    time.Now,
		loc:    time.Local,
		logger: logger.With("component", "tasks"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// MemberTasks returns the cards assigned to userID on boards of organizationID.
func (a *Aggregator) MemberTasks(ctx context.Context, userID, organizationID string) (Stats, error) {
	const op = "member tasks"
	if err := validation.Validate(userID, validation.Required); err != nil {
		return Stats{}, apperr.Validation(op, "user id: "+err.Error())
	}
	if err := validation.Validate(organizationID, validation.Required); err != nil {
		return Stats{}, apperr.Validation(op, "organization_id: "+err.Error())
	}

	load := func(ctx context.Context) (Stats, error) {
		return a.compute(ctx, userID, organizationID)
	}
	if a.cache == nil {
		return load(ctx)
	}
	return a.cache.Get(ctx, cacheKey(userID, organizationID), load)
}

// Invalidate drops the cached aggregate for userID in organizationID.
func (a *Aggregator) Invalidate(ctx context.Context, userID, organizationID string) error {
	if a.cache == nil {
		return nil
	}
	if err := a.cache.Invalidate(ctx, cacheKey(userID, organizationID)); err != nil {
		return apperr.Wrap(apperr.KindInternal, "invalidate member tasks", err)
	}
	return nil
}

func (a *Aggregator) compute(ctx context.Context, userID, organizationID string) (Stats, error) {
	assignments, err := a.store.ListCardAssignments(ctx, userID)
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.KindInternal, "load assignments", err)
	}
	ids := make([]string, 0, len(assignments))
	for _, as := range assignments {
		ids = append(ids, as.CardID)
	}

	cards, err := a.store.ListCardDetails(ctx, ids)
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.KindInternal, "load cards", err)
	}

	stats := Aggregate(cards, organizationID, a.today())
	a.logger.Debug("member tasks computed", "user_id", userID, "organization_id", organizationID, "total", stats.Total)
	return stats, nil
}

func (a *Aggregator) today() time.Time {
	n := a.now().In(a.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, a.loc)
}

// Aggregate filters cards to organizationID and groups them by column. A card
// is overdue when its due date falls before today; cards without one never are.
func Aggregate(cards []repo.CardDetail, organizationID string, today time.Time) Stats {
	groups := make(map[string]*ColumnGroup)
	stats := Stats{ByColumn: []ColumnGroup{}}

	for _, c := range cards {
		if c.BoardOrganizationID != organizationID {
			continue
		}
		t := Task{CardID: c.CardID, Title: c.Title, DueDate: c.DueDate, BoardID: c.BoardID}
		if c.DueDate != nil {
			due := time.Date(c.DueDate.Year(), c.DueDate.Month(), c.DueDate.Day(), 0, 0, 0, 0, today.Location())
			t.IsOverdue = due.Before(today)
		}

		g, ok := groups[c.ColumnID]
		if !ok {
			g = &ColumnGroup{ColumnID: c.ColumnID, ColumnTitle: c.ColumnTitle, Position: c.ColumnPosition}
			groups[c.ColumnID] = g
		}
		g.Tasks = append(g.Tasks, t)
		g.Count++
		stats.Total++
		if t.IsOverdue {
			stats.OverdueCount++
		}
	}

	for _, g := range groups {
		sort.SliceStable(g.Tasks, func(i, j int) bool {
			if g.Tasks[i].Title != g.Tasks[j].Title {
				return g.Tasks[i].Title < g.Tasks[j].Title
			}
			return g.Tasks[i].CardID < g.Tasks[j].CardID
		})
		stats.ByColumn = append(stats.ByColumn, *g)
	}
	sort.Slice(stats.ByColumn, func(i, j int) bool {
		a, b := stats.ByColumn[i], stats.ByColumn[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.ColumnTitle != b.ColumnTitle {
			return a.ColumnTitle < b.ColumnTitle
		}
		return a.ColumnID < b.ColumnID
	})
	return stats
}

func cacheKey(userID, organizationID string) string {
	return fmt.Sprintf("%s:%s", userID, organizationID)
}
