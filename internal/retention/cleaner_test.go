package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadhub/internal/logging"
	"leadhub/internal/repo"
	"leadhub/migrations"
)

type fakePurger struct {
	cutoffs []time.Time
	rows    int64
	err     error
}

func (f *fakePurger) PurgeWebhookLogs(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return f.rows, f.err
}

func TestRunOnceUsesSeventyTwoHourCutoff(t *testing.T) {
	p := &fakePurger{rows: 5}
	c := NewCleaner(p, 0, 0, logging.Discard(), nil)
	now := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-72*time.Hour), p.cutoffs[0])
	assert.Equal(t, DefaultInterval, c.interval)
}

func TestRunOnceSurfacesErrors(t *testing.T) {
	p := &fakePurger{err: errors.New("db down")}
	_, err := NewCleaner(p, time.Hour, time.Hour, logging.Discard(), nil).RunOnce(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "retention.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))

	now := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{time.Hour, 71 * time.Hour, 73 * time.Hour, 200 * time.Hour} {
		for _, table := range repo.LogTables {
			require.NoError(t, store.InsertWebhookLog(ctx, table, repo.WebhookLog{
				Status:    repo.LogSuccess,
				Event:     "test",
				CreatedAt: now.Add(-age),
			}))
		}
	}

	c := NewCleaner(store, 0, 0, logging.Discard(), nil)
	c.now = func() time.Time { return now }
	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2*len(repo.LogTables), n)

	n, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	p := &fakePurger{}
	c := NewCleaner(p, 0, time.Hour, logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}
