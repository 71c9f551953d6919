package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadhub/internal/apperr"
	"leadhub/internal/ingest"
	"leadhub/internal/logging"
	"leadhub/internal/repo"
	"leadhub/migrations"
)

func newTestProcessor(store repo.QueueStore, h Handlers) *Processor {
	p := NewProcessor(store, h, Config{}, logging.Discard(), nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return p
}

func formSub(token string) ingest.FormSubmission {
	return ingest.FormSubmission{Token: token, Fields: map[string]string{"nome": "Ana", "telefone": "5511999990000"}}
}

func TestParsePayload(t *testing.T) {
	ctx := context.Background()

	p, err := ParsePayload(ctx, TypeForm, json.RawMessage(`{"token":"abc","fields":{"nome":"Ana"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeForm, p.Type())

	p, err = ParsePayload(ctx, TypeWhatsApp, json.RawMessage(`{"event":"messages.upsert","instance":"sales","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeWhatsApp, p.Type())

	p, err = ParsePayload(ctx, TypeFacebook, json.RawMessage(`{"leadgen_id":"1","page_id":"2"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFacebook, p.Type())

	cases := map[string]struct {
		typ string
		raw string
	}{
		"unknown type":       {"sms", `{}`},
		"malformed json":     {TypeForm, `{"token":`},
		"empty":              {TypeForm, ``},
		"missing token":      {TypeForm, `{"fields":{"nome":"Ana"}}`},
		"unsupported event":  {TypeWhatsApp, `{"event":"presence.update","instance":"x","data":{}}`},
		"missing instance":   {TypeWhatsApp, `{"event":"messages.upsert","data":{}}`},
		"missing leadgen id": {TypeFacebook, `{"page_id":"2"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePayload(ctx, tc.typ, json.RawMessage(tc.raw))
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestEnqueueValidatesPayload(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	p := newTestProcessor(store, &recordingHandlers{})

	item, err := p.Enqueue(ctx, TypeForm, formSub("tok"))
	require.NoError(t, err)
	assert.Equal(t, repo.QueuePending, item.Status)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)

	_, err = p.Enqueue(ctx, "sms", map[string]string{"a": "b"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = p.Enqueue(ctx, TypeForm, json.RawMessage(`{"fields":{}}`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Len(t, store.items, 1)
}

func TestProcessBatchIsFIFO(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{}
	p := newTestProcessor(store, h)

	for _, tok := range []string{"first", "second", "third"} {
		_, err := p.Enqueue(ctx, TypeForm, formSub(tok))
		require.NoError(t, err)
	}

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	require.Len(t, h.forms, 3)
	assert.Equal(t, "first", h.forms[0].Token)
	assert.Equal(t, "second", h.forms[1].Token)
	assert.Equal(t, "third", h.forms[2].Token)
	for _, r := range summary.Results {
		assert.Equal(t, repo.QueueCompleted, r.Status)
		assert.NotNil(t, store.get(r.ID).ProcessedAt)
	}
}

func TestProcessBatchHonoursBatchSize(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	p := newTestProcessor(store, &recordingHandlers{})
	for i := 0; i < DefaultBatchSize+2; i++ {
		_, err := p.Enqueue(ctx, TypeForm, formSub("t"))
		require.NoError(t, err)
	}

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, summary.Processed)

	summary, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
}

func TestProcessBatchRetryCeiling(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{fail: errHandler}
	p := newTestProcessor(store, h)

	item, err := p.Enqueue(ctx, TypeWhatsApp, ingest.WhatsAppEvent{
		Event:    ingest.EventConnectionUpdate,
		Instance: "sales",
		Data:     json.RawMessage(`{"state":"open"}`),
	})
	require.NoError(t, err)

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		summary, err := p.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Processed)
		assert.Equal(t, repo.QueuePending, summary.Results[0].Status)
		assert.Equal(t, attempt, store.get(item.ID).Attempts)
	}

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	assert.Equal(t, repo.QueueFailed, summary.Results[0].Status)

	row := store.get(item.ID)
	assert.Equal(t, repo.QueueFailed, row.Status)
	assert.Equal(t, DefaultMaxAttempts, row.Attempts)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "handler down")

	summary, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, DefaultMaxAttempts, h.callCount())
}

func TestProcessBatchFailsNonRetryableErrors(t *testing.T) {
	ctx := context.Background()
	kinds := []*apperr.Error{
		apperr.Validation("submit form", "missing required fields: telefone"),
		apperr.NotFound("handle messages", "instance not found"),
		apperr.New(apperr.KindForbidden, "submit form", "webhook inactive"),
		apperr.New(apperr.KindConflict, "handle connection", "invalid transition"),
	}
	for _, cause := range kinds {
		t.Run(string(cause.Kind), func(t *testing.T) {
			store := newMemQueue()
			h := &recordingHandlers{fail: cause}
			p := newTestProcessor(store, h)

			item, err := p.Enqueue(ctx, TypeForm, formSub("tok"))
			require.NoError(t, err)

			summary, err := p.ProcessBatch(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, summary.Processed)
			assert.Equal(t, repo.QueueFailed, summary.Results[0].Status)

			row := store.get(item.ID)
			assert.Equal(t, repo.QueueFailed, row.Status)
			assert.Equal(t, 1, row.Attempts)

			summary, err = p.ProcessBatch(ctx)
			require.NoError(t, err)
			assert.Zero(t, summary.Processed)
			assert.Equal(t, 1, h.callCount())
		})
	}
}

func TestProcessBatchRetriesUpstreamErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{fail: apperr.Wrap(apperr.KindUpstream, "get lead", errHandler)}
	p := newTestProcessor(store, h)

	item, err := p.Enqueue(ctx, TypeFacebook, ingest.FacebookLeadgen{LeadgenID: "lg", PageID: "pg"})
	require.NoError(t, err)

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	assert.Equal(t, repo.QueuePending, summary.Results[0].Status)
	assert.Equal(t, repo.QueuePending, store.get(item.ID).Status)
}

func TestProcessBatchRequeuesStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{}
	p := newTestProcessor(store, h)

	stale, err := p.Enqueue(ctx, TypeForm, formSub("stale"))
	require.NoError(t, err)
	recent, err := p.Enqueue(ctx, TypeForm, formSub("recent"))
	require.NoError(t, err)

	now := p.now()
	store.stick(stale.ID, now.Add(-DefaultClaimTimeout-time.Minute))
	store.stick(recent.ID, now)

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	assert.Equal(t, stale.ID, summary.Results[0].ID)
	assert.Equal(t, repo.QueueCompleted, summary.Results[0].Status)

	assert.Equal(t, 2, store.get(stale.ID).Attempts)
	assert.Equal(t, repo.QueueProcessing, store.get(recent.ID).Status)
}

func TestProcessBatchUnknownTypeFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{}
	p := newTestProcessor(store, h)

	bad, err := store.EnqueueWebhook(ctx, repo.QueueItem{
		WebhookType: "sms",
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	garbled, err := store.EnqueueWebhook(ctx, repo.QueueItem{
		WebhookType: TypeForm,
		Payload:     json.RawMessage(`not json`),
		MaxAttempts: 3,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, repo.QueueFailed, store.get(bad.ID).Status)
	assert.Equal(t, 1, store.get(bad.ID).Attempts)
	assert.Equal(t, repo.QueueFailed, store.get(garbled.ID).Status)
	assert.Zero(t, h.callCount())
}

func TestConcurrentRunsDispatchOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemQueue()
	h := &recordingHandlers{}
	a := newTestProcessor(store, h)
	b := newTestProcessor(store, h)

	for i := 0; i < 8; i++ {
		_, err := a.Enqueue(ctx, TypeFacebook, ingest.FacebookLeadgen{LeadgenID: "lg", PageID: "pg"})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i, p := range []*Processor{a, b} {
		wg.Add(1)
		go func(i int, p *Processor) {
			defer wg.Done()
			s, err := p.ProcessBatch(ctx)
			assert.NoError(t, err)
			totals[i] = s.Processed
		}(i, p)
	}
	wg.Wait()

	assert.Equal(t, 8, totals[0]+totals[1])
	assert.Equal(t, 8, h.callCount())
}

func TestProcessBatchWithSQLiteAndIngest(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := repo.NewSQLite(ctx, dbPath, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))

	fw, err := store.CreateFormWebhook(ctx, "11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	svc := ingest.NewService(store, logging.Discard())
	p := newTestProcessor(store, svc)
	svc.SetEnqueuer(p)

	ok, err := p.Enqueue(ctx, TypeForm, formSub(fw.Token))
	require.NoError(t, err)
	missing, err := p.Enqueue(ctx, TypeForm, ingest.FormSubmission{Token: fw.Token, Fields: map[string]string{"email": "a@b.c"}})
	require.NoError(t, err)

	summary, err := p.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)

	byID := map[string]Result{}
	for _, r := range summary.Results {
		byID[r.ID] = r
	}
	assert.Equal(t, repo.QueueCompleted, byID[ok.ID].Status)
	assert.Equal(t, repo.QueueFailed, byID[missing.ID].Status)
	assert.Contains(t, byID[missing.ID].Error, "missing required fields")

	pending, err := store.ListPendingWebhooks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	summary, err = p.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var attempts int
	var status string
	require.NoError(t, db.QueryRow(`SELECT status, attempts FROM webhook_queue WHERE id = ?`, missing.ID).Scan(&status, &attempts))
	assert.Equal(t, repo.QueueFailed, status)
	assert.Equal(t, 1, attempts)

	var errorLogs int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM form_webhook_logs WHERE status = 'error'`).Scan(&errorLogs))
	assert.Equal(t, 1, errorLogs)
}

func TestWorkerStopsOnCancel(t *testing.T) {
	store := newMemQueue()
	h := &recordingHandlers{}
	p := newTestProcessor(store, h)
	_, err := p.Enqueue(context.Background(), TypeForm, formSub("tok"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWorker(p, time.Hour, logging.Discard()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.callCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
