package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadhub/internal/ingest"
	"leadhub/internal/repo"
)

type memQueue struct {
	mu      sync.Mutex
	items   map[string]*repo.QueueItem
	claimed map[string]time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{items: map[string]*repo.QueueItem{}, claimed: map[string]time.Time{}}
}

func (m *memQueue) EnqueueWebhook(_ context.Context, item repo.QueueItem) (*repo.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = repo.QueuePending
	m.items[item.ID] = &item
	out := item
	return &out, nil
}

func (m *memQueue) ListPendingWebhooks(_ context.Context, limit int) ([]repo.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.QueueItem
	for _, it := range m.items {
		if it.Status == repo.QueuePending && it.Attempts < it.MaxAttempts {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memQueue) ClaimWebhook(_ context.Context, id string, at time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok || it.Status != repo.QueuePending {
		return 0, false, nil
	}
	it.Status = repo.QueueProcessing
	it.Attempts++
	m.claimed[id] = at
	return it.Attempts, true, nil
}

func (m *memQueue) RequeueStaleWebhooks(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if it.Status != repo.QueueProcessing || !m.claimed[id].Before(before) {
			continue
		}
		it.Status = repo.QueuePending
		if it.Attempts >= it.MaxAttempts {
			it.Status = repo.QueueFailed
		}
		msg := repo.StaleClaimMessage
		it.ErrorMessage = &msg
		n++
	}
	return n, nil
}

// stick leaves id in processing as if its worker died mid-dispatch.
func (m *memQueue) stick(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id].Status = repo.QueueProcessing
	m.items[id].Attempts++
	m.claimed[id] = at
}

func (m *memQueue) CompleteWebhook(_ context.Context, id string, at time.Time) error {
	return m.set(id, repo.QueueCompleted, "", &at)
}

func (m *memQueue) ReleaseWebhook(_ context.Context, id, errMsg string) error {
	return m.set(id, repo.QueuePending, errMsg, nil)
}

func (m *memQueue) FailWebhook(_ context.Context, id, errMsg string) error {
	return m.set(id, repo.QueueFailed, errMsg, nil)
}

func (m *memQueue) set(id, status, errMsg string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return repo.ErrNotFound
	}
	it.Status = status
	it.ProcessedAt = at
	if errMsg != "" {
		it.ErrorMessage = &errMsg
	}
	return nil
}

func (m *memQueue) get(id string) repo.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

// recordingHandlers counts dispatches and fails while fail is set.
type recordingHandlers struct {
	mu    sync.Mutex
	calls []string
	forms []ingest.FormSubmission
	fail  error
}

var errHandler = errors.New("handler down")

func (h *recordingHandlers) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	return h.fail
}

func (h *recordingHandlers) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandlers) SubmitForm(_ context.Context, sub ingest.FormSubmission) (*repo.Lead, error) {
	h.mu.Lock()
	h.forms = append(h.forms, sub)
	h.mu.Unlock()
	return &repo.Lead{}, h.record("form")
}

func (h *recordingHandlers) HandleMessages(context.Context, ingest.WhatsAppEvent) (*ingest.MessageResult, error) {
	return &ingest.MessageResult{}, h.record("messages")
}

func (h *recordingHandlers) HandleStatus(context.Context, ingest.WhatsAppEvent) (bool, error) {
	return true, h.record("status")
}

func (h *recordingHandlers) HandleConnection(context.Context, ingest.WhatsAppEvent) (*ingest.Transition, error) {
	return &ingest.Transition{}, h.record("connection")
}

func (h *recordingHandlers) HandleQRCode(context.Context, ingest.WhatsAppEvent) (*ingest.Transition, error) {
	return &ingest.Transition{}, h.record("qrcode")
}

func (h *recordingHandlers) HandleFacebookLead(context.Context, ingest.FacebookLeadgen) (*repo.Lead, bool, error) {
	return &repo.Lead{}, true, h.record("facebook")
}
