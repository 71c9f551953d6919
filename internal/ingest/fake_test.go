package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"leadhub/internal/evolution"
	"leadhub/internal/facebook"
	"leadhub/internal/repo"
)

type memStore struct {
	mu           sync.Mutex
	forms        map[string]repo.FormWebhook
	integrations map[string]repo.FacebookIntegration
	leads        []repo.Lead
	messages     map[string]repo.Message
	instances    map[string]repo.Instance
	logs         map[repo.LogTable][]repo.WebhookLog
}

func newMemStore() *memStore {
	return &memStore{
		forms:        map[string]repo.FormWebhook{},
		integrations: map[string]repo.FacebookIntegration{},
		messages:     map[string]repo.Message{},
		instances:    map[string]repo.Instance{},
		logs:         map[repo.LogTable][]repo.WebhookLog{},
	}
}

func (m *memStore) GetFormWebhook(_ context.Context, token string) (*repo.FormWebhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fw, ok := m.forms[token]
	if !ok {
		return nil, fmt.Errorf("get form webhook: %w", repo.ErrNotFound)
	}
	return &fw, nil
}

func (m *memStore) GetFacebookIntegrationByPage(_ context.Context, pageID string) (*repo.FacebookIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fi, ok := m.integrations[pageID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &fi, nil
}

func (m *memStore) InsertLead(_ context.Context, lead repo.Lead) (*repo.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(lead), nil
}

func (m *memStore) insertLocked(lead repo.Lead) *repo.Lead {
	lead.ID = uuid.NewString()
	lead.UpdatedAt = lead.CreatedAt
	m.leads = append(m.leads, lead)
	out := lead
	return &out
}

func (m *memStore) UpsertLeadByPhone(_ context.Context, lead repo.Lead) (*repo.Lead, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.leads {
		if l.OrganizationID == lead.OrganizationID && l.Phone == lead.Phone {
			if l.Name == "" {
				m.leads[i].Name = lead.Name
			}
			out := m.leads[i]
			return &out, false, nil
		}
	}
	return m.insertLocked(lead), true, nil
}

func (m *memStore) GetLeadByID(_ context.Context, id string) (*repo.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.ID == id {
			out := l
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memStore) GetLeadByExternalID(_ context.Context, orgID, externalID string) (*repo.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.OrganizationID == orgID && l.ExternalID != nil && *l.ExternalID == externalID {
			out := l
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memStore) InsertMessage(_ context.Context, msg repo.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ExternalID]; ok {
		return false, nil
	}
	m.messages[msg.ExternalID] = msg
	return true, nil
}

func (m *memStore) UpdateMessageStatus(_ context.Context, externalID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[externalID]
	if !ok {
		return false, nil
	}
	msg.Status = status
	m.messages[externalID] = msg
	return true, nil
}

func (m *memStore) GetInstanceByName(_ context.Context, name string) (*repo.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &inst, nil
}

func (m *memStore) UpdateInstance(_ context.Context, inst repo.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.InstanceName]; !ok {
		return repo.ErrNotFound
	}
	m.instances[inst.InstanceName] = inst
	return nil
}

func (m *memStore) InsertWebhookLog(_ context.Context, table repo.LogTable, entry repo.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[table] = append(m.logs[table], entry)
	return nil
}

func (m *memStore) leadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leads)
}

func (m *memStore) logsFor(table repo.LogTable) []repo.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repo.WebhookLog(nil), m.logs[table]...)
}

func (m *memStore) instance(name string) repo.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[name]
}

type fakeBridge struct {
	mu        sync.Mutex
	contacts  []evolution.Contact
	err       error
	loggedOut []string
}

func (b *fakeBridge) FindContacts(context.Context, string) ([]evolution.Contact, error) {
	return b.contacts, b.err
}

func (b *fakeBridge) Logout(_ context.Context, instance string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loggedOut = append(b.loggedOut, instance)
	return nil
}

type fakeGraph struct {
	leads map[string]*facebook.Lead
	err   error
	calls int
}

func (g *fakeGraph) GetLead(_ context.Context, id, _ string) (*facebook.Lead, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	l, ok := g.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %s missing", id)
	}
	return l, nil
}

type fakeEnqueuer struct {
	types []string
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, webhookType string, _ any) (*repo.QueueItem, error) {
	e.types = append(e.types, webhookType)
	return &repo.QueueItem{ID: uuid.NewString(), WebhookType: webhookType, Status: repo.QueuePending}, nil
}

type fakeAssigner struct {
	mu    sync.Mutex
	leads []string
}

func (a *fakeAssigner) Assign(_ context.Context, lead repo.Lead, _ string) (*repo.DistributionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leads = append(a.leads, lead.ID)
	return nil, nil
}
