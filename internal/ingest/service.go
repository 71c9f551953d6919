// Package ingest turns inbound webhook payloads into leads and messages.
// The HTTP handlers and the queue processor share these operations.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"leadhub/internal/evolution"
	"leadhub/internal/facebook"
	"leadhub/internal/metrics"
	"leadhub/internal/repo"
)

// Bridge is the subset of the WhatsApp bridge used by ingestion.
type Bridge interface {
	FindContacts(ctx context.Context, instance string) ([]evolution.Contact, error)
	Logout(ctx context.Context, instance string) error
}

// LeadFetcher loads lead ads submissions from the Graph API.
type LeadFetcher interface {
	GetLead(ctx context.Context, leadgenID, accessToken string) (*facebook.Lead, error)
}

// Enqueuer defers a payload to the webhook queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, webhookType string, payload any) (*repo.QueueItem, error)
}

// Assigner routes a newly created lead to a team member.
type Assigner interface {
	Assign(ctx context.Context, lead repo.Lead, triggerSource string) (*repo.DistributionRecord, error)
}

// Service implements webhook ingestion.
type Service struct {
	store    repo.LeadStore
	bridge   Bridge
	graph    LeadFetcher
	enqueuer Enqueuer
	assigner Assigner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	syncs sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithBridge sets the WhatsApp bridge used for contact sync and logout.
func WithBridge(b Bridge) Option { return func(s *Service) { s.bridge = b } }

// WithGraph sets the Graph API client.
func WithGraph(g LeadFetcher) Option { return func(s *Service) { s.graph = g } }

// WithEnqueuer sets where transient failures are deferred.
func WithEnqueuer(e Enqueuer) Option { return func(s *Service) { s.enqueuer = e } }

// WithAssigner enables lead distribution after creation.
func WithAssigner(a Assigner) Option { return func(s *Service) { s.assigner = a } }

// WithMetrics records ingestion counters.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService builds an ingestion service over store.
func NewService(store repo.LeadStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger.With("component", "ingest"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEnqueuer wires the queue after construction; the queue itself depends on the service.
func (s *Service) SetEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// Wait blocks until background contact syncs finish.
func (s *Service) Wait() {
	s.syncs.Wait()
}

// audit writes a webhook log row. Failures are logged, never returned.
func (s *Service) audit(ctx context.Context, table repo.LogTable, entry repo.WebhookLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if err := s.store.InsertWebhookLog(ctx, table, entry); err != nil {
		s.logger.Warn("write webhook log failed", "table", table, "error", err)
	}
}

func (s *Service) auditError(ctx context.Context, table repo.LogTable, orgID *string, event string, payload json.RawMessage, cause error) {
	msg := cause.Error()
	s.audit(ctx, table, repo.WebhookLog{
		OrganizationID: orgID,
		Status:         repo.LogError,
		Event:          event,
		Payload:        payload,
		ErrorMessage:   &msg,
	})
}

func (s *Service) auditSuccess(ctx context.Context, table repo.LogTable, orgID *string, event string, payload json.RawMessage, leadID *string) {
	s.audit(ctx, table, repo.WebhookLog{
		OrganizationID: orgID,
		Status:         repo.LogSuccess,
		Event:          event,
		Payload:        payload,
		LeadID:         leadID,
	})
}

// leadCreated records metrics and runs distribution best-effort.
func (s *Service) leadCreated(ctx context.Context, lead repo.Lead, trigger string) {
	if s.metrics != nil {
		s.metrics.LeadsCreated.WithLabelValues(lead.Source).Inc()
	}
	if s.assigner == nil {
		return
	}
	if _, err := s.assigner.Assign(ctx, lead, trigger); err != nil {
		s.logger.Warn("lead distribution failed", "lead_id", lead.ID, "organization_id", lead.OrganizationID, "error", err)
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
