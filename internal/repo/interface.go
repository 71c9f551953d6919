package repo

import (
	"context"
	"io/fs"
	"time"
)

// QueueStore persists webhook_queue rows.
type QueueStore interface {
	EnqueueWebhook(ctx context.Context, item QueueItem) (*QueueItem, error)
	ListPendingWebhooks(ctx context.Context, limit int) ([]QueueItem, error)
	// ClaimWebhook moves a pending row to processing and bumps attempts in one
	// conditional update. ok is false when another run claimed it first.
	ClaimWebhook(ctx context.Context, id string, at time.Time) (attempts int, ok bool, err error)
	CompleteWebhook(ctx context.Context, id string, at time.Time) error
	ReleaseWebhook(ctx context.Context, id, errMsg string) error
	FailWebhook(ctx context.Context, id, errMsg string) error
	// RequeueStaleWebhooks recovers rows whose claim is older than before.
	RequeueStaleWebhooks(ctx context.Context, before time.Time) (int64, error)
}

// LeadStore persists leads, messages, instances and webhook audit rows.
type LeadStore interface {
	GetFormWebhook(ctx context.Context, token string) (*FormWebhook, error)
	GetFacebookIntegrationByPage(ctx context.Context, pageID string) (*FacebookIntegration, error)

	InsertLead(ctx context.Context, lead Lead) (*Lead, error)
	UpsertLeadByPhone(ctx context.Context, lead Lead) (*Lead, bool, error)
	GetLeadByID(ctx context.Context, id string) (*Lead, error)
	GetLeadByExternalID(ctx context.Context, organizationID, externalID string) (*Lead, error)

	InsertMessage(ctx context.Context, msg Message) (bool, error)
	UpdateMessageStatus(ctx context.Context, externalID, status string) (bool, error)

	GetInstanceByName(ctx context.Context, name string) (*Instance, error)
	UpdateInstance(ctx context.Context, inst Instance) error

	InsertWebhookLog(ctx context.Context, table LogTable, entry WebhookLog) error
}

// DistributionStore persists distribution rules and history.
type DistributionStore interface {
	GetDistributionRule(ctx context.Context, organizationID string) (*DistributionRule, error)
	LastDistribution(ctx context.Context, organizationID string) (*DistributionRecord, error)
	DistributionCounts(ctx context.Context, organizationID string) (map[string]int, error)
	OpenLeadCounts(ctx context.Context, organizationID string) (map[string]int, error)
	InsertDistribution(ctx context.Context, rec DistributionRecord) (*DistributionRecord, error)
	AssignLead(ctx context.Context, leadID, userID string) error
}

// TaskStore reads the kanban model.
type TaskStore interface {
	ListCardAssignments(ctx context.Context, userID string) ([]CardAssignment, error)
	ListCardDetails(ctx context.Context, cardIDs []string) ([]CardDetail, error)
}

// AdminStore provisions tenant integrations.
type AdminStore interface {
	CreateFormWebhook(ctx context.Context, organizationID string) (*FormWebhook, error)
	SetFormWebhookActive(ctx context.Context, token string, active bool) error
	CreateInstance(ctx context.Context, organizationID, instanceName string) (*Instance, error)
	SaveFacebookIntegration(ctx context.Context, fi FacebookIntegration) error
	SetSetting(ctx context.Context, key, value string) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	QueueStore
	LeadStore
	DistributionStore
	TaskStore
	AdminStore

	// Settings and retention
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PurgeWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}
