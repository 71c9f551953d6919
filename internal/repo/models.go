package repo

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Lead stages and sources written by ingestion.
const (
	StageNew  = "NOVO"
	StageWon  = "GANHO"
	StageLost = "PERDIDO"

	SourceWebhook  = "Webhook"
	SourceWhatsApp = "WhatsApp"
	SourceFacebook = "Facebook"
)

// Lead represents the leads table row.
type Lead struct {
	ID                string
	OrganizationID    string
	Name              string
	Phone             string
	Email             *string
	Stage             string
	Source            string
	ResponsibleUserID *string
	ExternalID        *string
	AvatarURL         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message directions and delivery states.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	MessagePending   = "PENDING"
	MessageSent      = "SENT"
	MessageDelivered = "DELIVERED"
	MessageRead      = "READ"
	MessageFailed    = "FAILED"
)

// Message represents a WhatsApp message row keyed by the bridge message id.
type Message struct {
	ID             string
	OrganizationID string
	LeadID         string
	InstanceName   string
	ExternalID     string
	Direction      string
	Body           string
	Status         string
	CreatedAt      time.Time
}

// InstanceStatus is the connection state of a WhatsApp line.
type InstanceStatus string

const (
	InstanceWaitingQR    InstanceStatus = "WAITING_QR"
	InstanceConnecting   InstanceStatus = "CONNECTING"
	InstanceConnected    InstanceStatus = "CONNECTED"
	InstanceDisconnected InstanceStatus = "DISCONNECTED"
)

// Instance represents the whatsapp_instances table row.
type Instance struct {
	ID             string
	OrganizationID string
	InstanceName   string
	Status         InstanceStatus
	PhoneNumber    *string
	QRCode         *string
	ConnectedAt    *time.Time
	UpdatedAt      time.Time
}

// Queue row states.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// StaleClaimMessage is stored on rows recovered from an abandoned claim.
const StaleClaimMessage = "claim expired before completion"

// QueueItem represents a webhook_queue row.
type QueueItem struct {
	ID           string
	WebhookType  string
	Payload      json.RawMessage
	Status       string
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ErrorMessage *string
}

// LogTable names one of the per-integration webhook audit tables.
type LogTable string

const (
	LogForm     LogTable = "form_webhook_logs"
	LogWhatsApp LogTable = "whatsapp_webhook_logs"
	LogFacebook LogTable = "facebook_webhook_logs"
)

// LogTables lists every webhook audit table.
var LogTables = []LogTable{LogForm, LogWhatsApp, LogFacebook}

// Webhook log outcomes.
const (
	LogSuccess = "success"
	LogError   = "error"
)

// WebhookLog is one audit row for an inbound webhook.
type WebhookLog struct {
	OrganizationID *string
	Status         string
	Event          string
	Payload        json.RawMessage
	ErrorMessage   *string
	LeadID         *string
	CreatedAt      time.Time
}

// FormWebhook maps a public token to an organization.
type FormWebhook struct {
	Token          string
	OrganizationID string
	IsActive       bool
}

// FacebookIntegration binds a Facebook page to an organization.
type FacebookIntegration struct {
	OrganizationID  string
	PageID          string
	PageAccessToken string
}

// Distribution methods.
const (
	MethodRoundRobin = "round_robin"
	MethodWeighted   = "weighted"
	MethodLoadBased  = "load_based"
	MethodRandom     = "random"
)

// DistributionMember is a user eligible to receive leads.
type DistributionMember struct {
	UserID string
	Weight int
}

// DistributionRule configures how an organization routes new leads.
type DistributionRule struct {
	OrganizationID string
	Method         string
	Enabled        bool
	Members        []DistributionMember
}

// DistributionRecord is an append-only routing decision.
type DistributionRecord struct {
	ID             string
	OrganizationID string
	LeadID         string
	UserID         string
	Method         string
	TriggerSource  string
	CreatedAt      time.Time
}

// CardAssignment links a kanban card to a user.
type CardAssignment struct {
	CardID string
	UserID string
}

// CardDetail is a card joined with its column and board.
type CardDetail struct {
	CardID              string
	Title               string
	DueDate             *time.Time
	ColumnID            string
	ColumnTitle         string
	ColumnPosition      int
	BoardID             string
	BoardOrganizationID string
}
