// Package api exposes the inbound webhooks and the operator endpoints over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"leadhub/internal/apperr"
	"leadhub/internal/ingest"
	"leadhub/internal/metrics"
	"leadhub/internal/presence"
	"leadhub/internal/queue"
	"leadhub/internal/repo"
	"leadhub/internal/tasks"
)

const maxBodyBytes = 1 << 20

// Ingestor is the ingestion service behind the webhooks.
type Ingestor interface {
	SubmitForm(ctx context.Context, sub ingest.FormSubmission) (*repo.Lead, error)
	HandleMessages(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.MessageResult, error)
	HandleStatus(ctx context.Context, ev ingest.WhatsAppEvent) (bool, error)
	HandleConnection(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.Transition, error)
	HandleQRCode(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.Transition, error)
	HandleFacebookWebhook(ctx context.Context, w ingest.FacebookWebhook) *ingest.FacebookResult
	DisconnectInstance(ctx context.Context, name string) (*ingest.Transition, error)
}

// QueueRunner drains the webhook queue on demand.
type QueueRunner interface {
	Enqueue(ctx context.Context, webhookType string, payload any) (*repo.QueueItem, error)
	ProcessBatch(ctx context.Context) (*queue.Summary, error)
}

// PresenceTracker is the presence poller.
type PresenceTracker interface {
	Select(ctx context.Context, lead repo.Lead, instance string)
	Get(leadID string) (presence.Info, bool)
}

// TaskReader serves member task aggregates.
type TaskReader interface {
	MemberTasks(ctx context.Context, userID, organizationID string) (tasks.Stats, error)
	Invalidate(ctx context.Context, userID, organizationID string) error
}

// LeadReader resolves leads for presence selection.
type LeadReader interface {
	GetLeadByID(ctx context.Context, id string) (*repo.Lead, error)
}

// Config holds the shared secrets checked by the handlers.
type Config struct {
	WebhookSharedSecret string
	FacebookVerifyToken string
	FacebookAppSecret   string
	AdminToken          string
	DeferProcessing     bool
}

// Deps are the services the handlers call. Presence and Tasks may be nil.
type Deps struct {
	Ingest   Ingestor
	Queue    QueueRunner
	Presence PresenceTracker
	Tasks    TaskReader
	Leads    LeadReader
}

// Handler registers every route on a ServeMux.
type Handler struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New builds the handler set. Deferred processing needs deps.Queue.
func New(cfg Config, deps Deps, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if deps.Queue == nil {
		cfg.DeferProcessing = false
	}
	return &Handler{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		metrics: m,
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /form-webhook/{token}", h.instrument("form", h.handleForm))

	mux.Handle("POST /whatsapp-webhook", h.instrument("whatsapp", h.handleWhatsAppMessages))
	mux.Handle("POST /whatsapp-status-webhook", h.instrument("whatsapp_status", h.handleWhatsAppStatus))
	mux.Handle("POST /whatsapp-connection-webhook", h.instrument("whatsapp_connection", h.handleWhatsAppConnection))
	mux.Handle("POST /whatsapp-qr-webhook", h.instrument("whatsapp_qr", h.handleWhatsAppQRCode))

	mux.Handle("GET /facebook-webhook", h.instrument("facebook_verify", h.handleFacebookVerify))
	mux.Handle("POST /facebook-webhook", h.instrument("facebook", h.handleFacebookLeads))

	if h.deps.Queue != nil {
		mux.Handle("POST /queue/process", h.instrument("queue_process", h.admin(h.handleProcessQueue)))
	}
	mux.Handle("POST /instances/{name}/disconnect", h.instrument("instance_disconnect", h.admin(h.handleDisconnect)))

	if h.deps.Presence != nil && h.deps.Leads != nil {
		mux.Handle("POST /presence/{leadID}/select", h.instrument("presence_select", h.admin(h.handlePresenceSelect)))
		mux.Handle("GET /presence/{leadID}", h.instrument("presence_get", h.admin(h.handlePresenceGet)))
	}
	if h.deps.Tasks != nil {
		mux.Handle("GET /members/{userID}/tasks", h.instrument("member_tasks", h.admin(h.handleMemberTasks)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if h.metrics != nil {
			h.metrics.WebhookRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		}
	})
}

// admin requires "Authorization: Bearer <ADMIN_TOKEN>". An unset token disables the route.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminToken == "" {
			h.writeError(w, apperr.New(apperr.KindForbidden, "admin", "admin endpoints are disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !secretEqual(strings.TrimSpace(token), h.cfg.AdminToken) {
			h.writeError(w, apperr.New(apperr.KindUnauthorized, "admin", "invalid bearer token"))
			return
		}
		next(w, r)
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("read body", "request body too large")
		}
		return nil, apperr.Validation("read body", "failed to read body")
	}
	return body, nil
}

func decodeJSON(r *http.Request, dest any) ([]byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return nil, apperr.Validation("decode body", "body must be valid JSON")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	msg := apperr.Message(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "kind", kind, "error", err)
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("api").Inc()
		}
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": string(kind)})
}
