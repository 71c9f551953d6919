package queue

import (
	"context"
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"leadhub/internal/apperr"
	"leadhub/internal/ingest"
	"leadhub/internal/repo"
)

// Webhook types stored in webhook_queue.webhook_type.
const (
	TypeWhatsApp = "whatsapp"
	TypeFacebook = "facebook"
	TypeForm     = "form"
)

// Handlers are the ingestion operations queued payloads dispatch to.
type Handlers interface {
	SubmitForm(ctx context.Context, sub ingest.FormSubmission) (*repo.Lead, error)
	HandleMessages(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.MessageResult, error)
	HandleStatus(ctx context.Context, ev ingest.WhatsAppEvent) (bool, error)
	HandleConnection(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.Transition, error)
	HandleQRCode(ctx context.Context, ev ingest.WhatsAppEvent) (*ingest.Transition, error)
	HandleFacebookLead(ctx context.Context, lg ingest.FacebookLeadgen) (*repo.Lead, bool, error)
}

// Payload is a decoded, validated queue row body. The set of implementations is closed.
type Payload interface {
	Type() string
	dispatch(ctx context.Context, h Handlers) error
}

// WhatsAppPayload is a deferred bridge event.
type WhatsAppPayload struct {
	ingest.WhatsAppEvent
}

func (WhatsAppPayload) Type() string { return TypeWhatsApp }

func (p WhatsAppPayload) validate(ctx context.Context) error {
	return validation.ValidateStructWithContext(ctx, &p.WhatsAppEvent,
		validation.Field(&p.WhatsAppEvent.Event, validation.Required, validation.In(
			ingest.EventMessagesUpsert,
			ingest.EventMessagesUpdate,
			ingest.EventConnectionUpdate,
			ingest.EventQRCodeUpdated,
		)),
		validation.Field(&p.WhatsAppEvent.Instance, validation.Required),
		validation.Field(&p.WhatsAppEvent.Data, validation.Required),
	)
}

func (p WhatsAppPayload) dispatch(ctx context.Context, h Handlers) error {
	var err error
	switch p.Event {
	case ingest.EventMessagesUpsert:
		_, err = h.HandleMessages(ctx, p.WhatsAppEvent)
	case ingest.EventMessagesUpdate:
		_, err = h.HandleStatus(ctx, p.WhatsAppEvent)
	case ingest.EventConnectionUpdate:
		_, err = h.HandleConnection(ctx, p.WhatsAppEvent)
	case ingest.EventQRCodeUpdated:
		_, err = h.HandleQRCode(ctx, p.WhatsAppEvent)
	default:
		err = apperr.Validation("dispatch whatsapp", fmt.Sprintf("unsupported event %q", p.Event))
	}
	return err
}

// FacebookPayload is a leadgen notification whose Graph fetch was deferred.
type FacebookPayload struct {
	ingest.FacebookLeadgen
}

func (FacebookPayload) Type() string { return TypeFacebook }

func (p FacebookPayload) validate(ctx context.Context) error {
	return validation.ValidateStructWithContext(ctx, &p.FacebookLeadgen,
		validation.Field(&p.FacebookLeadgen.LeadgenID, validation.Required),
		validation.Field(&p.FacebookLeadgen.PageID, validation.Required),
	)
}

func (p FacebookPayload) dispatch(ctx context.Context, h Handlers) error {
	_, _, err := h.HandleFacebookLead(ctx, p.FacebookLeadgen)
	return err
}

// FormPayload is a deferred form submission.
type FormPayload struct {
	ingest.FormSubmission
}

func (FormPayload) Type() string { return TypeForm }

func (p FormPayload) validate(ctx context.Context) error {
	return validation.ValidateStructWithContext(ctx, &p.FormSubmission,
		validation.Field(&p.FormSubmission.Token, validation.Required),
		validation.Field(&p.FormSubmission.Fields, validation.Required),
	)
}

func (p FormPayload) dispatch(ctx context.Context, h Handlers) error {
	_, err := h.SubmitForm(ctx, p.FormSubmission)
	return err
}

// ParsePayload decodes raw into the payload variant for webhookType and validates
// it. Every failure is a validation error and never worth retrying.
func ParsePayload(ctx context.Context, webhookType string, raw json.RawMessage) (Payload, error) {
	const op = "parse queue payload"

	switch webhookType {
	case TypeWhatsApp:
		var p WhatsAppPayload
		if err := decode(raw, &p.WhatsAppEvent); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		if err := p.validate(ctx); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		return p, nil
	case TypeFacebook:
		var p FacebookPayload
		if err := decode(raw, &p.FacebookLeadgen); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		if err := p.validate(ctx); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		return p, nil
	case TypeForm:
		var p FormPayload
		if err := decode(raw, &p.FormSubmission); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		if err := p.validate(ctx); err != nil {
			return nil, apperr.Validation(op, err.Error())
		}
		return p, nil
	}
	return nil, apperr.Validation(op, fmt.Sprintf("unknown webhook type %q", webhookType))
}

func decode(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
