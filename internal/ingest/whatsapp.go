package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadhub/internal/apperr"
	"leadhub/internal/evolution"
	"leadhub/internal/repo"
)

// MessageResult summarizes a messages.upsert event.
type MessageResult struct {
	Stored   int      `json:"stored"`
	Skipped  int      `json:"skipped"`
	LeadIDs  []string `json:"lead_ids,omitempty"`
	NewLeads int      `json:"new_leads"`
}

// MessageStatus maps a bridge acknowledgement to a message status.
func MessageStatus(ack string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(ack)) {
	case "SERVER_ACK":
		return repo.MessageSent, true
	case "DELIVERY_ACK":
		return repo.MessageDelivered, true
	case "READ", "PLAYED":
		return repo.MessageRead, true
	case "ERROR":
		return repo.MessageFailed, true
	case "PENDING":
		return repo.MessagePending, true
	}
	return "", false
}

// HandleMessages stores the messages of a messages.upsert event, creating leads
// for unknown numbers. Group chats are ignored and duplicate message ids are no-ops.
func (s *Service) HandleMessages(ctx context.Context, ev WhatsAppEvent) (*MessageResult, error) {
	const op = "handle whatsapp messages"
	raw := mustJSON(ev)

	inst, err := s.instance(ctx, op, ev.Instance)
	if err != nil {
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, err)
		return nil, err
	}
	orgID := &inst.OrganizationID

	msgs, err := ev.Messages()
	if err != nil {
		verr := apperr.Validation(op, "invalid message payload")
		s.auditError(ctx, repo.LogWhatsApp, orgID, ev.Event, raw, verr)
		return nil, verr
	}

	res := &MessageResult{}
	for _, m := range msgs {
		if m.Key.ID == "" || evolution.IsGroupJID(m.Key.RemoteJID) {
			res.Skipped++
			continue
		}
		phone, ok := evolution.PhoneFromJID(m.Key.RemoteJID)
		if !ok {
			res.Skipped++
			continue
		}

		name := strings.TrimSpace(m.PushName)
		if m.Key.FromMe {
			// pushName is our own profile on outbound messages.
			name = ""
		}
		lead, created, err := s.store.UpsertLeadByPhone(ctx, repo.Lead{
			OrganizationID: inst.OrganizationID,
			Name:           name,
			Phone:          phone,
			Stage:          repo.StageNew,
			Source:         repo.SourceWhatsApp,
			CreatedAt:      s.now().UTC(),
		})
		if err != nil {
			s.auditError(ctx, repo.LogWhatsApp, orgID, ev.Event, raw, err)
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if created {
			res.NewLeads++
			s.leadCreated(ctx, *lead, "whatsapp")
		}

		direction, status := repo.DirectionInbound, repo.MessageDelivered
		if m.Key.FromMe {
			direction, status = repo.DirectionOutbound, repo.MessageSent
		}
		sentAt := s.now().UTC()
		if m.MessageTimestamp > 0 {
			sentAt = time.Unix(m.MessageTimestamp, 0).UTC()
		}
		stored, err := s.store.InsertMessage(ctx, repo.Message{
			OrganizationID: inst.OrganizationID,
			LeadID:         lead.ID,
			InstanceName:   inst.InstanceName,
			ExternalID:     m.Key.ID,
			Direction:      direction,
			Body:           m.Text(),
			Status:         status,
			CreatedAt:      sentAt,
		})
		if err != nil {
			s.auditError(ctx, repo.LogWhatsApp, orgID, ev.Event, raw, err)
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if stored {
			res.Stored++
		} else {
			res.Skipped++
		}
		res.LeadIDs = append(res.LeadIDs, lead.ID)
	}

	var leadID *string
	if len(res.LeadIDs) > 0 {
		leadID = &res.LeadIDs[len(res.LeadIDs)-1]
	}
	s.auditSuccess(ctx, repo.LogWhatsApp, orgID, ev.Event, raw, leadID)
	return res, nil
}

// HandleStatus applies a messages.update acknowledgement. It reports whether a
// stored message matched.
func (s *Service) HandleStatus(ctx context.Context, ev WhatsAppEvent) (bool, error) {
	const op = "handle whatsapp status"
	raw := mustJSON(ev)

	var upd StatusUpdate
	if err := json.Unmarshal(ev.Data, &upd); err != nil {
		verr := apperr.Validation(op, "invalid status payload")
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return false, verr
	}
	status, ok := MessageStatus(upd.Status)
	if !ok {
		verr := apperr.Validation(op, fmt.Sprintf("unknown message status %q", upd.Status))
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return false, verr
	}
	externalID := upd.ExternalID()
	if externalID == "" {
		verr := apperr.Validation(op, "missing message id")
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return false, verr
	}

	found, err := s.store.UpdateMessageStatus(ctx, externalID, status)
	if err != nil {
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, err)
		return false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if !found {
		s.logger.Debug("status for unknown message", "external_id", externalID, "status", status)
	}
	s.auditSuccess(ctx, repo.LogWhatsApp, s.orgOf(ctx, ev.Instance), ev.Event, raw, nil)
	return found, nil
}

// HandleConnection applies a connection.update event to the instance state machine.
func (s *Service) HandleConnection(ctx context.Context, ev WhatsAppEvent) (*Transition, error) {
	const op = "handle whatsapp connection"
	raw := mustJSON(ev)

	var upd ConnectionUpdate
	if err := json.Unmarshal(ev.Data, &upd); err != nil {
		verr := apperr.Validation(op, "invalid connection payload")
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return nil, verr
	}
	to, ok := ConnectionStatus(upd.State)
	if !ok {
		verr := apperr.Validation(op, fmt.Sprintf("unknown connection state %q", upd.State))
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return nil, verr
	}
	name := ev.Instance
	if name == "" {
		name = upd.Instance
	}

	phone, hasPhone := "", false
	if upd.WUID != "" {
		phone, hasPhone = evolution.PhoneFromJID(upd.WUID)
	}
	tr, err := s.applyStatus(ctx, name, to, func(inst *repo.Instance) {
		if hasPhone && to == repo.InstanceConnected {
			inst.PhoneNumber = &phone
		}
	})
	if err != nil {
		s.auditError(ctx, repo.LogWhatsApp, s.orgOf(ctx, name), ev.Event, raw, err)
		return nil, err
	}
	s.auditSuccess(ctx, repo.LogWhatsApp, &tr.Instance.OrganizationID, ev.Event, raw, nil)
	return tr, nil
}

// HandleQRCode stores a new pairing QR code and moves the instance to WAITING_QR.
func (s *Service) HandleQRCode(ctx context.Context, ev WhatsAppEvent) (*Transition, error) {
	const op = "handle whatsapp qrcode"
	raw := mustJSON(ev)

	var upd QRCodeUpdate
	if err := json.Unmarshal(ev.Data, &upd); err != nil || upd.Value() == "" {
		verr := apperr.Validation(op, "missing qr code")
		s.auditError(ctx, repo.LogWhatsApp, nil, ev.Event, raw, verr)
		return nil, verr
	}
	name := ev.Instance
	if name == "" {
		name = upd.QRCode.Instance
	}

	code := upd.Value()
	tr, err := s.applyStatus(ctx, name, repo.InstanceWaitingQR, func(inst *repo.Instance) {
		inst.QRCode = &code
	})
	if err != nil {
		s.auditError(ctx, repo.LogWhatsApp, s.orgOf(ctx, name), ev.Event, raw, err)
		return nil, err
	}
	// The QR payload is not stored in the audit row.
	s.auditSuccess(ctx, repo.LogWhatsApp, &tr.Instance.OrganizationID, ev.Event, nil, nil)
	return tr, nil
}

func (s *Service) instance(ctx context.Context, op, name string) (*repo.Instance, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation(op, "missing instance")
	}
	inst, err := s.store.GetInstanceByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound(op, fmt.Sprintf("instance %q not found", name))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return inst, nil
}

// orgOf resolves the organization of an instance for audit rows, nil when unknown.
func (s *Service) orgOf(ctx context.Context, name string) *string {
	if name == "" {
		return nil
	}
	inst, err := s.store.GetInstanceByName(ctx, name)
	if err != nil {
		return nil
	}
	return &inst.OrganizationID
}
