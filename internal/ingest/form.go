package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"leadhub/internal/apperr"
	"leadhub/internal/repo"
)

// Accepted field names, first match wins.
var (
	nameAliases  = []string{"nome", "name", "nome_completo", "full_name", "first_name"}
	phoneAliases = []string{"telefone", "phone", "celular", "whatsapp", "telefone_lead", "mobile"}
	emailAliases = []string{"email", "e-mail", "email_address"}
)

// ParseFormBody decodes a JSON object or an urlencoded body into string fields.
// Keys are lower-cased and trimmed.
func ParseFormBody(contentType string, body []byte) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, apperr.Validation("parse form body", "invalid form encoding")
		}
		fields := make(map[string]string, len(values))
		for k, v := range values {
			if len(v) > 0 {
				fields[normalizeKey(k)] = strings.TrimSpace(v[0])
			}
		}
		return fields, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, apperr.Validation("parse form body", "body must be a JSON object")
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		fields[normalizeKey(k)] = stringify(v)
	}
	return fields, nil
}

// RawFormPayload returns body as JSON without normalizing keys or values. An
// urlencoded body becomes an object of its original keys; repeated keys keep
// every value. It returns nil when body is neither.
func RawFormPayload(contentType string, body []byte) json.RawMessage {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		raw := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				raw[k] = v[0]
			} else {
				raw[k] = v
			}
		}
		return mustJSON(raw)
	}
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

// SubmitForm creates a lead from a form webhook submission. Every submission
// creates a new lead; duplicates are intentional.
func (s *Service) SubmitForm(ctx context.Context, sub FormSubmission) (*repo.Lead, error) {
	const op = "submit form"
	payload := sub.Raw
	if len(payload) == 0 {
		payload = mustJSON(sub.Fields)
	}

	fw, err := s.store.GetFormWebhook(ctx, sub.Token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound(op, "webhook not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	orgID := &fw.OrganizationID
	if !fw.IsActive {
		err := apperr.New(apperr.KindForbidden, op, "webhook is inactive")
		s.auditError(ctx, repo.LogForm, orgID, "form", payload, err)
		return nil, err
	}

	name := pick(sub.Fields, nameAliases)
	phone := pick(sub.Fields, phoneAliases)
	var missing []string
	if name == "" {
		missing = append(missing, "nome")
	}
	if phone == "" {
		missing = append(missing, "telefone")
	}
	if len(missing) > 0 {
		err := apperr.Validation(op, fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
		s.auditError(ctx, repo.LogForm, orgID, "form", payload, err)
		return nil, err
	}

	lead, err := s.store.InsertLead(ctx, repo.Lead{
		OrganizationID: fw.OrganizationID,
		Name:           name,
		Phone:          phone,
		Email:          strPtr(pick(sub.Fields, emailAliases)),
		Stage:          repo.StageNew,
		Source:         repo.SourceWebhook,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		s.auditError(ctx, repo.LogForm, orgID, "form", payload, err)
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	s.auditSuccess(ctx, repo.LogForm, orgID, "form", payload, &lead.ID)
	s.logger.Info("form lead created", "lead_id", lead.ID, "organization_id", lead.OrganizationID)
	s.leadCreated(ctx, *lead, "form")
	return lead, nil
}

func pick(fields map[string]string, aliases []string) string {
	for _, alias := range aliases {
		if v := strings.TrimSpace(fields[alias]); v != "" {
			return v
		}
	}
	return ""
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
