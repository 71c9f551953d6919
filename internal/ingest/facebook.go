package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leadhub/internal/apperr"
	"leadhub/internal/facebook"
	"leadhub/internal/repo"
)

var (
	fbNameFields  = []string{"full_name", "nome", "nome_completo", "name"}
	fbPhoneFields = []string{"phone_number", "phone", "telefone", "celular", "whatsapp"}
	fbEmailFields = []string{"email", "e-mail", "email_address"}
)

// FacebookResult summarizes a lead ads notification.
type FacebookResult struct {
	Created []string `json:"created"`
	Skipped int      `json:"skipped"`
	Queued  int      `json:"queued"`
	Failed  int      `json:"failed"`
}

// HandleFacebookWebhook ingests every leadgen change. Retryable failures are
// deferred to the queue instead of failing the notification.
func (s *Service) HandleFacebookWebhook(ctx context.Context, w FacebookWebhook) *FacebookResult {
	res := &FacebookResult{Created: []string{}}
	for _, lg := range w.Leadgens() {
		lead, created, err := s.HandleFacebookLead(ctx, lg)
		switch {
		case err == nil && created:
			res.Created = append(res.Created, lead.ID)
		case err == nil:
			res.Skipped++
		case apperr.Retryable(err) && s.enqueuer != nil:
			if _, qerr := s.enqueuer.Enqueue(ctx, "facebook", lg); qerr != nil {
				s.logger.Error("enqueue facebook lead failed", "leadgen_id", lg.LeadgenID, "error", qerr)
				res.Failed++
				continue
			}
			s.logger.Warn("facebook lead deferred", "leadgen_id", lg.LeadgenID, "error", err)
			res.Queued++
		default:
			res.Failed++
		}
	}
	return res
}

// HandleFacebookLead fetches one submission from the Graph API and stores it as
// a lead. A lead that already exists for the leadgen id is returned unchanged.
func (s *Service) HandleFacebookLead(ctx context.Context, lg FacebookLeadgen) (*repo.Lead, bool, error) {
	const op = "handle facebook lead"
	raw := mustJSON(lg)

	if lg.LeadgenID == "" || lg.PageID == "" {
		err := apperr.Validation(op, "leadgen_id and page_id are required")
		s.auditError(ctx, repo.LogFacebook, nil, "leadgen", raw, err)
		return nil, false, err
	}

	integration, err := s.store.GetFacebookIntegrationByPage(ctx, lg.PageID)
	if errors.Is(err, repo.ErrNotFound) {
		nerr := apperr.NotFound(op, fmt.Sprintf("no integration for page %s", lg.PageID))
		s.auditError(ctx, repo.LogFacebook, nil, "leadgen", raw, nerr)
		return nil, false, nerr
	}
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	orgID := &integration.OrganizationID

	existing, err := s.store.GetLeadByExternalID(ctx, integration.OrganizationID, lg.LeadgenID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, apperr.Wrap(apperr.KindInternal, op, err)
	}

	if s.graph == nil {
		cerr := apperr.New(apperr.KindConfig, op, "graph client is not configured")
		s.auditError(ctx, repo.LogFacebook, orgID, "leadgen", raw, cerr)
		return nil, false, cerr
	}
	fbLead, err := s.graph.GetLead(ctx, lg.LeadgenID, integration.PageAccessToken)
	if err != nil {
		s.auditError(ctx, repo.LogFacebook, orgID, "leadgen", raw, err)
		return nil, false, err
	}

	lead, err := s.store.InsertLead(ctx, repo.Lead{
		OrganizationID: integration.OrganizationID,
		Name:           facebookName(fbLead),
		Phone:          fbLead.Field(fbPhoneFields...),
		Email:          strPtr(fbLead.Field(fbEmailFields...)),
		Stage:          repo.StageNew,
		Source:         repo.SourceFacebook,
		ExternalID:     &lg.LeadgenID,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		// A concurrent delivery may have inserted the same leadgen id.
		if again, gerr := s.store.GetLeadByExternalID(ctx, integration.OrganizationID, lg.LeadgenID); gerr == nil {
			return again, false, nil
		}
		s.auditError(ctx, repo.LogFacebook, orgID, "leadgen", raw, err)
		return nil, false, apperr.Wrap(apperr.KindInternal, op, err)
	}

	s.auditSuccess(ctx, repo.LogFacebook, orgID, "leadgen", raw, &lead.ID)
	s.logger.Info("facebook lead created", "lead_id", lead.ID, "leadgen_id", lg.LeadgenID)
	s.leadCreated(ctx, *lead, "facebook")
	return lead, true, nil
}

func facebookName(l *facebook.Lead) string {
	if name := l.Field(fbNameFields...); name != "" {
		return name
	}
	first, last := l.Field("first_name"), l.Field("last_name")
	if name := strings.TrimSpace(first + " " + last); name != "" {
		return name
	}
	return "Facebook Lead"
}
