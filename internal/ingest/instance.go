package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leadhub/internal/apperr"
	"leadhub/internal/evolution"
	"leadhub/internal/repo"
)

// transitions lists the allowed instance status changes.
var transitions = map[repo.InstanceStatus][]repo.InstanceStatus{
	repo.InstanceWaitingQR:    {repo.InstanceConnecting, repo.InstanceConnected, repo.InstanceDisconnected},
	repo.InstanceConnecting:   {repo.InstanceConnected, repo.InstanceWaitingQR, repo.InstanceDisconnected},
	repo.InstanceConnected:    {repo.InstanceDisconnected},
	repo.InstanceDisconnected: {repo.InstanceWaitingQR, repo.InstanceConnecting},
}

// CanTransition reports whether an instance may move from one status to another.
// Same-state moves are allowed and treated as no-ops by callers.
func CanTransition(from, to repo.InstanceStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnectionStatus maps a bridge connection state to an instance status.
func ConnectionStatus(state string) (repo.InstanceStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "open":
		return repo.InstanceConnected, true
	case "connecting":
		return repo.InstanceConnecting, true
	case "close", "closed":
		return repo.InstanceDisconnected, true
	}
	return "", false
}

// Transition is the outcome of applying a status to an instance.
type Transition struct {
	Instance *repo.Instance
	From     repo.InstanceStatus
	Changed  bool
}

// applyStatus moves an instance to status. Entering CONNECTED stamps connected_at
// and starts a background contact sync.
func (s *Service) applyStatus(ctx context.Context, name string, to repo.InstanceStatus, mutate func(*repo.Instance)) (*Transition, error) {
	const op = "apply instance status"

	inst, err := s.store.GetInstanceByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apperr.NotFound(op, fmt.Sprintf("instance %q not found", name))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	from := inst.Status
	if !CanTransition(from, to) {
		return nil, apperr.New(apperr.KindConflict, op, fmt.Sprintf("invalid transition %s -> %s", from, to))
	}

	before := *inst
	if mutate != nil {
		mutate(inst)
	}
	changed := from != to || !sameInstanceFields(before, *inst)
	if !changed {
		return &Transition{Instance: inst, From: from}, nil
	}

	now := s.now().UTC()
	inst.Status = to
	inst.UpdatedAt = now
	if to == repo.InstanceConnected && from != repo.InstanceConnected {
		inst.ConnectedAt = &now
	}
	if to != repo.InstanceWaitingQR {
		inst.QRCode = nil
	}
	if err := s.store.UpdateInstance(ctx, *inst); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	s.logger.Info("instance status changed", "instance", name, "from", from, "to", to)
	if to == repo.InstanceConnected && from != repo.InstanceConnected {
		s.startContactSync(ctx, *inst)
	}
	return &Transition{Instance: inst, From: from, Changed: true}, nil
}

func sameInstanceFields(a, b repo.Instance) bool {
	return ptrEqual(a.PhoneNumber, b.PhoneNumber) && ptrEqual(a.QRCode, b.QRCode)
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// DisconnectInstance logs the instance out at the bridge and marks it disconnected.
func (s *Service) DisconnectInstance(ctx context.Context, name string) (*Transition, error) {
	if s.bridge == nil {
		return nil, apperr.New(apperr.KindConfig, "disconnect instance", "whatsapp bridge is not configured")
	}
	if _, err := s.store.GetInstanceByName(ctx, name); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.NotFound("disconnect instance", fmt.Sprintf("instance %q not found", name))
		}
		return nil, apperr.Wrap(apperr.KindInternal, "disconnect instance", err)
	}
	if err := s.bridge.Logout(ctx, name); err != nil && !apperr.Is(err, apperr.KindNotConnected) {
		return nil, err
	}
	return s.applyStatus(ctx, name, repo.InstanceDisconnected, nil)
}

// startContactSync imports the address book of a freshly connected instance.
// It runs detached from the request and is never retried.
func (s *Service) startContactSync(ctx context.Context, inst repo.Instance) {
	if s.bridge == nil {
		return
	}
	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		syncCtx := context.WithoutCancel(ctx)
		created, err := s.syncContacts(syncCtx, inst)
		if err != nil {
			s.logger.Warn("contact sync failed", "instance", inst.InstanceName, "error", err)
			return
		}
		s.logger.Info("contact sync finished", "instance", inst.InstanceName, "created", created)
	}()
}

func (s *Service) syncContacts(ctx context.Context, inst repo.Instance) (int, error) {
	contacts, err := s.bridge.FindContacts(ctx, inst.InstanceName)
	if err != nil {
		return 0, fmt.Errorf("find contacts: %w", err)
	}

	created := 0
	for _, c := range contacts {
		jid := c.RemoteJID
		if jid == "" {
			jid = c.ID
		}
		phone, ok := evolution.PhoneFromJID(jid)
		if !ok {
			continue
		}
		lead, isNew, err := s.store.UpsertLeadByPhone(ctx, repo.Lead{
			OrganizationID: inst.OrganizationID,
			Name:           strings.TrimSpace(c.PushName),
			Phone:          phone,
			Stage:          repo.StageNew,
			Source:         repo.SourceWhatsApp,
			AvatarURL:      strPtr(c.ProfilePicURL),
			CreatedAt:      s.now().UTC(),
		})
		if err != nil {
			return created, fmt.Errorf("upsert contact %s: %w", phone, err)
		}
		if isNew {
			created++
			if s.metrics != nil {
				s.metrics.LeadsCreated.WithLabelValues(lead.Source).Inc()
			}
		}
	}
	return created, nil
}
