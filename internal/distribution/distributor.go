// Package distribution routes newly created leads to team members.
package distribution

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"leadhub/internal/apperr"
	"leadhub/internal/repo"
)

// Distributor applies an organization's distribution rule to new leads.
type Distributor struct {
	store  repo.DistributionStore
	logger *slog.Logger
	now    func() time.Time
	intn   func(n int) int
}

// New returns a distributor backed by store.
func New(store repo.DistributionStore, logger *slog.Logger) *Distributor {
	return &Distributor{
		store:  store,
		logger: logger.With("component", "distribution"),
		now:    time.Now,
		intn:   rand.IntN,
	}
}

// Assign picks a member for lead and records the decision. It returns nil
// without error when the lead already has an owner or the organization has no
// enabled rule with members.
func (d *Distributor) Assign(ctx context.Context, lead repo.Lead, triggerSource string) (*repo.DistributionRecord, error) {
	const op = "assign lead"
	if lead.ResponsibleUserID != nil && *lead.ResponsibleUserID != "" {
		return nil, nil
	}

	rule, err := d.store.GetDistributionRule(ctx, lead.OrganizationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	members := eligible(rule.Members)
	if !rule.Enabled || len(members) == 0 {
		return nil, nil
	}

	userID, err := d.pick(ctx, rule.Method, lead.OrganizationID, members)
	if err != nil {
		return nil, err
	}

	if err := d.store.AssignLead(ctx, lead.ID, userID); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	rec, err := d.store.InsertDistribution(ctx, repo.DistributionRecord{
		OrganizationID: lead.OrganizationID,
		LeadID:         lead.ID,
		UserID:         userID,
		Method:         rule.Method,
		TriggerSource:  triggerSource,
		CreatedAt:      d.now().UTC(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	d.logger.Info("lead distributed", "lead_id", lead.ID, "user_id", userID, "method", rule.Method, "trigger", triggerSource)
	return rec, nil
}

func (d *Distributor) pick(ctx context.Context, method, orgID string, members []repo.DistributionMember) (string, error) {
	switch method {
	case repo.MethodRoundRobin:
		last, err := d.store.LastDistribution(ctx, orgID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", apperr.Wrap(apperr.KindInternal, "round robin", err)
		}
		var lastUser string
		if last != nil {
			lastUser = last.UserID
		}
		return nextAfter(members, lastUser), nil
	case repo.MethodWeighted:
		counts, err := d.store.DistributionCounts(ctx, orgID)
		if err != nil {
			return "", apperr.Wrap(apperr.KindInternal, "weighted", err)
		}
		return weighted(members, counts), nil
	case repo.MethodLoadBased:
		open, err := d.store.OpenLeadCounts(ctx, orgID)
		if err != nil {
			return "", apperr.Wrap(apperr.KindInternal, "load based", err)
		}
		return leastLoaded(members, open), nil
	case repo.MethodRandom:
		return members[d.intn(len(members))].UserID, nil
	}
	return "", apperr.New(apperr.KindConfig, "assign lead", "unknown distribution method "+method)
}

// eligible drops non-positive weights and orders members by user id.
func eligible(in []repo.DistributionMember) []repo.DistributionMember {
	out := make([]repo.DistributionMember, 0, len(in))
	for _, m := range in {
		if m.UserID != "" && m.Weight > 0 {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// nextAfter returns the first member whose id sorts after last, wrapping around.
// A last assignee who left the rule still anchors the rotation.
func nextAfter(members []repo.DistributionMember, last string) string {
	if last == "" {
		return members[0].UserID
	}
	for _, m := range members {
		if m.UserID > last {
			return m.UserID
		}
	}
	return members[0].UserID
}

// weighted is smooth weighted round-robin over history: the member furthest
// behind its share, count/weight, goes next.
func weighted(members []repo.DistributionMember, counts map[string]int) string {
	best := members[0]
	for _, m := range members[1:] {
		// count_m/weight_m < count_best/weight_best without division.
		if counts[m.UserID]*best.Weight < counts[best.UserID]*m.Weight {
			best = m
		}
	}
	return best.UserID
}

func leastLoaded(members []repo.DistributionMember, open map[string]int) string {
	best := members[0]
	for _, m := range members[1:] {
		if open[m.UserID] < open[best.UserID] {
			best = m
		}
	}
	return best.UserID
}
