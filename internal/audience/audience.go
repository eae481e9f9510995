// Package audience turns a campaign's target audience into a concrete recipient list.
package audience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/herald/internal/campaign"
)

// RecipientSource lists the recipients of a tenant
type RecipientSource interface {
	ListRecipients(ctx context.Context, tenantID string, filter campaign.RecipientFilter) ([]campaign.Recipient, error)
}

// Resolver resolves target audiences against a recipient source
type Resolver struct {
	source RecipientSource
	logger *slog.Logger
}

func NewResolver(source RecipientSource, logger *slog.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger.With("component", "audience"),
	}
}

// Resolve returns the deduplicated recipients targeted by ta, in source order.
// Unsubscribed recipients are never returned.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, ta campaign.TargetAudience) ([]campaign.Recipient, error) {
	filter := campaign.RecipientFilter{ActiveOnly: true}
	if len(ta.RecipientIDs) > 0 {
		filter.IDs = dedupe(ta.RecipientIDs)
	}

	all, err := r.source.ListRecipients(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}

	var restrict map[string]bool
	if len(ta.RecipientIDs) > 0 {
		restrict = toSet(ta.RecipientIDs)
	}
	excluded := toSet(ta.ExcludeIDs)

	seen := make(map[string]bool, len(all))
	out := make([]campaign.Recipient, 0, len(all))
	for _, rec := range all {
		if seen[rec.ID] {
			continue
		}
		if rec.Status == campaign.RecipientUnsubscribed {
			continue
		}
		if restrict != nil && !restrict[rec.ID] {
			continue
		}
		if excluded[rec.ID] {
			continue
		}
		if !matchesFilters(rec, ta.Filters) {
			continue
		}
		if len(ta.Segments) > 0 && !hasAnySegment(rec, ta.Segments) {
			continue
		}
		if hasAnySegment(rec, ta.ExcludeSegments) {
			continue
		}
		seen[rec.ID] = true
		out = append(out, rec)
	}

	r.logger.Debug("audience resolved",
		"tenant_id", tenantID,
		"candidates", len(all),
		"resolved", len(out),
	)

	return out, nil
}

// Estimate returns the size of the resolved audience
func (r *Resolver) Estimate(ctx context.Context, tenantID string, ta campaign.TargetAudience) (int, error) {
	recipients, err := r.Resolve(ctx, tenantID, ta)
	if err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// Narrow restricts resolved recipients to a single id. An empty id returns the list unchanged.
func Narrow(recipients []campaign.Recipient, recipientID string) []campaign.Recipient {
	if recipientID == "" {
		return recipients
	}
	for _, rec := range recipients {
		if rec.ID == recipientID {
			return []campaign.Recipient{rec}
		}
	}
	return nil
}

func matchesFilters(rec campaign.Recipient, filters map[string]string) bool {
	for k, want := range filters {
		if got, ok := fieldValue(rec, k); !ok || got != want {
			return false
		}
	}
	return true
}

// fieldValue looks up well-known contact fields first, then attributes
func fieldValue(rec campaign.Recipient, key string) (string, bool) {
	switch key {
	case "email":
		return rec.Email, true
	case "phone":
		return rec.Phone, true
	case "user_id":
		return rec.UserID, true
	case "display_name":
		return rec.DisplayName, true
	}
	v, ok := rec.Attributes[key]
	return v, ok
}

func hasAnySegment(rec campaign.Recipient, segments []string) bool {
	if len(segments) == 0 {
		return false
	}
	set := toSet(segments)
	for _, s := range rec.Segments {
		if set[s] {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
