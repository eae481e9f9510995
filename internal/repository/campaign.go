package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, tenant_id, name, description, type, status, trigger_type,
	content, target_audience, scheduled_at, recurring_config, event_triggers, ab_test_config, settings,
	estimated_recipients, sent_count, delivered_count, opened_count, clicked_count, unsubscribed_count,
	bounced_count, failed_count, execution_count, last_executed_at,
	created_at, updated_at, started_at, completed_at, deleted_at`

// counterColumns whitelists the columns IncrementCounter may touch
var counterColumns = map[campaign.Counter]string{
	campaign.CounterSent:         "sent_count",
	campaign.CounterDelivered:    "delivered_count",
	campaign.CounterOpened:       "opened_count",
	campaign.CounterClicked:      "clicked_count",
	campaign.CounterUnsubscribed: "unsubscribed_count",
	campaign.CounterBounced:      "bounced_count",
	campaign.CounterFailed:       "failed_count",
}

// Create stores a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *campaign.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = campaign.StatusDraft
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	def, err := encodeDefinition(c)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, description, type, status, trigger_type,
			content, target_audience, scheduled_at, recurring_config, event_triggers, ab_test_config, settings,
			estimated_recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Description, c.Type, c.Status, c.TriggerType,
		def.content, def.audience, nullTime(c.ScheduledAt), def.recurring, def.events, def.abTest, def.settings,
		c.Metrics.EstimatedRecipients, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a non-deleted campaign. An empty tenantID matches any tenant.
func (r *CampaignRepository) Get(ctx context.Context, tenantID, id string) (*campaign.Campaign, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE id = ? AND deleted_at IS NULL"
	args := []any{id}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}

	c, err := scanCampaign(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// List returns campaigns with optional filtering and the total count
func (r *CampaignRepository) List(ctx context.Context, filter campaign.ListFilter) ([]campaign.Campaign, int, error) {
	where := " WHERE deleted_at IS NULL"
	args := []any{}

	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.TriggerType != "" {
		where += " AND trigger_type = ?"
		args = append(args, filter.TriggerType)
	}
	if filter.Search != "" {
		where += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	query := "SELECT " + campaignColumns + " FROM campaigns" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	campaigns, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListByStatus returns non-deleted campaigns across tenants in the given status.
// An empty trigger matches every trigger type.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status campaign.Status, trigger campaign.TriggerType) ([]campaign.Campaign, error) {
	query := "SELECT " + campaignColumns + " FROM campaigns WHERE deleted_at IS NULL AND status = ?"
	args := []any{status}
	if trigger != "" {
		query += " AND trigger_type = ?"
		args = append(args, trigger)
	}
	return r.query(ctx, query+" ORDER BY created_at", args...)
}

// ListForEvent returns active event-based campaigns of a tenant listening to the named event
func (r *CampaignRepository) ListForEvent(ctx context.Context, tenantID, event string) ([]campaign.Campaign, error) {
	candidates, err := r.query(ctx, "SELECT "+campaignColumns+` FROM campaigns
		WHERE deleted_at IS NULL AND tenant_id = ? AND status = ? AND trigger_type = ?
		ORDER BY created_at`, tenantID, campaign.StatusActive, campaign.TriggerEvent)
	if err != nil {
		return nil, err
	}

	var out []campaign.Campaign
	for _, c := range candidates {
		if c.EventTriggers == nil {
			continue
		}
		for _, name := range c.EventTriggers.Events {
			if name == event {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// Update rewrites the definition fields of a campaign. Status and counters are left alone.
func (r *CampaignRepository) Update(ctx context.Context, c *campaign.Campaign) error {
	c.UpdatedAt = time.Now().UTC()

	def, err := encodeDefinition(c)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET name = ?, description = ?, type = ?, trigger_type = ?,
			content = ?, target_audience = ?, scheduled_at = ?, recurring_config = ?, event_triggers = ?,
			ab_test_config = ?, settings = ?, estimated_recipients = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
		c.Name, c.Description, c.Type, c.TriggerType,
		def.content, def.audience, nullTime(c.ScheduledAt), def.recurring, def.events,
		def.abTest, def.settings, c.Metrics.EstimatedRecipients, c.UpdatedAt,
		c.ID, c.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return requireRow(res)
}

// Transition moves a campaign to status to, provided its current status is one of from.
// The check and the write are a single statement so concurrent callers cannot both win.
func (r *CampaignRepository) Transition(ctx context.Context, id string, from []campaign.Status, to campaign.Status) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source status", to)
	}

	now := time.Now().UTC()
	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{to, now}

	switch to {
	case campaign.StatusActive:
		query += ", started_at = COALESCE(started_at, ?)"
		args = append(args, now)
	case campaign.StatusCompleted, campaign.StatusCancelled:
		query += ", completed_at = ?"
		args = append(args, now)
	}

	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ") AND id = ? AND deleted_at IS NULL"
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either gone or in another status
	current, err := r.Get(ctx, "", id)
	if err != nil {
		return err
	}
	return &campaign.TransitionError{From: current.Status, To: to}
}

// IncrementCounter atomically adds delta to a campaign counter
func (r *CampaignRepository) IncrementCounter(ctx context.Context, id string, counter campaign.Counter, delta int64) error {
	column, ok := counterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown counter %q", counter)
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE campaigns SET "+column+" = "+column+" + ? WHERE id = ?", delta, id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return requireRow(res)
}

// SetEstimatedRecipients caches the resolved audience size
func (r *CampaignRepository) SetEstimatedRecipients(ctx context.Context, id string, n int64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE campaigns SET estimated_recipients = ?, updated_at = ? WHERE id = ?", n, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set estimated recipients: %w", err)
	}
	return requireRow(res)
}

// RecordExecution bumps the execution counter and the last execution time
func (r *CampaignRepository) RecordExecution(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET execution_count = execution_count + 1, last_executed_at = ?, updated_at = ?
		WHERE id = ?`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return requireRow(res)
}

// SoftDelete hides a campaign from every read
func (r *CampaignRepository) SoftDelete(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`, now, now, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return requireRow(res)
}

// AppendLog records a lifecycle action in the execution log
func (r *CampaignRepository) AppendLog(ctx context.Context, campaignID, action, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_execution_log (campaign_id, action, error, created_at)
		VALUES (?, ?, ?, ?)`, campaignID, action, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// ListLog returns the execution log of a campaign, oldest first
func (r *CampaignRepository) ListLog(ctx context.Context, campaignID string) ([]campaign.ExecutionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, action, error, created_at
		FROM campaign_execution_log WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution log: %w", err)
	}
	defer rows.Close()

	var entries []campaign.ExecutionLogEntry
	for rows.Next() {
		var e campaign.ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.Action, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals aggregates the counters of a tenant's campaigns
type Totals struct {
	Campaigns int64
	ByStatus  map[campaign.Status]int64
	Metrics   campaign.Metrics
}

// Totals sums the counters of every non-deleted campaign of the tenant
func (r *CampaignRepository) Totals(ctx context.Context, tenantID string) (*Totals, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*),
			COALESCE(SUM(estimated_recipients), 0), COALESCE(SUM(sent_count), 0),
			COALESCE(SUM(delivered_count), 0), COALESCE(SUM(opened_count), 0),
			COALESCE(SUM(clicked_count), 0), COALESCE(SUM(unsubscribed_count), 0),
			COALESCE(SUM(bounced_count), 0), COALESCE(SUM(failed_count), 0)
		FROM campaigns WHERE tenant_id = ? AND deleted_at IS NULL
		GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaigns: %w", err)
	}
	defer rows.Close()

	t := &Totals{ByStatus: make(map[campaign.Status]int64)}
	for rows.Next() {
		var status campaign.Status
		var count int64
		var m campaign.Metrics
		if err := rows.Scan(&status, &count, &m.EstimatedRecipients, &m.Sent, &m.Delivered,
			&m.Opened, &m.Clicked, &m.Unsubscribed, &m.Bounced, &m.Failed); err != nil {
			return nil, err
		}
		t.Campaigns += count
		t.ByStatus[status] = count
		t.Metrics.EstimatedRecipients += m.EstimatedRecipients
		t.Metrics.Sent += m.Sent
		t.Metrics.Delivered += m.Delivered
		t.Metrics.Opened += m.Opened
		t.Metrics.Clicked += m.Clicked
		t.Metrics.Unsubscribed += m.Unsubscribed
		t.Metrics.Bounced += m.Bounced
		t.Metrics.Failed += m.Failed
	}
	return t, rows.Err()
}

func (r *CampaignRepository) query(ctx context.Context, query string, args ...any) ([]campaign.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []campaign.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (*campaign.Campaign, error) {
	c := &campaign.Campaign{}
	var content, audience, recurring, events, abTest, settings sql.NullString
	var scheduledAt, lastExecutedAt, startedAt, completedAt, deletedAt sql.NullTime

	err := s.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Description, &c.Type, &c.Status, &c.TriggerType,
		&content, &audience, &scheduledAt, &recurring, &events, &abTest, &settings,
		&c.Metrics.EstimatedRecipients, &c.Metrics.Sent, &c.Metrics.Delivered, &c.Metrics.Opened,
		&c.Metrics.Clicked, &c.Metrics.Unsubscribed, &c.Metrics.Bounced, &c.Metrics.Failed,
		&c.ExecutionCount, &lastExecutedAt,
		&c.CreatedAt, &c.UpdatedAt, &startedAt, &completedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(content, &c.Content); err != nil {
		return nil, err
	}
	if err := decodeJSON(audience, &c.TargetAudience); err != nil {
		return nil, err
	}
	if err := decodeJSON(settings, &c.Settings); err != nil {
		return nil, err
	}
	if recurring.Valid && recurring.String != "null" {
		c.Recurring = &campaign.RecurringConfig{}
		if err := decodeJSON(recurring, c.Recurring); err != nil {
			return nil, err
		}
	}
	if events.Valid && events.String != "null" {
		c.EventTriggers = &campaign.EventTriggers{}
		if err := decodeJSON(events, c.EventTriggers); err != nil {
			return nil, err
		}
	}
	if abTest.Valid && abTest.String != "null" {
		c.ABTest = &campaign.ABTestConfig{}
		if err := decodeJSON(abTest, c.ABTest); err != nil {
			return nil, err
		}
	}

	c.ScheduledAt = timePtr(scheduledAt)
	c.LastExecutedAt = timePtr(lastExecutedAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	c.DeletedAt = timePtr(deletedAt)

	return c, nil
}

type definition struct {
	content, audience, recurring, events, abTest, settings string
}

func encodeDefinition(c *campaign.Campaign) (*definition, error) {
	var d definition
	fields := []struct {
		dst *string
		v   any
	}{
		{&d.content, c.Content},
		{&d.audience, c.TargetAudience},
		{&d.recurring, c.Recurring},
		{&d.events, c.EventTriggers},
		{&d.abTest, c.ABTest},
		{&d.settings, c.Settings},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode campaign: %w", err)
		}
		*f.dst = string(data)
	}
	return &d, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode campaign column: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
