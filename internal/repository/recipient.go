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

// ErrRecipientNotFound is returned when a recipient does not exist for the tenant
var ErrRecipientNotFound = errors.New("recipient not found")

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Upsert creates or replaces a recipient of a tenant
func (r *RecipientRepository) Upsert(ctx context.Context, rec *campaign.Recipient) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = campaign.RecipientActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	attrs, _ := json.Marshal(rec.Attributes)
	segments, _ := json.Marshal(rec.Segments)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipients (tenant_id, id, email, phone, push_token, user_id, display_name, attributes, segments, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			email = excluded.email, phone = excluded.phone, push_token = excluded.push_token,
			user_id = excluded.user_id, display_name = excluded.display_name,
			attributes = excluded.attributes, segments = excluded.segments, status = excluded.status`,
		rec.TenantID, rec.ID, rec.Email, rec.Phone, rec.PushToken, rec.UserID, rec.DisplayName,
		string(attrs), string(segments), rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert recipient: %w", err)
	}
	return nil
}

// Get returns a single recipient
func (r *RecipientRepository) Get(ctx context.Context, tenantID, id string) (*campaign.Recipient, error) {
	rec, err := scanRecipient(r.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, email, phone, push_token, user_id, display_name, attributes, segments, status, created_at
		FROM recipients WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return rec, nil
}

// ListRecipients returns the recipients of a tenant in insertion order
func (r *RecipientRepository) ListRecipients(ctx context.Context, tenantID string, filter campaign.RecipientFilter) ([]campaign.Recipient, error) {
	query := `
		SELECT tenant_id, id, email, phone, push_token, user_id, display_name, attributes, segments, status, created_at
		FROM recipients WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.ActiveOnly {
		query += " AND status = ?"
		args = append(args, campaign.RecipientActive)
	}
	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if filter.Search != "" {
		query += " AND (display_name LIKE ? OR email LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	query += " ORDER BY rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	recipients := []campaign.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// SetStatus changes the status of a recipient
func (r *RecipientRepository) SetStatus(ctx context.Context, tenantID, id string, status campaign.RecipientStatus) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE recipients SET status = ? WHERE tenant_id = ? AND id = ?", status, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update recipient status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

func scanRecipient(s scanner) (*campaign.Recipient, error) {
	rec := &campaign.Recipient{}
	var attrs, segments sql.NullString

	err := s.Scan(&rec.TenantID, &rec.ID, &rec.Email, &rec.Phone, &rec.PushToken, &rec.UserID,
		&rec.DisplayName, &attrs, &segments, &rec.Status, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	if attrs.Valid && attrs.String != "" {
		json.Unmarshal([]byte(attrs.String), &rec.Attributes)
	}
	if segments.Valid && segments.String != "" {
		json.Unmarshal([]byte(segments.String), &rec.Segments)
	}
	return rec, nil
}
