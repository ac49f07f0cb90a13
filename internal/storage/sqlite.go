package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/careops/notifyd/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			beneficiary_id TEXT NOT NULL,
			mobile_number TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			preferred_channel TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			next_retry_at DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			sent_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			target_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			notification_id TEXT NOT NULL,
			url TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			payload TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			next_retry_at DATETIME,
			response_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idem ON notifications(idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications(status, next_retry_at) WHERE status = 'RETRYING'`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_beneficiary ON notifications(beneficiary_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_campaign ON notifications(campaign_id) WHERE campaign_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_retry ON webhook_events(status, next_retry_at) WHERE status = 'pending'`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// --- Notifications ---

const notificationCols = `id, idempotency_key, beneficiary_id, mobile_number, email, device_id,
	preferred_channel, channel, type, status, retry_count, max_retries, next_retry_at,
	error_message, campaign_id, version, created_at, sent_at`

func (s *SQLiteStorage) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.IdempotencyKey, n.BeneficiaryID, n.MobileNumber, n.Email, n.DeviceID,
		n.PreferredChannel, n.Channel, n.Type, n.Status, n.RetryCount, n.MaxRetries,
		nullTime(n.NextRetryAt), n.ErrorMessage, n.CampaignID, n.Version, n.CreatedAt,
		nullTime(n.SentAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *SQLiteStorage) CreateNotifications(ctx context.Context, ns []*models.Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notifications (`+notificationCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range ns {
		if _, err := stmt.ExecContext(ctx,
			n.ID, n.IdempotencyKey, n.BeneficiaryID, n.MobileNumber, n.Email, n.DeviceID,
			n.PreferredChannel, n.Channel, n.Type, n.Status, n.RetryCount, n.MaxRetries,
			nullTime(n.NextRetryAt), n.ErrorMessage, n.CampaignID, n.Version, n.CreatedAt,
			nullTime(n.SentAt),
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateIdempotencyKey
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

func (s *SQLiteStorage) GetNotificationByIdempotencyKey(ctx context.Context, key string) (*models.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE idempotency_key = ?`, key)
	return scanNotification(row)
}

// UpdateNotification applies a compare-and-swap on the version column. A
// losing writer gets ErrVersionConflict and must reload before retrying.
func (s *SQLiteStorage) UpdateNotification(ctx context.Context, n *models.Notification) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET
			channel = ?, status = ?, retry_count = ?, next_retry_at = ?,
			error_message = ?, sent_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		n.Channel, n.Status, n.RetryCount, nullTime(n.NextRetryAt),
		n.ErrorMessage, nullTime(n.SentAt), n.ID, n.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	n.Version++
	return nil
}

func (s *SQLiteStorage) ListReadyForRetry(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		   AND retry_count < max_retries
		 ORDER BY next_retry_at ASC LIMIT ?`,
		models.NotificationRetrying, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListStalePending finds records that were persisted but never reached a
// consumer, usually because event publication failed after the insert. The
// retry scheduler requeues them.
func (s *SQLiteStorage) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE status = ? AND created_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		models.NotificationPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *SQLiteStorage) ListNotificationsByBeneficiary(ctx context.Context, beneficiaryID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE beneficiary_id = ? ORDER BY created_at DESC`, beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *SQLiteStorage) ListNotificationsByCampaign(ctx context.Context, campaignID string) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE campaign_id = ? ORDER BY created_at ASC`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotifications(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotificationInto(sc rowScanner, n *models.Notification) error {
	var nextRetryAt, sentAt sql.NullTime
	err := sc.Scan(
		&n.ID, &n.IdempotencyKey, &n.BeneficiaryID, &n.MobileNumber, &n.Email, &n.DeviceID,
		&n.PreferredChannel, &n.Channel, &n.Type, &n.Status, &n.RetryCount, &n.MaxRetries,
		&nextRetryAt, &n.ErrorMessage, &n.CampaignID, &n.Version, &n.CreatedAt, &sentAt,
	)
	if err != nil {
		return err
	}
	n.NextRetryAt = timePtr(nextRetryAt)
	n.SentAt = timePtr(sentAt)
	return nil
}

func scanNotification(row *sql.Row) (*models.Notification, error) {
	var n models.Notification
	err := scanNotificationInto(row, &n)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]models.Notification, error) {
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := scanNotificationInto(rows, &n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Campaigns ---

const campaignCols = `id, tenant_id, name, type, status, target_count, success_count,
	failure_count, started_at, completed_at, version, created_at, updated_at`

func (s *SQLiteStorage) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (`+campaignCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Type, c.Status, c.TargetCount, c.SuccessCount,
		c.FailureCount, nullTime(c.StartedAt), nullTime(c.CompletedAt), c.Version,
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Status, &c.TargetCount,
		&c.SuccessCount, &c.FailureCount, &startedAt, &completedAt, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

// UpdateCampaign applies the same version compare-and-swap as notification
// updates. The progress sweep and pause/resume race on the same row; a
// losing writer gets ErrVersionConflict and must reload.
func (s *SQLiteStorage) UpdateCampaign(ctx context.Context, c *models.Campaign) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, target_count = ?, success_count = ?,
			failure_count = ?, started_at = ?, completed_at = ?, updated_at = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		c.Status, c.TargetCount, c.SuccessCount, c.FailureCount,
		nullTime(c.StartedAt), nullTime(c.CompletedAt), c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (s *SQLiteStorage) ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE status = ? ORDER BY created_at ASC`,
		models.CampaignActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Status, &c.TargetCount,
			&c.SuccessCount, &c.FailureCount, &startedAt, &completedAt, &c.Version,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.StartedAt = timePtr(startedAt)
		c.CompletedAt = timePtr(completedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountCampaignOutcomes counts terminal notifications belonging to one
// campaign. Progress is scoped by campaign_id so concurrent campaigns do not
// pollute each other's counters.
func (s *SQLiteStorage) CountCampaignOutcomes(ctx context.Context, campaignID string) (int, int, error) {
	var success, failure int
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		 FROM notifications WHERE campaign_id = ?`,
		models.NotificationSent, models.NotificationFailed, campaignID,
	).Scan(&success, &failure)
	return success, failure, err
}

// --- Webhook events ---

const webhookCols = `id, notification_id, url, event_type, status, payload, signature,
	retry_count, max_retries, next_retry_at, response_code, response_body, created_at, processed_at`

func (s *SQLiteStorage) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (`+webhookCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.NotificationID, e.URL, e.EventType, e.Status, e.Payload, e.Signature,
		e.RetryCount, e.MaxRetries, nullTime(e.NextRetryAt), e.ResponseCode, e.ResponseBody,
		e.CreatedAt, nullTime(e.ProcessedAt),
	)
	return err
}

func (s *SQLiteStorage) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var nextRetryAt, processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT `+webhookCols+` FROM webhook_events WHERE id = ?`, id,
	).Scan(&e.ID, &e.NotificationID, &e.URL, &e.EventType, &e.Status, &e.Payload,
		&e.Signature, &e.RetryCount, &e.MaxRetries, &nextRetryAt, &e.ResponseCode,
		&e.ResponseBody, &e.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.NextRetryAt = timePtr(nextRetryAt)
	e.ProcessedAt = timePtr(processedAt)
	return &e, nil
}

func (s *SQLiteStorage) UpdateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = ?, retry_count = ?, next_retry_at = ?,
			response_code = ?, response_body = ?, processed_at = ?
		 WHERE id = ?`,
		e.Status, e.RetryCount, nullTime(e.NextRetryAt), e.ResponseCode,
		e.ResponseBody, nullTime(e.ProcessedAt), e.ID,
	)
	return err
}

func (s *SQLiteStorage) ListWebhooksReadyForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookCols+` FROM webhook_events
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		   AND retry_count < max_retries
		 ORDER BY next_retry_at ASC LIMIT ?`,
		models.WebhookPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		var e models.WebhookEvent
		var nextRetryAt, processedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.URL, &e.EventType, &e.Status,
			&e.Payload, &e.Signature, &e.RetryCount, &e.MaxRetries, &nextRetryAt,
			&e.ResponseCode, &e.ResponseBody, &e.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		e.NextRetryAt = timePtr(nextRetryAt)
		e.ProcessedAt = timePtr(processedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) CountWebhooksByStatus(ctx context.Context, status models.WebhookStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE status = ?`, status).Scan(&count)
	return count, err
}

// --- helpers ---

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
