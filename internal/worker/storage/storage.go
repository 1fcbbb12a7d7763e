package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the publish worker: credential
// lookups, claiming requests and recording their terminal state
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type credentialRow struct {
	ID            string         `db:"id"`
	LoginEmail    sql.NullString `db:"user_login_email"`
	Password      sql.NullString `db:"user_password"`
	RecoveryEmail sql.NullString `db:"user_recovery_email"`
	Name          sql.NullString `db:"name"`
}

// GetChannelCredential looks up the credential of one channel.
// A missing row is a NotFoundError, anything else a TransientError.
func (s *Storage) GetChannelCredential(ctx context.Context, channelID string) (*domain.ChannelCredential, error) {
	query := `
		SELECT id::text AS id, user_login_email, user_password, user_recovery_email, name
		FROM youtube_channel_credentials
		WHERE id::text = $1
	`

	var row credentialRow
	if err := s.db.GetContext(ctx, &row, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("channel credential", channelID)
		}
		return nil, domain.NewTransientError("get channel credential", err)
	}

	return &domain.ChannelCredential{
		ID:            row.ID,
		LoginEmail:    row.LoginEmail.String,
		Password:      row.Password.String,
		RecoveryEmail: row.RecoveryEmail.String,
		Name:          row.Name.String,
	}, nil
}

// ClaimRequest moves a request from PENDING to RUNNING using optimistic locking.
// Redelivered events find the row already claimed and get ErrAlreadyClaimed.
func (s *Storage) ClaimRequest(ctx context.Context, requestID, workerID string) error {
	query := `
		UPDATE youtube_video
		SET publish_status = $1,
		    publish_worker_id = $2,
		    publish_started_at = NOW(),
		    publish_error = NULL,
		    publish_error_kind = NULL
		WHERE id::text = $3
		  AND COALESCE(publish_status, $4::text) = $4::text
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusRunning, workerID, requestID, domain.StatusPending)
	if err != nil {
		return domain.NewTransientError("claim publish request", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.NewTransientError("claim publish request", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim publish request - already claimed or not found",
			slog.String("request_id", requestID),
			slog.String("worker_id", workerID),
		)
		return domain.ErrAlreadyClaimed
	}

	s.logger.Info("Publish request claimed",
		slog.String("request_id", requestID),
		slog.String("worker_id", workerID),
	)

	return nil
}

// RecordSuccess stores the external reference id and marks the request
// PUBLISHED. Only the worker holding the claim may write it.
func (s *Storage) RecordSuccess(ctx context.Context, requestID, workerID, reference string) error {
	query := `
		UPDATE youtube_video
		SET youtube_id = $1,
		    publish_status = $2,
		    publish_completed_at = NOW()
		WHERE id::text = $3
		  AND publish_status = $4
		  AND publish_worker_id = $5
	`

	if err := s.execTerminal(ctx, query, reference, domain.StatusPublished, requestID, domain.StatusRunning, workerID); err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}

	s.logger.Info("Publish request recorded as published",
		slog.String("request_id", requestID),
		slog.String("reference", reference),
	)

	return nil
}

// RecordFailure marks the request FAILED with the error kind and reason.
// A RUNNING row is only written by the worker holding its claim.
func (s *Storage) RecordFailure(ctx context.Context, requestID, workerID, kind, reason string) error {
	query := `
		UPDATE youtube_video
		SET publish_status = $1,
		    publish_error_kind = $2,
		    publish_error = $3,
		    publish_completed_at = NOW()
		WHERE id::text = $4
		  AND (COALESCE(publish_status, $5::text) = $5::text
		       OR (publish_status = $6::text AND publish_worker_id = $7))
	`

	// PENDING is accepted so that requests rejected before their claim
	// (no usable claim, e.g. store outage) can still be marked failed.
	if err := s.execTerminal(ctx, query, domain.StatusFailed, kind, reason, requestID, domain.StatusPending, domain.StatusRunning, workerID); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	s.logger.Info("Publish request recorded as failed",
		slog.String("request_id", requestID),
		slog.String("kind", kind),
		slog.String("reason", reason),
	)

	return nil
}

type pendingRow struct {
	CreatedAt time.Time `db:"created_at"`
	ID        string    `db:"id"`
	Payload   string    `db:"payload"`
}

// PendingRecords returns up to limit unclaimed publish requests after the
// cursor, oldest first, in the same shape as a change event record. The
// returned cursor points at the last row of the page.
func (s *Storage) PendingRecords(ctx context.Context, after feed.Cursor, limit int) ([]map[string]any, feed.Cursor, error) {
	query := `
		SELECT v.created_at, v.id::text AS id, row_to_json(v)::text AS payload
		FROM youtube_video v
		WHERE COALESCE(v.publish_status, $1::text) = $1::text
		  AND (v.created_at, v.id::text) > ($2, $3)
		ORDER BY v.created_at ASC, v.id::text ASC
		LIMIT $4
	`

	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.StatusPending, after.CreatedAt, after.ID, limit); err != nil {
		return nil, after, domain.NewTransientError("list pending publish requests", err)
	}

	next := after
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		next = feed.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
		record, err := feed.DecodeRecord([]byte(row.Payload))
		if err != nil {
			s.logger.Warn("Skipping undecodable pending record",
				slog.String("request_id", row.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		records = append(records, record)
	}

	return records, next, nil
}

func (s *Storage) execTerminal(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.NewTransientError("record terminal state", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.NewTransientError("record terminal state", err)
	}

	if rowsAffected == 0 {
		return domain.ErrNotRunning
	}
	return nil
}
