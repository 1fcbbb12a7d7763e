package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/video-publisher/internal/api/domain"
	"github.com/cuongbtq/video-publisher/internal/api/model"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
)

// requestColumns maps nullable columns to empty values for model.PublishRequest
const requestColumns = `
	id::text AS id,
	COALESCE(process_id::text, '') AS process_id,
	COALESCE(channel_id::text, '') AS channel_id,
	COALESCE(youtube_title, '') AS youtube_title,
	COALESCE(youtube_description, '') AS youtube_description,
	COALESCE(youtube_keywords, '') AS youtube_keywords,
	COALESCE(youtube_category::text, '') AS youtube_category,
	COALESCE(file_identifier, '') AS file_identifier,
	COALESCE(thumbnail_identifier, '') AS thumbnail_identifier,
	COALESCE(youtube_privacy_status, '') AS youtube_privacy_status,
	COALESCE(youtube_id, '') AS youtube_id,
	COALESCE(publish_status, 'PENDING') AS publish_status,
	COALESCE(publish_error, '') AS publish_error,
	COALESCE(publish_error_kind, '') AS publish_error_kind,
	COALESCE(publish_worker_id, '') AS publish_worker_id,
	publish_started_at,
	publish_completed_at,
	created_at
`

// DefaultStaleAfter is used when no stale interval is configured
const DefaultStaleAfter = 6 * time.Hour

type Storage struct {
	db         *sqlx.DB
	staleAfter time.Duration
}

// NewStorage creates a new Storage. RUNNING rows claimed longer than
// staleAfter ago are treated as abandoned by their worker.
func NewStorage(db *sqlx.DB, staleAfter time.Duration) *Storage {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Storage{
		db:         db,
		staleAfter: staleAfter,
	}
}

func (s *Storage) GetRequest(ctx context.Context, id string) (*model.PublishRequest, error) {
	var req model.PublishRequest
	query := `SELECT ` + requestColumns + ` FROM youtube_video WHERE id::text = $1`

	err := s.db.GetContext(ctx, &req, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get publish request: %w", err)
	}

	return &req, nil
}

type RequestFilter struct {
	Status    string
	ChannelID string
	PageSize  int
	Cursor    *RequestCursor
}

type RequestCursor struct {
	CreatedAt time.Time
	ID        string
}

func (s *Storage) ListRequests(ctx context.Context, filter RequestFilter) ([]model.PublishRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM youtube_video WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.Status != "" {
		query += fmt.Sprintf(" AND COALESCE(publish_status, 'PENDING') = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.ChannelID != "" {
		query += fmt.Sprintf(" AND channel_id::text = $%d", argIdx)
		args = append(args, filter.ChannelID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id::text) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id::text DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var requests []model.PublishRequest
	err := s.db.SelectContext(ctx, &requests, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish requests: %w", err)
	}

	return requests, nil
}

// ResetForRetry moves a FAILED request, or a RUNNING one whose claim is older
// than the stale interval, back to PENDING and returns the row in change event
// shape, ready to be emitted again
func (s *Storage) ResetForRetry(ctx context.Context, id string) (map[string]any, error) {
	query := `
		UPDATE youtube_video AS v
		SET publish_status = $1,
		    publish_error = NULL,
		    publish_error_kind = NULL,
		    publish_worker_id = NULL,
		    publish_started_at = NULL,
		    publish_completed_at = NULL
		WHERE v.id::text = $2
		  AND (v.publish_status = $3
		       OR (v.publish_status = $4
		           AND v.publish_started_at < NOW() - make_interval(secs => $5)))
		RETURNING row_to_json(v)::text
	`

	var payload string
	err := s.db.GetContext(ctx, &payload, query,
		domain.StatusPending, id, domain.StatusFailed, domain.StatusRunning, s.staleAfter.Seconds())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to reset publish request: %w", err)
		}

		// Distinguish a missing row from one in another status
		if _, getErr := s.GetRequest(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrNotRetryable
	}

	record, err := feed.DecodeRecord([]byte(payload))
	if err != nil {
		return nil, err
	}

	return record, nil
}
