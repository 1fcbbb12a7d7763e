package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/video-publisher/internal/worker/domain"
	"github.com/cuongbtq/video-publisher/internal/worker/feed"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorage(sqlx.NewDb(sqlDB, "postgres"), logger), mock
}

var (
	selectCredential = regexp.QuoteMeta("FROM youtube_channel_credentials WHERE id::text = $1")
	claimRequest     = regexp.QuoteMeta("SET publish_status = $1, publish_worker_id = $2")
	recordSuccess    = regexp.QuoteMeta("SET youtube_id = $1, publish_status = $2")
	recordFailure    = regexp.QuoteMeta("SET publish_status = $1, publish_error_kind = $2")
	pendingRecords   = regexp.QuoteMeta("SELECT v.created_at, v.id::text AS id, row_to_json(v)::text AS payload FROM youtube_video v")
)

func TestGetChannelCredential(t *testing.T) {
	t.Run("found with null columns", func(t *testing.T) {
		s, mock := newTestStorage(t)

		rows := sqlmock.NewRows([]string{"id", "user_login_email", "user_password", "user_recovery_email", "name"}).
			AddRow("7", "owner@example.com", "secret", nil, "My Channel")
		mock.ExpectQuery(selectCredential).WithArgs("7").WillReturnRows(rows)

		cred, err := s.GetChannelCredential(context.Background(), "7")
		require.NoError(t, err)
		assert.Equal(t, &domain.ChannelCredential{
			ID:         "7",
			LoginEmail: "owner@example.com",
			Password:   "secret",
			Name:       "My Channel",
		}, cred)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectQuery(selectCredential).WithArgs("8").WillReturnError(sql.ErrNoRows)

		cred, err := s.GetChannelCredential(context.Background(), "8")
		assert.Nil(t, cred)

		var notFound *domain.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "8", notFound.ID)
	})

	t.Run("driver failure is transient", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectQuery(selectCredential).WithArgs("9").WillReturnError(errors.New("connection reset"))

		_, err := s.GetChannelCredential(context.Background(), "9")

		var transient *domain.TransientError
		require.ErrorAs(t, err, &transient)
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestClaimRequest(t *testing.T) {
	t.Run("claims pending request", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectExec(claimRequest).
			WithArgs(domain.StatusRunning, "worker-1", "42", domain.StatusPending).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.ClaimRequest(context.Background(), "42", "worker-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already claimed", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectExec(claimRequest).WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.ClaimRequest(context.Background(), "42", "worker-1")
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	})

	t.Run("driver failure is transient", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectExec(claimRequest).WillReturnError(errors.New("timeout"))

		err := s.ClaimRequest(context.Background(), "42", "worker-1")
		var transient *domain.TransientError
		assert.ErrorAs(t, err, &transient)
	})
}

func TestRecordSuccess(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "writes reference for the claiming worker", affected: 1},
		{name: "second terminal write is rejected", affected: 0, wantErr: domain.ErrNotRunning},
		{name: "row claimed by another worker is rejected", affected: 0, wantErr: domain.ErrNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			mock.ExpectExec(recordSuccess+`.*`+regexp.QuoteMeta("AND publish_worker_id = $5")).
				WithArgs("abc123", domain.StatusPublished, "42", domain.StatusRunning, "worker-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := s.RecordSuccess(context.Background(), "42", "worker-1", "abc123")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecordFailure(t *testing.T) {
	ownerGuard := regexp.QuoteMeta("OR (publish_status = $6::text AND publish_worker_id = $7))")

	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "pending or owned row is marked failed", affected: 1},
		{name: "row running under another worker is left alone", affected: 0, wantErr: domain.ErrNotRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStorage(t)
			mock.ExpectExec(recordFailure+`.*`+ownerGuard).
				WithArgs(domain.StatusFailed, domain.KindNotFound, "channel credential 7 not found", "42",
					domain.StatusPending, domain.StatusRunning, "worker-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := s.RecordFailure(context.Background(), "42", "worker-1", domain.KindNotFound, "channel credential 7 not found")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("driver failure is transient", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectExec(recordFailure).WillReturnError(errors.New("connection reset"))

		err := s.RecordFailure(context.Background(), "42", "worker-1", domain.KindTransient, "boom")
		var transient *domain.TransientError
		assert.ErrorAs(t, err, &transient)
	})
}

func TestPendingRecords(t *testing.T) {
	columns := []string{"created_at", "id", "payload"}
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("decodes rows and advances the cursor", func(t *testing.T) {
		s, mock := newTestStorage(t)

		rows := sqlmock.NewRows(columns).
			AddRow(t0, "42", `{"id":42,"channel_id":"7","file_identifier":"https://cdn/x.mp4"}`).
			AddRow(t0, "420", `not-json`).
			AddRow(t0.Add(time.Second), "43", `{"id":43,"channel_id":"7"}`)
		mock.ExpectQuery(pendingRecords).
			WithArgs(domain.StatusPending, time.Time{}, "", 100).
			WillReturnRows(rows)

		records, next, err := s.PendingRecords(context.Background(), feed.Cursor{}, 100)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, json.Number("42"), records[0]["id"])
		assert.Equal(t, json.Number("43"), records[1]["id"])
		assert.Equal(t, feed.Cursor{CreatedAt: t0.Add(time.Second), ID: "43"}, next)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("undecodable rows still advance the cursor", func(t *testing.T) {
		s, mock := newTestStorage(t)

		after := feed.Cursor{CreatedAt: t0, ID: "42"}
		rows := sqlmock.NewRows(columns).AddRow(t0, "44", `not-json`)
		mock.ExpectQuery(pendingRecords).
			WithArgs(domain.StatusPending, t0, "42", 1).
			WillReturnRows(rows)

		records, next, err := s.PendingRecords(context.Background(), after, 1)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Equal(t, feed.Cursor{CreatedAt: t0, ID: "44"}, next)
	})

	t.Run("empty page keeps the cursor", func(t *testing.T) {
		s, mock := newTestStorage(t)

		after := feed.Cursor{CreatedAt: t0, ID: "43"}
		mock.ExpectQuery(pendingRecords).
			WithArgs(domain.StatusPending, t0, "43", 100).
			WillReturnRows(sqlmock.NewRows(columns))

		records, next, err := s.PendingRecords(context.Background(), after, 100)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Equal(t, after, next)
	})

	t.Run("driver failure is transient", func(t *testing.T) {
		s, mock := newTestStorage(t)
		mock.ExpectQuery(pendingRecords).WillReturnError(errors.New("connection refused"))

		_, _, err := s.PendingRecords(context.Background(), feed.Cursor{}, 100)
		var transient *domain.TransientError
		assert.ErrorAs(t, err, &transient)
	})
}
