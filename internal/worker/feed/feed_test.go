package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantID     any
		wantErr    bool
		wantIgnore bool
	}{
		{
			name:   "insert with record",
			body:   `{"type":"INSERT","table":"youtube_video","record":{"id":42,"channel_id":"7"}}`,
			wantID: json.Number("42"),
		},
		{
			name:   "lowercase type with new",
			body:   `{"type":"insert","new":{"id":"abc"}}`,
			wantID: "abc",
		},
		{
			name:   "missing type is treated as insert",
			body:   `{"record":{"id":9007199254740993}}`,
			wantID: json.Number("9007199254740993"),
		},
		{
			name:       "update is ignored",
			body:       `{"type":"UPDATE","record":{"id":1}}`,
			wantErr:    true,
			wantIgnore: true,
		},
		{
			name:    "no record",
			body:    `{"type":"INSERT"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `not-json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := DecodeEnvelope([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantIgnore, errors.Is(err, ErrIgnored))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, record["id"])
		})
	}
}

func TestEncodeEnvelope_DecodesBack(t *testing.T) {
	body, err := EncodeEnvelope("youtube_video", map[string]any{"id": "42", "youtube_title": "Hello"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"INSERT","table":"youtube_video","record":{"id":"42","youtube_title":"Hello"}}`, string(body))

	record, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", record["youtube_title"])
}

func TestDecodeRecord(t *testing.T) {
	record, err := DecodeRecord([]byte(`{"id":42,"file_identifier":"https://cdn/x.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("42"), record["id"])

	_, err = DecodeRecord([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestEvent_AckNack(t *testing.T) {
	t.Run("without hooks", func(t *testing.T) {
		ev := NewEvent(SourcePostgres, map[string]any{"id": "1"}, nil, nil)
		assert.NoError(t, ev.Ack())
		assert.NoError(t, ev.Nack(true))
	})

	t.Run("with hooks", func(t *testing.T) {
		var acked bool
		var requeued *bool
		ev := NewEvent(SourceRabbitMQ, nil,
			func() error { acked = true; return nil },
			func(requeue bool) error { requeued = &requeue; return errors.New("nack failed") },
		)

		require.NoError(t, ev.Ack())
		assert.True(t, acked)

		// already acked; later settlements are dropped
		assert.NoError(t, ev.Nack(false))
		assert.Nil(t, requeued)
		assert.True(t, ev.Settled())
	})

	t.Run("nack reports hook error", func(t *testing.T) {
		var requeued *bool
		ev := NewEvent(SourceRabbitMQ, nil,
			func() error { return nil },
			func(requeue bool) error { requeued = &requeue; return errors.New("nack failed") },
		)

		assert.EqualError(t, ev.Nack(false), "nack failed")
		require.NotNil(t, requeued)
		assert.False(t, *requeued)
	})
}

func TestEvent_SettlesOnce(t *testing.T) {
	tests := []struct {
		name     string
		settle   func(ev Event)
		wantAcks int
		wantNack int
	}{
		{
			name:     "double ack",
			settle:   func(ev Event) { _ = ev.Ack(); _ = ev.Ack() },
			wantAcks: 1,
		},
		{
			name:     "ack then nack on a copy",
			settle:   func(ev Event) { cp := ev; _ = ev.Ack(); _ = cp.Nack(true) },
			wantAcks: 1,
		},
		{
			name:     "nack then ack",
			settle:   func(ev Event) { _ = ev.Nack(false); _ = ev.Ack() },
			wantNack: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acks, nacks int
			ev := NewEvent(SourceRabbitMQ, nil,
				func() error { acks++; return nil },
				func(bool) error { nacks++; return nil },
			)

			tt.settle(ev)

			assert.Equal(t, tt.wantAcks, acks)
			assert.Equal(t, tt.wantNack, nacks)
		})
	}
}

func TestPostgresEmitter_Emit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emitter := NewPostgresEmitter(sqlx.NewDb(db, "sqlmock"), "youtube_video_events", "youtube_video")

	payload, err := EncodeEnvelope("youtube_video", map[string]any{"id": "42"})
	require.NoError(t, err)

	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
		WithArgs("youtube_video_events", string(payload)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, emitter.Emit(context.Background(), map[string]any{"id": "42"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEmitter_EmitError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emitter := NewPostgresEmitter(sqlx.NewDb(db, "sqlmock"), "youtube_video_events", "youtube_video")

	mock.ExpectExec(`SELECT pg_notify`).WillReturnError(errors.New("connection reset"))

	err = emitter.Emit(context.Background(), map[string]any{"id": "42"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
