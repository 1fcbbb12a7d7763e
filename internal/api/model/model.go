package model

import "time"

type PublishRequest struct {
	ID             string     `db:"id"`
	ProcessID      string     `db:"process_id"`
	ChannelID      string     `db:"channel_id"`
	Title          string     `db:"youtube_title"`
	Description    string     `db:"youtube_description"`
	Keywords       string     `db:"youtube_keywords"`
	Category       string     `db:"youtube_category"`
	FileIdentifier string     `db:"file_identifier"`
	ThumbnailID    string     `db:"thumbnail_identifier"`
	PrivacyStatus  string     `db:"youtube_privacy_status"`
	YoutubeID      string     `db:"youtube_id"`
	Status         string     `db:"publish_status"`
	Error          string     `db:"publish_error"`
	ErrorKind      string     `db:"publish_error_kind"`
	WorkerID       string     `db:"publish_worker_id"`
	StartedAt      *time.Time `db:"publish_started_at"`
	CompletedAt    *time.Time `db:"publish_completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
}
