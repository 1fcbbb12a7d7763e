package domain

import (
	"log/slog"
	"time"
)

// ChannelCredential holds the login material for one publishing channel
type ChannelCredential struct {
	ID            string `db:"id"`
	LoginEmail    string `db:"user_login_email"`
	Password      string `db:"user_password"`
	RecoveryEmail string `db:"user_recovery_email"`
	Name          string `db:"name"`
}

// LogValue keeps secrets out of the logs
func (c ChannelCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("name", c.Name),
		slog.String("login", c.LoginEmail),
		slog.Bool("has_password", c.Password != ""),
	)
}

// Job is the normalized unit of work for one pipeline run
type Job struct {
	RequestID    string
	ProcessID    string
	ChannelID    string
	Title        string
	Description  string
	Tags         []string
	Category     string
	MediaURL     string
	ThumbnailURL string
	Visibility   Visibility
	CreatedAt    time.Time

	// Set by the pipeline once the stages before dispatch succeed
	LocalPath  string
	Credential *ChannelCredential
}

// Outcome is the terminal result of one pipeline run
type Outcome struct {
	RequestID string        `json:"request_id"`
	ProcessID string        `json:"process_id,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	Status    string        `json:"status"`
	Reference string        `json:"reference,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	WorkerID  string        `json:"worker_id"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}
