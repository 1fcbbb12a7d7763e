package domain

import (
	"errors"
)

// Publish status values of youtube_video.publish_status
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"
)

var (
	ErrRequestNotFound = errors.New("publish request not found")
	ErrNotRetryable    = errors.New("publish request is neither FAILED nor stale RUNNING")
)

// ValidStatus reports whether s is a known publish status
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusRunning, StatusPublished, StatusFailed:
		return true
	}
	return false
}
