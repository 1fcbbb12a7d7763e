package domain

// Publish status values stored in youtube_video.publish_status
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusPublished = "PUBLISHED"
	StatusFailed    = "FAILED"
)

// Error kinds recorded in youtube_video.publish_error_kind
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindTransient  = "transient"
	KindDispatch   = "dispatch"
)

// Visibility is the desired publish visibility of a video
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityPrivate  Visibility = "PRIVATE"
	VisibilityUnlisted Visibility = "UNLISTED"
)

// Valid reports whether v is one of the known visibility values
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityUnlisted:
		return true
	}
	return false
}
