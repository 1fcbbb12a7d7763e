package dispatch

import (
	"context"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
)

// Credentials is the login bundle handed to the external publish operation
type Credentials struct {
	Email         string `json:"email"`
	Password      string `json:"pass"`
	RecoveryEmail string `json:"recoveryemail"`
}

// Video describes one media item submitted to the external publish operation
type Video struct {
	Path               string            `json:"path"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Tags               []string          `json:"tags"`
	Language           string            `json:"language"`
	Playlist           string            `json:"playlist"`
	ChannelName        string            `json:"channelName"`
	Category           string            `json:"category,omitempty"`
	ThumbnailURL       string            `json:"thumbnail,omitempty"`
	Visibility         domain.Visibility `json:"publishType"`
	UploadAsDraft      bool              `json:"uploadAsDraft"`
	IsAgeRestriction   bool              `json:"isAgeRestriction"`
	IsNotForKid        bool              `json:"isNotForKid"`
	IsChannelMonetized bool              `json:"isChannelMonetized"`
	SkipProcessingWait bool              `json:"skipProcessingWait"`

	// Callbacks. OnProgress may fire any number of times before exactly one of
	// OnSuccess or OnFailure.
	OnProgress func(progress float64) `json:"-"`
	OnSuccess  func(reference string) `json:"-"`
	OnFailure  func(err error)        `json:"-"`
}

// Options is the launch options bundle of the external publish operation
type Options struct {
	Headless    bool     `json:"headless"`
	BrowserArgs []string `json:"args,omitempty"`
}

// Uploader is the opaque external publish operation. A returned error is a
// fault raised while submitting; otherwise the outcome arrives through the
// video callbacks, possibly after Upload has returned.
type Uploader interface {
	Upload(ctx context.Context, creds Credentials, videos []Video, opts Options) error
}
