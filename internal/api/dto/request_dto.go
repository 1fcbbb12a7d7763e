package dto

type ListRequestsRequest struct {
	Status    string `form:"status"`
	ChannelID string `form:"channel_id"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListRequestsResponse struct {
	Requests   []PublishRequestDTO `json:"requests"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type PublishRequestDTO struct {
	ID             string   `json:"id"`
	ProcessID      string   `json:"process_id"`
	ChannelID      string   `json:"channel_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Tags           []string `json:"tags"`
	Category       string   `json:"category,omitempty"`
	FileIdentifier string   `json:"file_identifier"`
	ThumbnailID    string   `json:"thumbnail_identifier,omitempty"`
	PrivacyStatus  string   `json:"privacy_status"`
	YoutubeID      string   `json:"youtube_id,omitempty"`
	Status         string   `json:"status"`
	Error          string   `json:"error,omitempty"`
	ErrorKind      string   `json:"error_kind,omitempty"`
	WorkerID       string   `json:"worker_id,omitempty"`
	StartedAt      string   `json:"started_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

type RetryResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
