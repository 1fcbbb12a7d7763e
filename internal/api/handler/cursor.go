package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/video-publisher/internal/api/storage"
)

var errInvalidCursor = errors.New("invalid cursor")

// DecodeRequestCursor parses an opaque next_cursor value. An empty string
// means the first page.
func DecodeRequestCursor(cursorStr string) (*storage.RequestCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCursor, err)
	}

	createdAt, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: want <created_at>|<id>", errInvalidCursor)
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", errInvalidCursor, err)
	}

	return &storage.RequestCursor{
		CreatedAt: ts.UTC(),
		ID:        id,
	}, nil
}

// EncodeRequestCursor is the inverse of DecodeRequestCursor
func EncodeRequestCursor(cursor *storage.RequestCursor) string {
	raw := cursor.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + cursor.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}
