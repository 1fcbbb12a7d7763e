// Package normalize turns raw change-feed records into validated jobs.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/video-publisher/internal/worker/domain"
)

// Record field names as they appear in the youtube_video change payload
const (
	FieldID          = "id"
	FieldProcessID   = "process_id"
	FieldChannelID   = "channel_id"
	FieldTitle       = "youtube_title"
	FieldDescription = "youtube_description"
	FieldKeywords    = "youtube_keywords"
	FieldCategory    = "youtube_category"
	FieldMedia       = "file_identifier"
	FieldThumbnail   = "thumbnail_identifier"
	FieldPrivacy     = "youtube_privacy_status"
	FieldCreatedAt   = "created_at"
)

// RequestID extracts the request id from a raw record. It is used before full
// normalization so that validation failures can still be recorded.
func RequestID(record map[string]any) (string, error) {
	return requiredID(record, FieldID)
}

// Normalize validates a raw record and builds a Job from it
func Normalize(record map[string]any) (*domain.Job, error) {
	if record == nil {
		return nil, domain.NewValidationError("", "empty payload")
	}

	id, err := requiredID(record, FieldID)
	if err != nil {
		return nil, err
	}

	channelID, err := requiredID(record, FieldChannelID)
	if err != nil {
		return nil, err
	}

	processID, err := optionalID(record, FieldProcessID)
	if err != nil {
		return nil, err
	}
	if processID == "" {
		processID = id
	}
	if !safeSegment(processID) {
		return nil, domain.NewValidationError(FieldProcessID, fmt.Sprintf("%q is not a safe file name", processID))
	}

	mediaURL, err := requiredString(record, FieldMedia)
	if err != nil {
		return nil, err
	}

	title, err := requiredString(record, FieldTitle)
	if err != nil {
		return nil, err
	}

	description, err := optionalString(record, FieldDescription)
	if err != nil {
		return nil, err
	}

	keywords, err := optionalString(record, FieldKeywords)
	if err != nil {
		return nil, err
	}

	category, err := optionalID(record, FieldCategory)
	if err != nil {
		return nil, err
	}

	thumbnail, err := optionalString(record, FieldThumbnail)
	if err != nil {
		return nil, err
	}

	privacy, err := optionalString(record, FieldPrivacy)
	if err != nil {
		return nil, err
	}
	visibility, err := ParseVisibility(privacy)
	if err != nil {
		return nil, err
	}

	createdAt, err := parseCreatedAt(record)
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		RequestID:    id,
		ProcessID:    processID,
		ChannelID:    channelID,
		Title:        title,
		Description:  description,
		Tags:         ParseTags(keywords),
		Category:     category,
		MediaURL:     mediaURL,
		ThumbnailURL: thumbnail,
		Visibility:   visibility,
		CreatedAt:    createdAt,
	}, nil
}

// ParseTags splits a comma separated keyword string into trimmed, non-empty,
// de-duplicated tags in first-seen order
func ParseTags(keywords string) []string {
	tags := []string{}
	seen := make(map[string]struct{})
	for _, part := range strings.Split(keywords, ",") {
		tag := strings.TrimSpace(part)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// ParseVisibility maps a privacy status such as "public" to a Visibility
func ParseVisibility(raw string) (domain.Visibility, error) {
	v := domain.Visibility(strings.ToUpper(strings.TrimSpace(raw)))
	if !v.Valid() {
		return "", domain.NewValidationError(FieldPrivacy, fmt.Sprintf("unknown visibility %q (want public, private or unlisted)", raw))
	}
	return v, nil
}

func requiredID(record map[string]any, field string) (string, error) {
	v, err := optionalID(record, field)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", domain.NewValidationError(field, "is required")
	}
	return v, nil
}

// maxExactFloatID is the largest magnitude a float64 holds without losing
// integer precision
const maxExactFloatID = 1 << 53

// optionalID accepts strings and integral numbers. JSON numbers decode as
// float64 or json.Number depending on the decoder.
func optionalID(record map[string]any, field string) (string, error) {
	raw, ok := record[field]
	if !ok || raw == nil {
		return "", nil
	}

	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		if _, err := v.Int64(); err != nil {
			return "", domain.NewValidationError(field, fmt.Sprintf("%q is not an integer", v.String()))
		}
		return v.String(), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return "", domain.NewValidationError(field, fmt.Sprintf("%v is not an integer", v))
		}
		if math.Abs(v) > maxExactFloatID {
			return "", domain.NewValidationError(field, fmt.Sprintf("%v is too large to be read exactly", v))
		}
		return strconv.FormatInt(int64(v), 10), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", domain.NewValidationError(field, fmt.Sprintf("unexpected type %T", raw))
	}
}

func requiredString(record map[string]any, field string) (string, error) {
	v, err := optionalString(record, field)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", domain.NewValidationError(field, "is required")
	}
	return v, nil
}

func optionalString(record map[string]any, field string) (string, error) {
	raw, ok := record[field]
	if !ok || raw == nil {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", domain.NewValidationError(field, fmt.Sprintf("expected string, got %T", raw))
	}
	return v, nil
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

func parseCreatedAt(record map[string]any) (time.Time, error) {
	raw, err := optionalString(record, FieldCreatedAt)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.NewValidationError(FieldCreatedAt, fmt.Sprintf("unparseable timestamp %q", raw))
}

func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.ContainsRune(s, 0)
}
