package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/video-publisher/internal/api/domain"
	"github.com/cuongbtq/video-publisher/internal/api/dto"
	"github.com/cuongbtq/video-publisher/internal/api/model"
	"github.com/cuongbtq/video-publisher/internal/api/storage"
	"github.com/cuongbtq/video-publisher/internal/worker/normalize"
)

// GetRequest handles GET /api/v1/requests/:id
// Retrieves one publish request with its publish state
func (h *RequestHandler) GetRequest(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "id is required",
		})
		return
	}

	req, err := h.storage.GetRequest(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Publish request not found",
			})
			return
		}
		h.logger.Error("Failed to get publish request",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get publish request",
		})
		return
	}

	c.JSON(http.StatusOK, toDTO(req))
}

// ListRequests handles GET /api/v1/requests
// Lists publish requests with optional status/channel filters and cursor pagination
func (h *RequestHandler) ListRequests(c *gin.Context) {
	var req dto.ListRequestsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	req.Status = strings.ToUpper(strings.TrimSpace(req.Status))
	if req.Status != "" && !domain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeRequestCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.RequestFilter{
		Status:    req.Status,
		ChannelID: req.ChannelID,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	}

	requests, err := h.storage.ListRequests(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list publish requests", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list publish requests",
		})
		return
	}

	// One extra row means there is another page
	hasMore := len(requests) > req.PageSize
	if hasMore {
		requests = requests[:req.PageSize]
	}

	response := dto.ListRequestsResponse{
		Requests: make([]dto.PublishRequestDTO, len(requests)),
	}
	for i := range requests {
		response.Requests[i] = toDTO(&requests[i])
	}

	if hasMore {
		last := requests[len(requests)-1]
		response.NextCursor = EncodeRequestCursor(&storage.RequestCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, response)
}

// RetryRequest handles POST /api/v1/requests/:id/retry
// Resets a FAILED request to PENDING and emits it to the change feed again
func (h *RequestHandler) RetryRequest(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	h.logger.Info("RetryRequest called",
		slog.String("id", id),
	)

	record, err := h.storage.ResetForRetry(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Publish request not found",
			})
		case errors.Is(err, domain.ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Only FAILED or stale RUNNING publish requests can be retried",
			})
		default:
			h.logger.Error("Failed to reset publish request",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to reset publish request",
			})
		}
		return
	}

	if err := h.emitter.Emit(c.Request.Context(), record); err != nil {
		// The row stays PENDING; a worker backfill or another retry picks it up
		h.logger.Error("Failed to emit publish request",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Publish request reset but could not be re-emitted",
		})
		return
	}

	h.logger.Info("Publish request re-emitted",
		slog.String("id", id),
	)

	c.JSON(http.StatusAccepted, dto.RetryResponse{
		ID:     id,
		Status: domain.StatusPending,
	})
}

func toDTO(req *model.PublishRequest) dto.PublishRequestDTO {
	out := dto.PublishRequestDTO{
		ID:             req.ID,
		ProcessID:      req.ProcessID,
		ChannelID:      req.ChannelID,
		Title:          req.Title,
		Description:    req.Description,
		Tags:           normalize.ParseTags(req.Keywords),
		Category:       req.Category,
		FileIdentifier: req.FileIdentifier,
		ThumbnailID:    req.ThumbnailID,
		PrivacyStatus:  req.PrivacyStatus,
		YoutubeID:      req.YoutubeID,
		Status:         req.Status,
		Error:          req.Error,
		ErrorKind:      req.ErrorKind,
		WorkerID:       req.WorkerID,
		CreatedAt:      req.CreatedAt.Format(time.RFC3339),
	}
	if req.StartedAt != nil {
		out.StartedAt = req.StartedAt.Format(time.RFC3339)
	}
	if req.CompletedAt != nil {
		out.CompletedAt = req.CompletedAt.Format(time.RFC3339)
	}
	return out
}
