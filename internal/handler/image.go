package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/internal/queue/rabbitmq"
	minioclient "circuitlab-backend/internal/storage/minio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ImageResponse struct {
	ID               string                     `json:"id"`
	ExperimentID     string                     `json:"experiment_id"`
	OriginalFilename string                     `json:"original_filename"`
	Status           string                     `json:"status"`
	Components       []models.DetectedComponent `json:"components,omitempty"`
	Feedback         string                     `json:"feedback,omitempty"`
	DownloadURL      string                     `json:"download_url,omitempty"`
	AnnotatedURL     string                     `json:"annotated_url,omitempty"`
	ThumbnailURL     string                     `json:"thumbnail_url,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
}

func (h *Handler) GetImage(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	imageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image ID format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	cacheKey := fmt.Sprintf("image:%s", imageID.String())

	// Check Redis cache first
	if cachedData, err := h.redisClient.Get(ctx, cacheKey); err == nil {
		var entry cachedImage
		if err := json.Unmarshal([]byte(cachedData), &entry); err == nil {
			// Presigned URLs expire, regenerate them
			h.attachLinks(ctx, &entry)
			c.JSON(http.StatusOK, entry.ImageResponse)
			return
		}
	}

	img, err := h.imageStore.Get(ctx, imageID)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load image"})
		return
	}

	// Students see only their own uploads.
	if user.Role == models.RoleStudent && img.OwnerID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your upload"})
		return
	}

	entry := cachedImage{
		ImageResponse: ImageResponse{
			ID:               img.ID.String(),
			ExperimentID:     img.ExperimentID.String(),
			OriginalFilename: img.OriginalFilename,
			Status:           string(img.Status),
			Components:       img.Components,
			Feedback:         img.Feedback,
			CreatedAt:        img.CreatedAt,
			UpdatedAt:        img.UpdatedAt,
		},
		StorageKey:   img.StorageKey,
		ThumbnailKey: img.ThumbnailKey,
		AnnotatedKey: img.AnnotatedKey,
	}
	h.attachLinks(ctx, &entry)

	// Cache the result in Redis (TTL: 10 minutes)
	entryBytes, _ := json.Marshal(entry)
	_ = h.redisClient.Set(ctx, cacheKey, string(entryBytes), 10*time.Minute)

	c.JSON(http.StatusOK, entry.ImageResponse)
}

// ReprocessImage explicitly restarts the pipeline for a record. This is the
// only path by which a terminal status moves back to processing.
func (h *Handler) ReprocessImage(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	imageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image ID format"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	img, err := h.imageStore.Get(ctx, imageID)
	if err != nil {
		if errors.Is(err, images.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load image"})
		return
	}
	if user.Role == models.RoleStudent && img.OwnerID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your upload"})
		return
	}

	if err := h.rabbitClient.PublishTask(rabbitmq.AnalysisTask{ImageID: imageID.String()}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to queue analysis: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":      imageID.String(),
		"message": "Image queued for reprocessing",
	})
}

// ListImages returns the caller's uploads for an experiment.
func (h *Handler) ListImages(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	experimentID, err := uuid.Parse(c.Query("experiment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid experiment_id query parameter is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	imgs, err := h.imageStore.ListByExperiment(ctx, experimentID, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list images"})
		return
	}

	responses := make([]ImageResponse, 0, len(imgs))
	for i := range imgs {
		img := &imgs[i]
		entry := cachedImage{
			ImageResponse: ImageResponse{
				ID:               img.ID.String(),
				ExperimentID:     img.ExperimentID.String(),
				OriginalFilename: img.OriginalFilename,
				Status:           string(img.Status),
				Feedback:         img.Feedback,
				CreatedAt:        img.CreatedAt,
				UpdatedAt:        img.UpdatedAt,
			},
			StorageKey:   img.StorageKey,
			ThumbnailKey: img.ThumbnailKey,
			AnnotatedKey: img.AnnotatedKey,
		}
		h.attachLinks(ctx, &entry)
		responses = append(responses, entry.ImageResponse)
	}

	c.JSON(http.StatusOK, gin.H{"images": responses})
}

// cachedImage is the Redis payload behind GetImage: the response plus the
// storage keys needed to re-presign its URLs after the links expire. The
// keys carry the real object names; the annotated object in particular keeps
// whatever extension the detector produced.
type cachedImage struct {
	ImageResponse
	StorageKey   string `json:"storage_key,omitempty"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	AnnotatedKey string `json:"annotated_key,omitempty"`
}

// attachLinks presigns fresh URLs from the stored keys, replacing whatever
// URLs the entry carried.
func (h *Handler) attachLinks(ctx context.Context, entry *cachedImage) {
	entry.DownloadURL, entry.ThumbnailURL, entry.AnnotatedURL = "", "", ""
	if bucket, object, ok := splitKey(entry.StorageKey); ok {
		if url, err := h.minioClient.GetFileLink(ctx, bucket, object, 15*time.Minute); err == nil {
			entry.DownloadURL = url
		}
	}
	if bucket, object, ok := splitKey(entry.ThumbnailKey); ok {
		if url, err := h.minioClient.GetFileLink(ctx, bucket, object, 15*time.Minute); err == nil {
			entry.ThumbnailURL = url
		}
	}
	if entry.AnnotatedKey != "" {
		if url, err := h.minioClient.GetFileLink(ctx, minioclient.BucketAnnotated, entry.AnnotatedKey, 15*time.Minute); err == nil {
			entry.AnnotatedURL = url
		}
	}
}

func splitKey(key string) (bucket, object string, ok bool) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
