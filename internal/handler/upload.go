package handler

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"circuitlab-backend/internal/models"
	"circuitlab-backend/internal/queue/rabbitmq"
	minioclient "circuitlab-backend/internal/storage/minio"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const MaxUploadSize = 10 << 20 // 10MB

const thumbnailWidth = 320

type UploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// UploadImage is the intake of the processing pipeline: validate, store the
// photo, persist a pending record, enqueue the analysis task. The analysis
// itself runs in the worker; this handler returns as soon as the task is
// queued.
func (h *Handler) UploadImage(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	experimentID, err := uuid.Parse(c.PostForm("experiment_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid experiment_id is required"})
		return
	}

	// Set max upload size
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get file from request"})
		return
	}
	defer file.Close()

	// Validate file extension first
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only .jpg, .jpeg, and .png extensions are allowed"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/jpeg") && !strings.HasPrefix(contentType, "image/png") {
		// Fall back to the extension when the header is missing or odd.
		if ext == ".png" {
			contentType = "image/png"
		} else {
			contentType = "image/jpeg"
		}
	}

	imageID := uuid.New()
	objectName := fmt.Sprintf("%s%s", imageID.String(), ext)
	storageKey := fmt.Sprintf("%s/%s", minioclient.BucketRaw, objectName)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	// The thumbnail pass also proves the upload really decodes as an image.
	img, err := imaging.Decode(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is not a valid image"})
		return
	}

	var original bytes.Buffer
	if err := imaging.Encode(&original, img, formatForExt(ext)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to re-encode image"})
		return
	}
	if _, err := h.minioClient.UploadFile(ctx, minioclient.BucketRaw, objectName, &original, int64(original.Len()), contentType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to upload file: %v", err)})
		return
	}

	thumbKey := ""
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	var thumbBuf bytes.Buffer
	if err := png.Encode(&thumbBuf, thumb); err == nil {
		thumbObject := imageID.String() + ".png"
		if _, err := h.minioClient.UploadFile(ctx, minioclient.BucketThumbnails, thumbObject, &thumbBuf, int64(thumbBuf.Len()), "image/png"); err == nil {
			thumbKey = fmt.Sprintf("%s/%s", minioclient.BucketThumbnails, thumbObject)
		}
	}

	record := &models.CircuitImage{
		ID:               imageID,
		ExperimentID:     experimentID,
		OwnerID:          user.ID,
		StorageKey:       storageKey,
		ThumbnailKey:     thumbKey,
		OriginalFilename: header.Filename,
		Status:           models.ImageStatusPending,
	}
	if err := h.imageStore.Create(ctx, record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to save to database: %v", err)})
		return
	}

	if err := h.rabbitClient.PublishTask(rabbitmq.AnalysisTask{ImageID: imageID.String()}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to queue analysis: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{
		ID:       imageID.String(),
		Filename: header.Filename,
		Status:   string(models.ImageStatusPending),
		Message:  "Image uploaded successfully and queued for analysis",
	})
}

func formatForExt(ext string) imaging.Format {
	if ext == ".png" {
		return imaging.PNG
	}
	return imaging.JPEG
}
