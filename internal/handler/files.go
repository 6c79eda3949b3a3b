package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	minioclient "circuitlab-backend/internal/storage/minio"

	"github.com/gin-gonic/gin"
)

// ServeFile streams a stored object. It exists so the external detector can
// fetch uploads through PUBLIC_BASE_URL without MinIO credentials; only the
// known image buckets are reachable and only by exact key.
func (h *Handler) ServeFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	bucket, object, ok := splitKey(key)
	if !ok || strings.Contains(object, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file key"})
		return
	}

	switch bucket {
	case minioclient.BucketRaw, minioclient.BucketThumbnails, minioclient.BucketAnnotated:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	info, err := h.minioClient.StatFile(ctx, bucket, object)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	obj, err := h.minioClient.DownloadFile(ctx, bucket, object)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	defer obj.Close()

	c.Header("Content-Type", info.ContentType)
	c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
	c.Status(http.StatusOK)
	io.Copy(c.Writer, obj)
}
