package handler

import (
	"context"
	"io"
	"time"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/internal/queue/rabbitmq"
	redisclient "circuitlab-backend/pkg/database/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
)

// ObjectStorage is the slice of the MinIO client the handlers use.
type ObjectStorage interface {
	UploadFile(ctx context.Context, bucket, object string, reader io.Reader, size int64, contentType string) (minio.UploadInfo, error)
	DownloadFile(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	StatFile(ctx context.Context, bucket, object string) (minio.ObjectInfo, error)
	GetFileLink(ctx context.Context, bucket, object string, expires time.Duration) (string, error)
}

type Handler struct {
	imageStore    *images.Store
	conversations conversation.Service
	minioClient   ObjectStorage
	rabbitClient  *rabbitmq.Client
	redisClient   *redisclient.Client
}

func NewHandler(imageStore *images.Store, conversations conversation.Service, storage ObjectStorage, rabbit *rabbitmq.Client, redis *redisclient.Client) *Handler {
	return &Handler{
		imageStore:    imageStore,
		conversations: conversations,
		minioClient:   storage,
		rabbitClient:  rabbit,
		redisClient:   redis,
	}
}

// identity pulls the authenticated participant out of the gin context, where
// the auth middleware put it.
func identity(c *gin.Context) (models.Participant, bool) {
	idVal, ok := c.Get("user_id")
	if !ok {
		return models.Participant{}, false
	}
	userID, ok := idVal.(uuid.UUID)
	if !ok {
		return models.Participant{}, false
	}
	role := models.SenderRole(c.GetString("role"))
	if !role.Valid() {
		role = models.RoleStudent
	}
	return models.Participant{ID: userID, Role: role}, true
}
