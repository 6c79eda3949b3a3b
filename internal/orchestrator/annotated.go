package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	minioclient "circuitlab-backend/internal/storage/minio"

	"github.com/google/uuid"
)

// MinioAnnotatedStore keeps annotated detector output in object storage, one
// object per image record.
type MinioAnnotatedStore struct {
	client *minioclient.Client
}

func NewMinioAnnotatedStore(client *minioclient.Client) *MinioAnnotatedStore {
	return &MinioAnnotatedStore{client: client}
}

// UploadAnnotated moves the downloaded annotated file into the annotated
// bucket and removes the local copy.
func (s *MinioAnnotatedStore) UploadAnnotated(ctx context.Context, imageID uuid.UUID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open annotated file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat annotated file: %w", err)
	}

	ext := filepath.Ext(localPath)
	objectName := imageID.String() + ext
	contentType := "image/jpeg"
	if ext == ".png" {
		contentType = "image/png"
	}

	if _, err := s.client.UploadFile(ctx, minioclient.BucketAnnotated, objectName, f, info.Size(), contentType); err != nil {
		return "", err
	}

	if err := os.Remove(localPath); err != nil {
		// The temp file will be cleaned up with the output dir eventually.
		return objectName, nil
	}
	return objectName, nil
}

// AnnotatedLink presigns a short-lived download URL for an annotated object.
func (s *MinioAnnotatedStore) AnnotatedLink(ctx context.Context, key string) (string, error) {
	return s.client.GetFileLink(ctx, minioclient.BucketAnnotated, key, 15*time.Minute)
}
