package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/detector"
	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/internal/realtime"

	"github.com/google/uuid"
)

// ImageStore is the slice of the image record store the pipeline mutates.
type ImageStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.CircuitImage, error)
	SetProcessing(ctx context.Context, id uuid.UUID) error
	SaveResult(ctx context.Context, id uuid.UUID, components []models.DetectedComponent, feedback, annotatedKey string, status models.ImageStatus) error
	SaveFailure(ctx context.Context, id uuid.UUID, note string) error
}

// Detector runs the external analysis.
type Detector interface {
	Analyze(ctx context.Context, storageKey, outputDir string) (*detector.Result, error)
}

// Notifier pushes bot messages and legacy per-user events.
type Notifier interface {
	SendBotMessage(ctx context.Context, conversationID uuid.UUID, params conversation.AppendParams) (*models.Message, error)
	PushUserEvent(ctx context.Context, userID uuid.UUID, event string, payload any) error
}

// AnnotatedStore moves the detector's annotated output into object storage
// and produces download links for it.
type AnnotatedStore interface {
	UploadAnnotated(ctx context.Context, imageID uuid.UUID, localPath string) (string, error)
	AnnotatedLink(ctx context.Context, key string) (string, error)
}

// Orchestrator drives the processing pipeline for one uploaded circuit photo:
// pending -> processing -> {completed, needs_review, failed}. Runs are
// triggered by queue deliveries, tolerate re-delivery, and must always leave
// the record in a terminal state.
type Orchestrator struct {
	images        ImageStore
	conversations conversation.Service
	detector      Detector
	notifier      Notifier
	annotated     AnnotatedStore

	outputDir         string
	companionGuideURL string
}

func New(imgs ImageStore, convs conversation.Service, det Detector, notifier Notifier, annotated AnnotatedStore, outputDir, companionGuideURL string) *Orchestrator {
	return &Orchestrator{
		images:            imgs,
		conversations:     convs,
		detector:          det,
		notifier:          notifier,
		annotated:         annotated,
		outputDir:         outputDir,
		companionGuideURL: companionGuideURL,
	}
}

// Process runs the pipeline for one image record. A missing record is not an
// error: the upload was deleted between trigger and run. Any other failure,
// including a panic, lands the record in failed with exactly one explanatory
// conversation message.
func (o *Orchestrator) Process(ctx context.Context, imageID uuid.UUID) (err error) {
	img, getErr := o.images.Get(ctx, imageID)
	if getErr != nil {
		if errors.Is(getErr, images.ErrNotFound) {
			log.Printf("Image %s no longer exists, skipping", imageID)
			return nil
		}
		return fmt.Errorf("failed to load image %s: %w", imageID, getErr)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while processing image %s: %v", imageID, r)
			o.fail(ctx, img, nil, "Something went wrong while analyzing your photo. Please try uploading it again.", "unexpected error")
			err = fmt.Errorf("panic while processing image %s: %v", imageID, r)
		}
	}()

	if err := o.images.SetProcessing(ctx, imageID); err != nil {
		return fmt.Errorf("failed to mark image %s processing: %w", imageID, err)
	}
	o.pushUpdate(ctx, img.OwnerID, realtime.ProcessingUpdatePayload{
		ImageID: imageID.String(),
		Status:  string(models.ImageStatusProcessing),
		Message: "Your circuit photo is being analyzed",
	})

	conv, convErr := o.conversations.GetOrCreate(ctx, img.ExperimentID, img.OwnerID)
	if convErr != nil {
		o.fail(ctx, img, nil, "We could not open your experiment conversation. Please try uploading the photo again.", "conversation unavailable")
		return fmt.Errorf("failed to resolve conversation for image %s: %w", imageID, convErr)
	}

	o.sendBot(ctx, conv.ID, conversation.AppendParams{
		Type:           models.MessageTypeSystem,
		Content:        "I received your circuit photo and started analyzing the component codes.",
		RelatedImageID: &img.ID,
	})

	result, detErr := o.detector.Analyze(ctx, img.StorageKey, o.outputDir)
	if detErr != nil {
		o.fail(ctx, img, conv, userFacingCause(detErr), shortCause(detErr))
		return fmt.Errorf("detector failed for image %s: %w", imageID, detErr)
	}

	annotatedKey := ""
	if result.AnnotatedPath != "" {
		key, upErr := o.annotated.UploadAnnotated(ctx, img.ID, result.AnnotatedPath)
		if upErr != nil {
			o.fail(ctx, img, conv, "The annotated result image could not be stored. Please try uploading your photo again.", "annotated image storage failed")
			return fmt.Errorf("failed to store annotated image for %s: %w", imageID, upErr)
		}
		annotatedKey = key
	}

	status := models.ImageStatusCompleted
	if result.UnreadableCount > 0 {
		status = models.ImageStatusNeedsReview
	}

	if saveErr := o.images.SaveResult(ctx, imageID, result.Components, result.Report, annotatedKey, status); saveErr != nil {
		o.fail(ctx, img, conv, "Your photo was analyzed but the result could not be saved. Please try again.", "result persistence failed")
		return fmt.Errorf("failed to save result for image %s: %w", imageID, saveErr)
	}

	o.sendBot(ctx, conv.ID, conversation.AppendParams{
		Type:           models.MessageTypeFeedback,
		Content:        feedbackContent(result),
		RelatedImageID: &img.ID,
		Metadata: map[string]any{
			"image_id":         imageID.String(),
			"status":           string(status),
			"total_codes":      result.TotalCount,
			"readable_codes":   result.ReadableCount,
			"unreadable_codes": result.UnreadableCount,
			"annotated_key":    annotatedKey,
		},
	})

	if result.UnreadableCount > 0 {
		o.sendBot(ctx, conv.ID, conversation.AppendParams{
			Type:    models.MessageTypeSystem,
			Content: retakeTips,
		})
	}

	o.sendBot(ctx, conv.ID, conversation.AppendParams{
		Type:    models.MessageTypeSystem,
		Content: "Photo tips and component code reference: " + o.companionGuideURL,
	})

	complete := realtime.ProcessingCompletePayload{
		ImageID:         imageID.String(),
		Status:          string(status),
		Message:         result.Report,
		TotalCodes:      result.TotalCount,
		ReadableCodes:   result.ReadableCount,
		UnreadableCodes: result.UnreadableCount,
	}
	if annotatedKey != "" {
		if url, linkErr := o.annotated.AnnotatedLink(ctx, annotatedKey); linkErr == nil {
			complete.ProcessedImageURL = url
		} else {
			log.Printf("Failed to presign annotated image %s: %v", annotatedKey, linkErr)
		}
	}
	if pushErr := o.notifier.PushUserEvent(ctx, img.OwnerID, realtime.EventProcessingComplete, complete); pushErr != nil {
		log.Printf("Failed to push processing-complete for image %s: %v", imageID, pushErr)
	}

	log.Printf("Image %s processed: status=%s total=%d readable=%d", imageID, status, result.TotalCount, result.ReadableCount)
	return nil
}

// fail lands the record in failed and leaves the student exactly one
// explanatory message. Every push here is best effort: the terminal status
// write is the part that must not be skipped.
func (o *Orchestrator) fail(ctx context.Context, img *models.CircuitImage, conv *models.Conversation, userMessage, note string) {
	if err := o.images.SaveFailure(ctx, img.ID, note); err != nil {
		log.Printf("Failed to record failure for image %s: %v", img.ID, err)
	}

	if conv == nil {
		c, err := o.conversations.GetOrCreate(ctx, img.ExperimentID, img.OwnerID)
		if err != nil {
			log.Printf("No conversation available to report failure of image %s: %v", img.ID, err)
		} else {
			conv = c
		}
	}
	if conv != nil {
		o.sendBot(ctx, conv.ID, conversation.AppendParams{
			Type:           models.MessageTypeSystem,
			Content:        userMessage,
			RelatedImageID: &img.ID,
			Metadata:       map[string]any{"image_id": img.ID.String(), "status": string(models.ImageStatusFailed)},
		})
	}

	o.pushUpdate(ctx, img.OwnerID, realtime.ProcessingUpdatePayload{
		ImageID: img.ID.String(),
		Status:  string(models.ImageStatusFailed),
		Message: userMessage,
	})
}

func (o *Orchestrator) sendBot(ctx context.Context, conversationID uuid.UUID, params conversation.AppendParams) {
	if _, err := o.notifier.SendBotMessage(ctx, conversationID, params); err != nil {
		log.Printf("Failed to push bot message to conversation %s: %v", conversationID, err)
	}
}

func (o *Orchestrator) pushUpdate(ctx context.Context, userID uuid.UUID, payload realtime.ProcessingUpdatePayload) {
	if err := o.notifier.PushUserEvent(ctx, userID, realtime.EventProcessingUpdate, payload); err != nil {
		log.Printf("Failed to push processing-update for image %s: %v", payload.ImageID, err)
	}
}

const retakeTips = "Tips for the unclear codes: move the camera closer so each component fills more of the frame, make sure the room light does not reflect off the labels, and hold the phone parallel to the board."

// feedbackContent builds the student-facing feedback message: counts, a
// per-code readability line, then the full report.
func feedbackContent(result *detector.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analysis finished: %d component codes found, %d readable, %d unreadable.\n",
		result.TotalCount, result.ReadableCount, result.UnreadableCount)

	for i, comp := range result.Components {
		if comp.Readable {
			fmt.Fprintf(&sb, "%d. %s (%s) - readable\n", i+1, comp.Code, comp.Method)
		} else {
			fmt.Fprintf(&sb, "%d. unreadable code (%s)\n", i+1, comp.Method)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(result.Report)
	return sb.String()
}

// userFacingCause maps detector errors onto the message the student sees.
func userFacingCause(err error) string {
	switch {
	case errors.Is(err, detector.ErrUnavailable):
		return "The analysis service is not reachable right now. Your photo is saved - please try again in a few minutes."
	case errors.Is(err, detector.ErrMalformedResponse):
		return "The analysis service returned an unexpected answer. Your photo is saved - please try again."
	case errors.Is(err, detector.ErrDownloadFailed):
		return "The analyzed image could not be retrieved from the analysis service. Please try uploading your photo again."
	default:
		return "Something went wrong while analyzing your photo. Please try uploading it again."
	}
}

func shortCause(err error) string {
	switch {
	case errors.Is(err, detector.ErrUnavailable):
		return "detector unavailable"
	case errors.Is(err, detector.ErrMalformedResponse):
		return "detector response malformed"
	case errors.Is(err, detector.ErrDownloadFailed):
		return "annotated image download failed"
	default:
		return "unexpected error"
	}
}
