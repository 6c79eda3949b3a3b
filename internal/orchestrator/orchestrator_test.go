package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/detector"
	"circuitlab-backend/internal/images"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/internal/realtime"

	"github.com/google/uuid"
)

type fakeImageStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.CircuitImage
	history map[uuid.UUID][]models.ImageStatus
}

func newFakeImageStore(imgs ...*models.CircuitImage) *fakeImageStore {
	s := &fakeImageStore{
		records: make(map[uuid.UUID]*models.CircuitImage),
		history: make(map[uuid.UUID][]models.ImageStatus),
	}
	for _, img := range imgs {
		s.records[img.ID] = img
	}
	return s
}

func (s *fakeImageStore) Get(_ context.Context, id uuid.UUID) (*models.CircuitImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.records[id]
	if !ok {
		return nil, images.ErrNotFound
	}
	copied := *img
	return &copied, nil
}

func (s *fakeImageStore) SetProcessing(_ context.Context, id uuid.UUID) error {
	return s.setStatus(id, models.ImageStatusProcessing)
}

func (s *fakeImageStore) SaveResult(_ context.Context, id uuid.UUID, components []models.DetectedComponent, feedback, annotatedKey string, status models.ImageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.records[id]
	if !ok {
		return images.ErrNotFound
	}
	img.Components = components
	img.Feedback = feedback
	img.AnnotatedKey = annotatedKey
	img.Status = status
	s.history[id] = append(s.history[id], status)
	return nil
}

func (s *fakeImageStore) SaveFailure(_ context.Context, id uuid.UUID, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.records[id]; ok {
		img.Status = models.ImageStatusFailed
		img.Feedback = note
		s.history[id] = append(s.history[id], models.ImageStatusFailed)
	}
	return nil
}

func (s *fakeImageStore) setStatus(id uuid.UUID, status models.ImageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.records[id]
	if !ok {
		return images.ErrNotFound
	}
	img.Status = status
	s.history[id] = append(s.history[id], status)
	return nil
}

func (s *fakeImageStore) status(id uuid.UUID) models.ImageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

// fakeConversations mimics the store's get-or-create idempotency with a
// mutex, so concurrent pipeline runs exercise the single-conversation
// guarantee.
type fakeConversations struct {
	mu       sync.Mutex
	byPair   map[string]*models.Conversation
	created  int
	appended map[uuid.UUID][]conversation.AppendParams
	fail     bool
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		byPair:   make(map[string]*models.Conversation),
		appended: make(map[uuid.UUID][]conversation.AppendParams),
	}
}

func (f *fakeConversations) GetOrCreate(_ context.Context, experimentID, studentID uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("store down")
	}
	key := experimentID.String() + "/" + studentID.String()
	if conv, ok := f.byPair[key]; ok {
		return conv, nil
	}
	conv := &models.Conversation{
		ID:           uuid.New(),
		ExperimentID: experimentID,
		StudentID:    studentID,
		Status:       models.ConversationActive,
	}
	f.byPair[key] = conv
	f.created++
	return conv, nil
}

func (f *fakeConversations) Append(_ context.Context, conversationID uuid.UUID, sender models.Participant, params conversation.AppendParams) (*models.Message, *models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended[conversationID] = append(f.appended[conversationID], params)
	msg := &models.Message{ID: uuid.New(), ConversationID: conversationID, SenderID: sender.ID, SenderRole: sender.Role, Type: params.Type, Content: params.Content}
	conv := &models.Conversation{ID: conversationID}
	return msg, conv, nil
}

func (f *fakeConversations) MarkRead(context.Context, uuid.UUID, models.Participant) (*models.Conversation, error) {
	return nil, nil
}
func (f *fakeConversations) GetByID(context.Context, uuid.UUID, models.Participant) (*models.Conversation, error) {
	return nil, conversation.ErrNotFound
}
func (f *fakeConversations) ListByStudent(context.Context, uuid.UUID, conversation.Filter) ([]models.Conversation, error) {
	return nil, nil
}
func (f *fakeConversations) ListByInstructor(context.Context, uuid.UUID, conversation.Filter) ([]models.Conversation, error) {
	return nil, nil
}
func (f *fakeConversations) Archive(context.Context, uuid.UUID) error { return nil }

type botMessage struct {
	conversationID uuid.UUID
	params         conversation.AppendParams
}

type userEvent struct {
	userID  uuid.UUID
	event   string
	payload any
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []botMessage
	events   []userEvent
}

func (n *fakeNotifier) SendBotMessage(_ context.Context, conversationID uuid.UUID, params conversation.AppendParams) (*models.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, botMessage{conversationID: conversationID, params: params})
	return &models.Message{ID: uuid.New()}, nil
}

func (n *fakeNotifier) PushUserEvent(_ context.Context, userID uuid.UUID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, userEvent{userID: userID, event: event, payload: payload})
	return nil
}

func (n *fakeNotifier) byType(msgType models.MessageType) []botMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []botMessage
	for _, m := range n.messages {
		if m.params.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeDetector struct {
	result *detector.Result
	err    error
	panics bool
}

func (d *fakeDetector) Analyze(context.Context, string, string) (*detector.Result, error) {
	if d.panics {
		panic("detector blew up")
	}
	return d.result, d.err
}

type fakeAnnotated struct{}

func (fakeAnnotated) UploadAnnotated(_ context.Context, imageID uuid.UUID, _ string) (string, error) {
	return imageID.String() + ".jpg", nil
}
func (fakeAnnotated) AnnotatedLink(_ context.Context, key string) (string, error) {
	return "https://storage.example/" + key, nil
}

func testImage() *models.CircuitImage {
	return &models.CircuitImage{
		ID:           uuid.New(),
		ExperimentID: uuid.New(),
		OwnerID:      uuid.New(),
		StorageKey:   "raw-circuit-images/photo.jpg",
		Status:       models.ImageStatusPending,
	}
}

func newOrchestrator(imgs *fakeImageStore, convs *fakeConversations, det *fakeDetector, notifier *fakeNotifier) *Orchestrator {
	return New(imgs, convs, det, notifier, fakeAnnotated{}, "/tmp/out", "https://example.edu/guide")
}

func readableResult(total, readable int) *detector.Result {
	components := make([]models.DetectedComponent, 0, total)
	for i := 0; i < total; i++ {
		comp := models.DetectedComponent{Method: "qr"}
		if i < readable {
			comp.Code = fmt.Sprintf("R-%d", i)
			comp.Readable = true
		}
		components = append(components, comp)
	}
	unreadable := total - readable
	return &detector.Result{
		Components:      components,
		Report:          detector.BuildReport(total, readable, unreadable),
		TotalCount:      total,
		ReadableCount:   readable,
		UnreadableCount: unreadable,
	}
}

func TestProcessAllReadableCompletes(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	convs := newFakeConversations()
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, convs, &fakeDetector{result: readableResult(2, 2)}, notifier)

	if err := o.Process(context.Background(), img.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := imgs.status(img.ID); got != models.ImageStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	if feedback := notifier.byType(models.MessageTypeFeedback); len(feedback) != 1 {
		t.Errorf("Expected exactly 1 feedback message, got %d", len(feedback))
	}
	for _, m := range notifier.messages {
		if strings.Contains(m.params.Content, "Tips for the unclear codes") {
			t.Error("No guidance message expected when every code is readable")
		}
	}
}

func TestProcessUnreadableCodesNeedReview(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, newFakeConversations(), &fakeDetector{result: readableResult(4, 3)}, notifier)

	if err := o.Process(context.Background(), img.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := imgs.status(img.ID); got != models.ImageStatusNeedsReview {
		t.Errorf("Expected needs_review, got %s", got)
	}

	guidance := 0
	for _, m := range notifier.messages {
		if strings.Contains(m.params.Content, "Tips for the unclear codes") {
			guidance++
		}
	}
	if guidance != 1 {
		t.Errorf("Expected exactly 1 guidance message, got %d", guidance)
	}

	feedback := notifier.byType(models.MessageTypeFeedback)
	if len(feedback) != 1 || !strings.Contains(feedback[0].params.Content, "1 is not clear enough") {
		t.Errorf("Feedback should carry the tier-one report, got %+v", feedback)
	}
}

func TestProcessDetectorFailure(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, newFakeConversations(), &fakeDetector{err: fmt.Errorf("%w: connection refused", detector.ErrUnavailable)}, notifier)

	if err := o.Process(context.Background(), img.ID); err == nil {
		t.Fatal("Expected Process to report the detector failure")
	}

	if got := imgs.status(img.ID); got != models.ImageStatusFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	if feedback := notifier.byType(models.MessageTypeFeedback); len(feedback) != 0 {
		t.Errorf("No feedback message expected on failure, got %d", len(feedback))
	}

	errMsgs := 0
	for _, m := range notifier.messages {
		if m.params.Metadata != nil && m.params.Metadata["status"] == string(models.ImageStatusFailed) {
			errMsgs++
			if !strings.Contains(m.params.Content, "not reachable") {
				t.Errorf("Error message should name the cause, got: %s", m.params.Content)
			}
		}
	}
	if errMsgs != 1 {
		t.Errorf("Expected exactly 1 error message, got %d", errMsgs)
	}
}

func TestProcessMissingRecordIsSilent(t *testing.T) {
	imgs := newFakeImageStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, newFakeConversations(), &fakeDetector{}, notifier)

	if err := o.Process(context.Background(), uuid.New()); err != nil {
		t.Fatalf("Missing record should not be an error, got %v", err)
	}
	if len(notifier.messages) != 0 || len(notifier.events) != 0 {
		t.Error("Missing record should produce no pushes")
	}
}

func TestProcessPanicStillFails(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, newFakeConversations(), &fakeDetector{panics: true}, notifier)

	if err := o.Process(context.Background(), img.ID); err == nil {
		t.Fatal("Expected Process to surface the panic as an error")
	}
	if got := imgs.status(img.ID); got != models.ImageStatusFailed {
		t.Errorf("Panic must land the record in failed, got %s", got)
	}

	foundErrorPush := false
	for _, ev := range notifier.events {
		if ev.event == realtime.EventProcessingUpdate {
			if payload, ok := ev.payload.(realtime.ProcessingUpdatePayload); ok && payload.Status == string(models.ImageStatusFailed) {
				foundErrorPush = true
			}
		}
	}
	if !foundErrorPush {
		t.Error("Expected a failed processing-update push after the panic")
	}
}

func TestProcessConversationFailure(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	convs := newFakeConversations()
	convs.fail = true
	o := newOrchestrator(imgs, convs, &fakeDetector{result: readableResult(1, 1)}, &fakeNotifier{})

	if err := o.Process(context.Background(), img.ID); err == nil {
		t.Fatal("Expected Process to report the conversation failure")
	}
	if got := imgs.status(img.ID); got != models.ImageStatusFailed {
		t.Errorf("Expected failed, got %s", got)
	}
}

func TestProcessLegacyChannelEvents(t *testing.T) {
	img := testImage()
	imgs := newFakeImageStore(img)
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, newFakeConversations(), &fakeDetector{result: readableResult(3, 2)}, notifier)

	if err := o.Process(context.Background(), img.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var complete *realtime.ProcessingCompletePayload
	sawUpdate := false
	for _, ev := range notifier.events {
		if ev.userID != img.OwnerID {
			t.Errorf("Legacy events must target the owner, got %s", ev.userID)
		}
		switch ev.event {
		case realtime.EventProcessingUpdate:
			sawUpdate = true
		case realtime.EventProcessingComplete:
			p := ev.payload.(realtime.ProcessingCompletePayload)
			complete = &p
		}
	}
	if !sawUpdate {
		t.Error("Expected a processing-update at pipeline start")
	}
	if complete == nil {
		t.Fatal("Expected a processing-complete event")
	}
	if complete.TotalCodes != 3 || complete.ReadableCodes != 2 || complete.UnreadableCodes != 1 {
		t.Errorf("Counts wrong in processing-complete: %+v", complete)
	}
	if complete.Status != string(models.ImageStatusNeedsReview) {
		t.Errorf("Expected needs_review in processing-complete, got %s", complete.Status)
	}
}

func TestConcurrentUploadsShareOneConversation(t *testing.T) {
	expID := uuid.New()
	owner := uuid.New()
	first := testImage()
	first.ExperimentID, first.OwnerID = expID, owner
	second := testImage()
	second.ExperimentID, second.OwnerID = expID, owner

	imgs := newFakeImageStore(first, second)
	convs := newFakeConversations()
	notifier := &fakeNotifier{}
	o := newOrchestrator(imgs, convs, &fakeDetector{result: readableResult(1, 1)}, notifier)

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(imageID uuid.UUID) {
			defer wg.Done()
			if err := o.Process(context.Background(), imageID); err != nil {
				t.Errorf("Process failed: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if convs.created != 1 {
		t.Errorf("Expected exactly 1 conversation, got %d", convs.created)
	}

	convIDs := make(map[uuid.UUID]bool)
	for _, m := range notifier.messages {
		convIDs[m.conversationID] = true
	}
	if len(convIDs) != 1 {
		t.Errorf("Both runs should append to the same conversation, saw %d", len(convIDs))
	}
}
