package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medscribe-io/medscribe/internal/metrics"
	"github.com/medscribe-io/medscribe/internal/models"
	"github.com/medscribe-io/medscribe/internal/providers/stt"
	"github.com/medscribe-io/medscribe/internal/session"
	"github.com/medscribe-io/medscribe/internal/transport"
)

type mockRepo struct {
	mu        sync.Mutex
	inserted  []*models.Transcription
	insertErr error
	completed map[string]float64
	keys      map[string]string
	failed    []string
	appended  map[string][]string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		completed: make(map[string]float64),
		keys:      make(map[string]string),
		appended:  make(map[string][]string),
	}
}

func (m *mockRepo) Insert(_ context.Context, t *models.Transcription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, t)
	return nil
}

func (m *mockRepo) GetBySessionID(_ context.Context, sessionID string) (*models.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.inserted {
		if t.SessionID == sessionID {
			return t, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *mockRepo) AppendText(_ context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended[sessionID] = append(m.appended[sessionID], text)
	return nil
}

func (m *mockRepo) Complete(_ context.Context, sessionID, audioKey string, durationSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[sessionID] = durationSeconds
	m.keys[sessionID] = audioKey
	return nil
}

func (m *mockRepo) MarkFailed(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, sessionID)
	return nil
}

func (m *mockRepo) completedDuration(sessionID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.completed[sessionID]
	return d, ok
}

func (m *mockRepo) completedKey(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[sessionID]
}

type mockUploader struct {
	mu    sync.Mutex
	keys  []string
	types []string
	sizes []int
	err   error
}

func (u *mockUploader) Upload(_ context.Context, objectName, contentType string, r io.Reader) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	data, _ := io.ReadAll(r)
	u.keys = append(u.keys, objectName)
	u.types = append(u.types, contentType)
	u.sizes = append(u.sizes, len(data))
	return objectName, nil
}

func (u *mockUploader) lastKey() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.keys) == 0 {
		return ""
	}
	return u.keys[len(u.keys)-1]
}

// mockStream accepts audio and serves scripted results; Recv blocks until
// CloseSend once the script runs out.
type mockStream struct {
	mu       sync.Mutex
	sent     int
	results  chan stt.Result
	closed   chan struct{}
	closeOne sync.Once
}

func (s *mockStream) Send(_ []byte) error {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *mockStream) CloseSend() error {
	s.closeOne.Do(func() { close(s.closed) })
	return nil
}

func (s *mockStream) Recv() (stt.Result, error) {
	select {
	case r := <-s.results:
		return r, nil
	case <-s.closed:
		select {
		case r := <-s.results:
			return r, nil
		default:
			return stt.Result{}, io.EOF
		}
	}
}

func (s *mockStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type mockProvider struct {
	mu       sync.Mutex
	streams  []*mockStream
	startErr error
}

func (p *mockProvider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	s := &mockStream{results: make(chan stt.Result, 8), closed: make(chan struct{})}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *mockProvider) Close() error { return nil }

func (p *mockProvider) lastStream() *mockStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type serviceFixture struct {
	svc      ConsultationService
	registry *session.Registry
	repo     *mockRepo
	uploader *mockUploader
	provider *mockProvider
}

func newFixture(maxSessions int, opts ConsultationOptions) *serviceFixture {
	f := &serviceFixture{
		registry: session.NewRegistry(maxSessions, nil),
		repo:     newMockRepo(),
		uploader: &mockUploader{},
		provider: &mockProvider{},
	}
	f.svc = NewConsultationService(
		f.registry,
		transport.NewHub(nil),
		f.provider,
		f.uploader,
		f.repo,
		nil,
		metrics.New(prometheus.NewRegistry()),
		nil,
		opts,
	)
	return f
}

func TestStartSessionNormalizesID(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id, err := f.svc.StartSession(context.Background(), "not-a-uuid", "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, perr := uuid.Parse(id); perr != nil {
		t.Errorf("Expected canonical uuid, got %q", id)
	}

	if len(f.repo.inserted) != 1 {
		t.Fatalf("Expected 1 record inserted, got %d", len(f.repo.inserted))
	}
	rec := f.repo.inserted[0]
	if rec.Status != models.TranscriptionStatusInProgress {
		t.Errorf("Expected IN_PROGRESS status, got %q", rec.Status)
	}
	if rec.SampleRate != 16000 {
		t.Errorf("Expected 16000 sample rate, got %d", rec.SampleRate)
	}
}

func TestStartSessionKeepsValidID(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	want := uuid.NewString()
	id, err := f.svc.StartSession(context.Background(), want, "u1", "t1", session.QualityHigh)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if id != want {
		t.Errorf("Expected id %q preserved, got %q", want, id)
	}
}

func TestStartSessionCapacity(t *testing.T) {
	f := newFixture(1, ConsultationOptions{})

	if _, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	_, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u2", "t2", session.QualityMedium)
	if !errors.Is(err, session.ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
}

func TestStartSessionDuplicate(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id := uuid.NewString()
	if _, err := f.svc.StartSession(context.Background(), id, "u1", "t1", session.QualityMedium); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	_, err := f.svc.StartSession(context.Background(), id, "u1", "t1", session.QualityMedium)
	if !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("Expected ErrDuplicateSession, got %v", err)
	}
}

func TestStartSessionInsertFailureRollsBack(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})
	f.repo.insertErr = errors.New("db down")

	_, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err == nil {
		t.Fatal("Expected StartSession to fail")
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected registry rollback, still %d sessions", f.registry.Len())
	}
}

func TestStartSessionStreamFailureRollsBack(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})
	f.provider.startErr = errors.New("speech api down")

	_, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err == nil {
		t.Fatal("Expected StartSession to fail")
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected registry rollback, still %d sessions", f.registry.Len())
	}
	if len(f.repo.failed) != 1 {
		t.Errorf("Expected record marked failed, got %d", len(f.repo.failed))
	}
}

func TestHandleAudioChunkUnknownSession(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	err := f.svc.HandleAudioChunk(context.Background(), uuid.NewString(), 0, make([]byte, 320))
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestHandleAudioChunkWatermark(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	chunk := make([]byte, 320)
	for _, seq := range []int64{0, 1, 2, 1, 3} {
		if err := f.svc.HandleAudioChunk(context.Background(), id, seq, chunk); err != nil {
			t.Fatalf("HandleAudioChunk(seq=%d) failed: %v", seq, err)
		}
	}

	sess, ok := f.registry.Get(id)
	if !ok {
		t.Fatal("Session missing from registry")
	}
	if sess.Buffer.ChunkCount() != 4 {
		t.Errorf("Expected 4 buffered chunks, got %d", sess.Buffer.ChunkCount())
	}
	if sess.LastChunkSeq() != 3 {
		t.Errorf("Expected watermark 3, got %d", sess.LastChunkSeq())
	}
}

func TestEndSessionEmptyBuffer(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := f.svc.EndSession(context.Background(), id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	if dur, ok := f.repo.completedDuration(id); !ok || dur != 0 {
		t.Errorf("Expected completion with zero duration, got %v (%v)", dur, ok)
	}
	if key := f.repo.completedKey(id); key != "" {
		t.Errorf("Expected empty audio key, got %q", key)
	}
	if f.uploader.lastKey() != "" {
		t.Error("Nothing should be uploaded for an empty session")
	}

	err = f.svc.EndSession(context.Background(), id)
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound on second end, got %v", err)
	}
}

func TestEndSessionUploadsAudio(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// 100ms of audio at 16kHz
	if err := f.svc.HandleAudioChunk(context.Background(), id, 0, make([]byte, 3200)); err != nil {
		t.Fatalf("HandleAudioChunk failed: %v", err)
	}

	if err := f.svc.EndSession(context.Background(), id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	key := f.uploader.lastKey()
	if !strings.HasPrefix(key, "audio/u1/") || !strings.HasSuffix(key, "_"+id+".ogg") {
		t.Errorf("Unexpected object key %q", key)
	}
	if f.repo.completedKey(id) != key {
		t.Errorf("Record key %q does not match uploaded key %q", f.repo.completedKey(id), key)
	}
	if dur, _ := f.repo.completedDuration(id); dur < 0.09 || dur > 0.11 {
		t.Errorf("Expected ~0.1s duration, got %v", dur)
	}
	if f.registry.Len() != 0 {
		t.Errorf("Expected session removed, registry has %d", f.registry.Len())
	}
}

func TestSweepIdleFinalizes(t *testing.T) {
	f := newFixture(10, ConsultationOptions{IdleTimeout: 10 * time.Millisecond})

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	time.Sleep(25 * time.Millisecond)

	if n := f.svc.SweepIdle(context.Background()); n != 1 {
		t.Fatalf("Expected 1 session swept, got %d", n)
	}
	if _, ok := f.repo.completedDuration(id); !ok {
		t.Error("Swept session was not finalized")
	}
	if f.svc.ActiveSessions() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", f.svc.ActiveSessions())
	}
}

func TestShutdownFinalizesAll(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
		if err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		ids = append(ids, id)
	}

	f.svc.Shutdown(context.Background())

	for _, id := range ids {
		if _, ok := f.repo.completedDuration(id); !ok {
			t.Errorf("Session %s was not finalized on shutdown", id)
		}
	}
	if f.svc.ActiveSessions() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", f.svc.ActiveSessions())
	}
}

func TestFinalSegmentPersistedOnce(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	st := f.provider.lastStream()
	st.results <- stt.Result{ResultID: "u1", Text: "patient presents with", IsFinal: true, Confidence: 0.95}
	// upstream re-delivers the finalized utterance with revised text;
	// the transcript must keep only the first write for the segment
	st.results <- stt.Result{ResultID: "u1", Text: "patient presents with fever", IsFinal: true, Confidence: 0.97}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.repo.mu.Lock()
		n := len(f.repo.appended[id])
		f.repo.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.svc.EndSession(context.Background(), id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	f.repo.mu.Lock()
	appended := append([]string(nil), f.repo.appended[id]...)
	f.repo.mu.Unlock()

	if len(appended) != 1 {
		t.Fatalf("Expected exactly 1 persisted segment, got %d: %v", len(appended), appended)
	}
	if appended[0] != "patient presents with" {
		t.Errorf("Unexpected persisted text %q", appended[0])
	}
}

func TestUploadFailureMarksFailed(t *testing.T) {
	f := newFixture(10, ConsultationOptions{})
	f.uploader.err = context.Canceled // terminal, skips retry backoff

	id, err := f.svc.StartSession(context.Background(), uuid.NewString(), "u1", "t1", session.QualityMedium)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := f.svc.HandleAudioChunk(context.Background(), id, 0, make([]byte, 3200)); err != nil {
		t.Fatalf("HandleAudioChunk failed: %v", err)
	}

	if err := f.svc.EndSession(context.Background(), id); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	if len(f.repo.failed) != 1 || f.repo.failed[0] != id {
		t.Errorf("Expected record marked failed, got %v", f.repo.failed)
	}
	if _, ok := f.repo.completedDuration(id); ok {
		t.Error("Failed session should not be completed")
	}
}
