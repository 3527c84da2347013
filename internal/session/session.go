package session

import (
	"errors"
	"sync"
	"time"

	"github.com/medscribe-io/medscribe/internal/audio"
	"github.com/medscribe-io/medscribe/internal/stream"
)

// Quality is the client-requested audio quality tier.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// SampleRate maps a quality tier to its PCM sample rate. Unknown values fall
// back to the medium tier.
func (q Quality) SampleRate() int {
	switch q {
	case QualityLow:
		return 8000
	case QualityHigh:
		return 48000
	default:
		return 16000
	}
}

// Session is one live streaming transcription. It is owned by the
// orchestrator for its lifetime; the registry, its Buffer and its Bridge
// only reference it. All mutation happens on the orchestrator's event path
// for the session, except LastActivity (read by the idle reaper) and the
// persisted-segment set (written from the bridge's receiver goroutine),
// which are guarded by the session mutex.
type Session struct {
	ID          string
	UserID      string
	TransportID string
	Quality     Quality
	SampleRate  int
	CreatedAt   time.Time

	Buffer *audio.Buffer
	Bridge *stream.Bridge

	mu           sync.Mutex
	lastActivity time.Time
	lastChunkSeq int64
	persisted    map[string]struct{}

	audioMu sync.Mutex
	ended   bool
}

// ErrSessionEnded is returned by the audio helpers once finalization has
// claimed the buffer.
var ErrSessionEnded = errors.New("session already ended")

func newSession(id, userID, transportID string, q Quality) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		UserID:       userID,
		TransportID:  transportID,
		Quality:      q,
		SampleRate:   q.SampleRate(),
		CreatedAt:    now,
		lastActivity: now,
		lastChunkSeq: -1,
		persisted:    make(map[string]struct{}),
	}
}

// Touch advances the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// SeqAccepted reports whether a chunk sequence number is above the
// watermark. Chunks at or below it are duplicates or replays and must be
// dropped silently.
func (s *Session) SeqAccepted(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq > s.lastChunkSeq
}

// SetChunkSeq advances the watermark after a chunk has been buffered and
// forwarded. The watermark only moves forward.
func (s *Session) SetChunkSeq(seq int64) {
	s.mu.Lock()
	if seq > s.lastChunkSeq {
		s.lastChunkSeq = seq
	}
	s.mu.Unlock()
}

func (s *Session) LastChunkSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChunkSeq
}

// AppendAudio buffers a PCM chunk, serialized against finalization. The
// chunk path and the idle reaper run on different goroutines; this lock is
// what keeps a late chunk from racing the buffer encode.
func (s *Session) AppendAudio(chunk []byte) error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	return s.Buffer.Append(chunk)
}

// FinalizeAudio claims the buffer and encodes it, returning the artifact and
// the buffered duration in seconds. Only the first caller wins; later calls
// get ErrSessionEnded.
func (s *Session) FinalizeAudio(bitrateKbps int) ([]byte, float64, error) {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.ended {
		return nil, 0, ErrSessionEnded
	}
	s.ended = true

	dur := s.Buffer.TotalDuration()
	data, err := s.Buffer.Finalize(bitrateKbps)
	if err != nil {
		return nil, dur, err
	}
	return data, dur, nil
}

// MarkPersisted records a final segment id, returning true the first time
// it is seen. Safe to call from the bridge's receiver goroutine.
func (s *Session) MarkPersisted(segmentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.persisted[segmentID]; ok {
		return false
	}
	s.persisted[segmentID] = struct{}{}
	return true
}
