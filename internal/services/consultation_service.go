package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/medscribe-io/medscribe/internal/audio"
	"github.com/medscribe-io/medscribe/internal/metrics"
	"github.com/medscribe-io/medscribe/internal/models"
	"github.com/medscribe-io/medscribe/internal/providers/stt"
	pgrepo "github.com/medscribe-io/medscribe/internal/repositories/postgres"
	"github.com/medscribe-io/medscribe/internal/session"
	"github.com/medscribe-io/medscribe/internal/storage"
	"github.com/medscribe-io/medscribe/internal/stream"
	"github.com/medscribe-io/medscribe/internal/transport"
	"github.com/medscribe-io/medscribe/internal/utils"
)

type ConsultationService interface {
	// StartSession registers a session, opens its upstream stream and
	// returns the canonical session id to acknowledge.
	StartSession(ctx context.Context, sessionID, userID, transportID string, quality session.Quality) (string, error)
	// HandleAudioChunk buffers and forwards one PCM chunk. seq < 0 means
	// the client did not sequence the chunk and the replay watermark is
	// skipped for it.
	HandleAudioChunk(ctx context.Context, sessionID string, seq int64, pcm []byte) error
	// EndSession finalizes a session: drains the stream, encodes and
	// uploads the audio, completes the record and notifies the client.
	EndSession(ctx context.Context, sessionID string) error
	SweepIdle(ctx context.Context) int
	Shutdown(ctx context.Context)
	ActiveSessions() int
}

type ConsultationOptions struct {
	IdleTimeout         time.Duration
	MaxRecordingSeconds int
	OpusBitrateKbps     int
	LanguageCode        string
	SpeechModel         string
	ChunkQueueSize      int
	StreamEndTimeout    time.Duration
	FinalizeTimeout     time.Duration
	RedisStream         string
}

func (o *ConsultationOptions) fill() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaxRecordingSeconds <= 0 {
		o.MaxRecordingSeconds = 30 * 60
	}
	if o.OpusBitrateKbps <= 0 {
		o.OpusBitrateKbps = 64
	}
	if o.LanguageCode == "" {
		o.LanguageCode = "en-US"
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 2 * time.Minute
	}
	if o.RedisStream == "" {
		o.RedisStream = "transcripts:final"
	}
}

type consultationService struct {
	registry *session.Registry
	hub      *transport.Hub
	provider stt.Provider
	uploader storage.Uploader
	repo     pgrepo.TranscriptionRepository
	rdb      *redis.Client
	m        *metrics.Metrics
	log      *logrus.Logger
	opts     ConsultationOptions
}

func NewConsultationService(
	registry *session.Registry,
	hub *transport.Hub,
	provider stt.Provider,
	uploader storage.Uploader,
	repo pgrepo.TranscriptionRepository,
	rdb *redis.Client,
	m *metrics.Metrics,
	log *logrus.Logger,
	opts ConsultationOptions,
) ConsultationService {
	opts.fill()
	if log == nil {
		log = logrus.New()
	}
	return &consultationService{
		registry: registry,
		hub:      hub,
		provider: provider,
		uploader: uploader,
		repo:     repo,
		rdb:      rdb,
		m:        m,
		log:      log,
		opts:     opts,
	}
}

// normalizeSessionID canonicalizes a client-supplied id, minting a fresh
// uuid when the client sent garbage. The canonical form goes back in the
// ack so both sides agree.
func normalizeSessionID(raw string) string {
	if id, err := uuid.Parse(raw); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *consultationService) StartSession(ctx context.Context, sessionID, userID, transportID string, quality session.Quality) (string, error) {
	const op = "ConsultationService.StartSession"

	if userID == "" {
		return "", utils.E(utils.CodeUnauthorized, op, "user_id is required", nil)
	}

	id := normalizeSessionID(sessionID)

	sess, err := s.registry.Create(id, userID, transportID, quality)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrCapacityExceeded):
			s.m.SessionsRejected.WithLabelValues("capacity").Inc()
			return "", utils.E(utils.CodeUnavailable, op, "maximum concurrent sessions reached", err)
		case errors.Is(err, session.ErrDuplicateSession):
			s.m.SessionsRejected.WithLabelValues("duplicate").Inc()
			return "", utils.E(utils.CodeConflict, op, "session already exists", err)
		default:
			return "", utils.E(utils.CodeInternal, op, "failed to register session", err)
		}
	}

	sess.Buffer = audio.NewBuffer(sess.SampleRate, s.opts.MaxRecordingSeconds)

	rec := &models.Transcription{
		SessionID:   id,
		UserID:      userID,
		Status:      models.TranscriptionStatusInProgress,
		Quality:     string(sess.Quality),
		SampleRate:  sess.SampleRate,
		IsStreaming: true,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.CreatedAt,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.registry.Remove(id)
		return "", utils.E(utils.CodeInternal, op, "failed to create transcription record", err)
	}

	bridge := stream.NewBridge(s.provider, stream.Config{
		SessionID:    id,
		SampleRateHz: sess.SampleRate,
		LanguageCode: s.opts.LanguageCode,
		Model:        s.opts.SpeechModel,
		QueueSize:    s.opts.ChunkQueueSize,
		EndTimeout:   s.opts.StreamEndTimeout,
	}, s.segmentSink(sess), s.log)
	sess.Bridge = bridge

	// The stream outlives the start request, so it is anchored to the
	// process, not the caller's context.
	if err := bridge.Start(context.Background()); err != nil {
		s.registry.Remove(id)
		if dbErr := s.repo.MarkFailed(ctx, id); dbErr != nil {
			s.log.WithError(dbErr).WithField("session_id", id).Error("failed to mark transcription failed")
		}
		return "", utils.E(utils.CodeUnavailable, op, "failed to start transcription stream", err)
	}

	s.m.SessionsStarted.Inc()
	s.m.ActiveSessions.Set(float64(s.registry.Len()))
	return id, nil
}

func (s *consultationService) HandleAudioChunk(ctx context.Context, sessionID string, seq int64, pcm []byte) error {
	const op = "ConsultationService.HandleAudioChunk"

	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return utils.E(utils.CodeNotFound, op, "session not found", session.ErrSessionNotFound)
	}
	if sess.Bridge == nil {
		return utils.E(utils.CodeUnavailable, op, "stream not ready", stream.ErrSenderStopped)
	}

	// At-or-below the watermark means a duplicate or replay; drop silently.
	if seq >= 0 && !sess.SeqAccepted(seq) {
		s.m.ChunksDropped.Inc()
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"chunk_id":   seq,
			"watermark":  sess.LastChunkSeq(),
		}).Debug("stale audio chunk dropped")
		return nil
	}

	if err := sess.AppendAudio(pcm); err != nil {
		if errors.Is(err, session.ErrSessionEnded) {
			return utils.E(utils.CodeNotFound, op, "session not found", session.ErrSessionNotFound)
		}
		s.m.ChunksDropped.Inc()
		return utils.E(utils.CodeInvalidArgument, op, "recording limit reached", err)
	}
	// Buffered chunks count as consumed even if the forward below fails;
	// a retransmit must not append the same audio twice.
	if seq >= 0 {
		sess.SetChunkSeq(seq)
	}

	if err := sess.Bridge.SendChunk(pcm); err != nil {
		s.m.ChunksDropped.Inc()
		return utils.E(utils.CodeUnavailable, op, "stream not ready", err)
	}

	sess.Touch()
	s.m.ChunksReceived.Inc()
	return nil
}

// segmentSink builds the bridge callback for one session: route the segment
// to the owning transport and persist finalized text exactly once.
func (s *consultationService) segmentSink(sess *session.Session) func(stream.Segment) {
	return func(seg stream.Segment) {
		msg := transport.NewTranscriptionResult(sess.ID, seg.SegmentID, seg.Text, seg.IsPartial, seg.Confidence)
		if err := s.hub.Send(sess.TransportID, msg); err != nil {
			if errors.Is(err, transport.ErrNoTransport) {
				// Owning connection is gone; let any other client of the
				// user agent pick it up rather than losing the segment.
				s.hub.Broadcast(msg)
			} else {
				s.log.WithError(err).WithFields(logrus.Fields{
					"session_id": sess.ID,
					"segment_id": seg.SegmentID,
				}).Warn("failed to deliver transcription segment")
			}
		}

		kind := "final"
		if seg.IsPartial {
			kind = "partial"
		}
		s.m.SegmentsEmitted.WithLabelValues(kind).Inc()

		if seg.IsPartial || !sess.MarkPersisted(seg.SegmentID) {
			return
		}
		s.persistSegment(sess, seg)
	}
}

func (s *consultationService) persistSegment(sess *session.Session, seg stream.Segment) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.AppendText(ctx, sess.ID, seg.Text); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": sess.ID,
			"segment_id": seg.SegmentID,
		}).Error("failed to append transcript segment")
		return
	}
	s.m.SegmentsPersisted.Inc()

	if s.rdb == nil {
		return
	}
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.RedisStream,
		Values: map[string]any{
			"event":      "segment",
			"session_id": sess.ID,
			"user_id":    sess.UserID,
			"segment_id": seg.SegmentID,
			"text":       seg.Text,
			"confidence": seg.Confidence,
			"ts":         seg.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("failed to publish segment event")
	}
}

func (s *consultationService) EndSession(ctx context.Context, sessionID string) error {
	const op = "ConsultationService.EndSession"

	sess := s.registry.Remove(sessionID)
	if sess == nil {
		return utils.E(utils.CodeNotFound, op, "session not found", session.ErrSessionNotFound)
	}
	s.finalize(ctx, sess, "client_end")
	return nil
}

func (s *consultationService) SweepIdle(ctx context.Context) int {
	idle := s.registry.SweepIdle(s.opts.IdleTimeout)
	if len(idle) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, sess := range idle {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			s.finalize(ctx, sess, "idle_timeout")
		}(sess)
	}
	wg.Wait()

	s.m.SessionsReaped.Add(float64(len(idle)))
	return len(idle)
}

func (s *consultationService) Shutdown(ctx context.Context) {
	s.hub.Broadcast(transport.NewServerShutdown("server is shutting down, session will be finalized"))

	var wg sync.WaitGroup
	for _, snap := range s.registry.Snapshot() {
		sess := s.registry.Remove(snap.ID)
		if sess == nil {
			continue
		}
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			s.finalize(ctx, sess, "shutdown")
		}(sess)
	}
	wg.Wait()

	s.hub.CloseAll()
}

func (s *consultationService) ActiveSessions() int { return s.registry.Len() }

// finalize is the single end path for every way a session dies: explicit
// end, idle reaping and shutdown. It alone emits the end-of-session client
// messages, so the three paths cannot diverge. The caller must already have
// removed the session from the registry.
func (s *consultationService) finalize(ctx context.Context, sess *session.Session, reason string) {
	start := time.Now()
	log := s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"reason":     reason,
	})

	ctx, cancel := context.WithTimeout(ctx, s.opts.FinalizeTimeout)
	defer cancel()

	defer s.m.ActiveSessions.Set(float64(s.registry.Len()))

	if sess.Bridge != nil {
		sess.Bridge.End()
	}

	data, dur, err := sess.FinalizeAudio(s.opts.OpusBitrateKbps)
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		// Another finalizer won the race.
		return
	case errors.Is(err, audio.ErrEmptyBuffer):
		log.Info("session ended with no audio")
		if dbErr := s.repo.Complete(ctx, sess.ID, "", 0); dbErr != nil {
			log.WithError(dbErr).Error("failed to complete empty transcription")
		}
		s.sendToOwner(sess, transport.NewSessionComplete(sess.ID, "", 0))
		s.m.SessionsCompleted.Inc()
		return
	case err != nil:
		log.WithError(err).Error("failed to encode session audio")
		s.m.FinalizeFailures.Inc()
		s.markFailed(ctx, sess, log)
		s.sendToOwner(sess, transport.NewError(sess.ID, transport.CodeSessionEndFailed,
			"failed to process session audio", false))
		return
	}

	key := fmt.Sprintf("audio/%s/%s_%s.ogg",
		sess.UserID, start.UTC().Format("20060102_150405"), sess.ID)

	storedKey, retries, err := storage.UploadWithRetry(ctx, s.uploader, key, "audio/ogg", data)
	s.m.UploadRetries.Add(float64(retries))
	if err != nil {
		log.WithError(err).WithField("key", key).Error("failed to upload session audio")
		s.m.FinalizeFailures.Inc()
		s.markFailed(ctx, sess, log)
		s.sendToOwner(sess, transport.NewError(sess.ID, transport.CodeS3UploadFailed,
			"failed to store session audio", false))
		return
	}

	if err := s.repo.Complete(ctx, sess.ID, storedKey, dur); err != nil {
		log.WithError(err).Error("failed to complete transcription record")
		s.m.FinalizeFailures.Inc()
		s.sendToOwner(sess, transport.NewError(sess.ID, transport.CodeSessionEndFailed,
			"failed to finalize session", false))
		return
	}

	s.publishCompletion(ctx, sess, storedKey, dur, log)
	s.sendToOwner(sess, transport.NewSessionComplete(sess.ID, storedKey, dur))

	s.m.SessionsCompleted.Inc()
	s.m.FinalizeDuration.Observe(time.Since(start).Seconds())
	log.WithFields(logrus.Fields{
		"audio_key": storedKey,
		"duration":  dur,
		"elapsed":   time.Since(start).Seconds(),
	}).Info("session finalized")
}

func (s *consultationService) markFailed(ctx context.Context, sess *session.Session, log *logrus.Entry) {
	if err := s.repo.MarkFailed(ctx, sess.ID); err != nil {
		log.WithError(err).Error("failed to mark transcription failed")
	}
}

func (s *consultationService) publishCompletion(ctx context.Context, sess *session.Session, key string, dur float64, log *logrus.Entry) {
	if s.rdb == nil {
		return
	}
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.RedisStream,
		Values: map[string]any{
			"event":      "session_complete",
			"session_id": sess.ID,
			"user_id":    sess.UserID,
			"audio_key":  key,
			"duration":   dur,
		},
	}).Err()
	if err != nil {
		log.WithError(err).Warn("failed to publish completion event")
	}
}

func (s *consultationService) sendToOwner(sess *session.Session, msg any) {
	if err := s.hub.Send(sess.TransportID, msg); err != nil && !errors.Is(err, transport.ErrNoTransport) {
		s.log.WithError(err).WithField("session_id", sess.ID).Debug("failed to notify session owner")
	}
}
