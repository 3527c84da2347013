package postgres

import (
	"context"
	"errors"

	"github.com/medscribe-io/medscribe/internal/models"
	"github.com/medscribe-io/medscribe/internal/utils"
	"gorm.io/gorm"
)

type TranscriptionRepository interface {
	Insert(ctx context.Context, t *models.Transcription) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.Transcription, error)
	AppendText(ctx context.Context, sessionID, text string) error
	Complete(ctx context.Context, sessionID, audioKey string, durationSeconds float64) error
	MarkFailed(ctx context.Context, sessionID string) error
}

type transcriptionRepo struct {
	db *gorm.DB
}

func NewTranscriptionRepo(db *gorm.DB) TranscriptionRepository {
	return &transcriptionRepo{db: db}
}

func (r *transcriptionRepo) Insert(ctx context.Context, t *models.Transcription) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *transcriptionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.Transcription, error) {
	var row models.Transcription
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// AppendText concatenates a finalized segment onto the stored transcript
// with a single space separator. Done server-side so concurrent segment
// writers never lose text to a read-modify-write race.
func (r *transcriptionRepo) AppendText(ctx context.Context, sessionID, text string) error {
	return r.db.WithContext(ctx).
		Model(&models.Transcription{}).
		Where("session_id = ?", sessionID).
		Update("transcript_text", gorm.Expr(
			"CASE WHEN COALESCE(transcript_text, '') = '' THEN ? ELSE transcript_text || ' ' || ? END",
			text, text,
		)).Error
}

func (r *transcriptionRepo) Complete(ctx context.Context, sessionID, audioKey string, durationSeconds float64) error {
	return r.db.WithContext(ctx).
		Model(&models.Transcription{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{
			"status":                 models.TranscriptionStatusCompleted,
			"audio_key":              audioKey,
			"audio_duration_seconds": durationSeconds,
		}).Error
}

func (r *transcriptionRepo) MarkFailed(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Transcription{}).
		Where("session_id = ?", sessionID).
		Update("status", models.TranscriptionStatusFailed).Error
}
