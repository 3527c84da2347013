package models

import "time"

const (
	TranscriptionStatusInProgress = "IN_PROGRESS"
	TranscriptionStatusCompleted  = "COMPLETED"
	TranscriptionStatusFailed     = "FAILED"
)

type Transcription struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID string `gorm:"column:session_id;type:uuid;uniqueIndex" json:"session_id"`
	UserID    string `gorm:"column:user_id;type:uuid;index" json:"user_id"`

	AudioKey       string `gorm:"column:audio_key;type:text" json:"audio_key"`
	TranscriptText string `gorm:"column:transcript_text;type:text" json:"transcript_text"`

	Status      string `gorm:"column:status;type:text" json:"status"` // IN_PROGRESS|COMPLETED|FAILED
	Quality     string `gorm:"column:quality;type:text" json:"quality"`
	SampleRate  int    `gorm:"column:sample_rate;type:integer" json:"sample_rate"`
	IsStreaming bool   `gorm:"column:is_streaming" json:"is_streaming"`

	AudioDurationSeconds float64 `gorm:"column:audio_duration_seconds;type:double precision" json:"audio_duration_seconds"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Transcription) TableName() string { return "transcriptions" }
