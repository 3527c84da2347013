package transport

import "time"

// Error codes carried on the wire in error messages. Clients branch on
// these, so the literals are part of the protocol and must not change.
const (
	CodeSessionLimitExceeded = "SESSION_LIMIT_EXCEEDED"
	CodeSessionStartFailed   = "SESSION_START_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeInvalidAudioChunk    = "INVALID_AUDIO_CHUNK"
	CodeStreamNotReady       = "STREAM_NOT_READY"
	CodeAudioProcessingFail  = "AUDIO_PROCESSING_FAILED"
	CodeS3UploadFailed       = "S3_UPLOAD_FAILED"
	CodeSessionEndFailed     = "SESSION_END_FAILED"
)

type SessionAck struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

type TranscriptionResult struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id"`
	SegmentID  string  `json:"segment_id"`
	Text       string  `json:"text"`
	IsPartial  bool    `json:"is_partial"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

type SessionComplete struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	AudioKey      string  `json:"audio_key,omitempty"`
	TotalDuration float64 `json:"total_duration"`
	Timestamp     float64 `json:"timestamp"`
}

type ErrorMessage struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id,omitempty"`
	ErrorCode   string  `json:"error_code"`
	Message     string  `json:"message"`
	Recoverable bool    `json:"recoverable"`
	Timestamp   float64 `json:"timestamp"`
}

type Heartbeat struct {
	Type           string  `json:"type"`
	ActiveSessions int     `json:"active_sessions"`
	Timestamp      float64 `json:"timestamp"`
}

type ServerShutdown struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

func NewSessionAck(sessionID string) SessionAck {
	return SessionAck{Type: "session_ack", SessionID: sessionID, Status: "ready", Timestamp: Now()}
}

func NewTranscriptionResult(sessionID, segmentID, text string, isPartial bool, confidence float64) TranscriptionResult {
	return TranscriptionResult{
		Type:       "transcription_result",
		SessionID:  sessionID,
		SegmentID:  segmentID,
		Text:       text,
		IsPartial:  isPartial,
		Confidence: confidence,
		Timestamp:  Now(),
	}
}

func NewSessionComplete(sessionID, audioKey string, totalDuration float64) SessionComplete {
	return SessionComplete{
		Type:          "session_complete",
		SessionID:     sessionID,
		AudioKey:      audioKey,
		TotalDuration: totalDuration,
		Timestamp:     Now(),
	}
}

func NewError(sessionID, code, msg string, recoverable bool) ErrorMessage {
	return ErrorMessage{
		Type:        "error",
		SessionID:   sessionID,
		ErrorCode:   code,
		Message:     msg,
		Recoverable: recoverable,
		Timestamp:   Now(),
	}
}

func NewHeartbeat(active int) Heartbeat {
	return Heartbeat{Type: "heartbeat", ActiveSessions: active, Timestamp: Now()}
}

func NewServerShutdown(msg string) ServerShutdown {
	return ServerShutdown{Type: "server_shutdown", Message: msg, Timestamp: Now()}
}

// Now returns the wire timestamp: unix seconds with sub-second precision.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
