package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/medscribe-io/medscribe/internal/audio"
	"github.com/medscribe-io/medscribe/internal/services"
	"github.com/medscribe-io/medscribe/internal/session"
	"github.com/medscribe-io/medscribe/internal/stream"
	"github.com/medscribe-io/medscribe/internal/transport"
)

const readTimeout = 60 * time.Second

type WSHandler struct {
	svc      services.ConsultationService
	hub      *transport.Hub
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(svc services.ConsultationService, hub *transport.Hub, log *logrus.Logger) *WSHandler {
	if log == nil {
		log = logrus.New()
	}
	return &WSHandler{
		svc: svc,
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origin in prod
		},
	}
}

type wsClientMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Quality   string `json:"quality"`
	AudioData string `json:"audio_data"` // base64 PCM
	ChunkID   *int64 `json:"chunk_id"`   // optional sequence number
}

// DictationWS is the streaming endpoint. One connection can carry multiple
// sessions over its lifetime; each session is bound to the transport id of
// the connection that started it.
func (h *WSHandler) DictationWS(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}

	transportID := uuid.NewString()
	wc := transport.NewConn(conn)
	h.hub.Register(transportID, wc)

	log := h.log.WithFields(logrus.Fields{
		"transport_id": transportID,
		"user_id":      userID,
	})
	log.Info("dictation client connected")

	defer func() {
		h.hub.Unregister(transportID)
		_ = wc.Close()
		log.Info("dictation client disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	ctx := c.Request.Context()

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.WriteJSON(transport.NewError("", transport.CodeInvalidAudioChunk, "invalid json", true))
			continue
		}

		switch msg.Type {
		case "session_start":
			h.handleStart(ctx, wc, log, msg, userID, transportID)

		case "audio_chunk":
			h.handleChunk(ctx, wc, log, msg)

		case "session_end":
			if err := h.svc.EndSession(ctx, msg.SessionID); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					// already finalized by the reaper or a prior end
					continue
				}
				log.WithError(err).WithField("session_id", msg.SessionID).Error("session end failed")
				_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeSessionEndFailed,
					"failed to end session", false))
			}

		default:
			log.WithField("message_type", msg.Type).Debug("unknown message type ignored")
		}
	}
}

func (h *WSHandler) handleStart(ctx context.Context, wc *transport.Conn, log *logrus.Entry, msg wsClientMsg, userID, transportID string) {
	id, err := h.svc.StartSession(ctx, msg.SessionID, userID, transportID, session.Quality(msg.Quality))
	if err != nil {
		code, recoverable := transport.CodeSessionStartFailed, true
		switch {
		case errors.Is(err, session.ErrCapacityExceeded):
			code, recoverable = transport.CodeSessionLimitExceeded, false
		case errors.Is(err, session.ErrDuplicateSession):
			recoverable = false
		}
		log.WithError(err).Warn("session start rejected")
		_ = wc.WriteJSON(transport.NewError(msg.SessionID, code, err.Error(), recoverable))
		return
	}
	_ = wc.WriteJSON(transport.NewSessionAck(id))
}

func (h *WSHandler) handleChunk(ctx context.Context, wc *transport.Conn, log *logrus.Entry, msg wsClientMsg) {
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeInvalidAudioChunk,
			"audio_data is not valid base64", true))
		return
	}
	if len(pcm) == 0 {
		return
	}

	seq := int64(-1)
	if msg.ChunkID != nil {
		seq = *msg.ChunkID
	}

	if err := h.svc.HandleAudioChunk(ctx, msg.SessionID, seq, pcm); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeSessionNotFound,
				"session not found", false))
		case errors.Is(err, audio.ErrBufferOverflow):
			// recording limit reached; the session is over
			_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeAudioProcessingFail,
				"maximum recording duration reached", false))
			_ = h.svc.EndSession(ctx, msg.SessionID)
		case errors.Is(err, stream.ErrQueueFull):
			_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeStreamNotReady,
				"stream backpressure, chunk dropped", true))
		case errors.Is(err, stream.ErrSenderStopped):
			_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeStreamNotReady,
				"transcription stream is not available", false))
			_ = h.svc.EndSession(ctx, msg.SessionID)
		default:
			log.WithError(err).WithField("session_id", msg.SessionID).Error("audio chunk failed")
			_ = wc.WriteJSON(transport.NewError(msg.SessionID, transport.CodeAudioProcessingFail,
				"failed to process audio chunk", true))
		}
	}
}
