package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/medscribe-io/medscribe/internal/session"
	"github.com/medscribe-io/medscribe/internal/transport"
)

type fakeConsultationService struct {
	mu       sync.Mutex
	startErr error
	chunkErr error
	ended    []string
	chunks   int
}

func (f *fakeConsultationService) StartSession(_ context.Context, sessionID, _, _ string, _ session.Quality) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if sessionID == "" {
		sessionID = "generated-id"
	}
	return sessionID, nil
}

func (f *fakeConsultationService) HandleAudioChunk(_ context.Context, _ string, _ int64, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunkErr != nil {
		return f.chunkErr
	}
	f.chunks++
	return nil
}

func (f *fakeConsultationService) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeConsultationService) SweepIdle(_ context.Context) int { return 0 }
func (f *fakeConsultationService) Shutdown(_ context.Context)     {}
func (f *fakeConsultationService) ActiveSessions() int            { return 0 }

func dialWS(t *testing.T, svc *fakeConsultationService) (*websocket.Conn, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	h := NewWSHandler(svc, transport.NewHub(nil), nil)
	r.GET("/ws", func(c *gin.Context) {
		c.Set("user_id", "u1")
		h.DictationWS(c)
	})

	srv := httptest.NewServer(r)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	return m
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func TestSessionStartAck(t *testing.T) {
	conn, cleanup := dialWS(t, &fakeConsultationService{})
	defer cleanup()

	send(t, conn, map[string]any{"type": "session_start", "session_id": "sess-1", "quality": "medium"})

	m := readMessage(t, conn)
	if m["type"] != "session_ack" {
		t.Fatalf("Expected session_ack, got %v", m["type"])
	}
	if m["session_id"] != "sess-1" {
		t.Errorf("Expected session id echoed, got %v", m["session_id"])
	}
	if m["status"] != "ready" {
		t.Errorf("Expected status ready, got %v", m["status"])
	}
}

func TestSessionStartCapacityRejection(t *testing.T) {
	svc := &fakeConsultationService{
		startErr: fmt.Errorf("maximum concurrent sessions reached: %w", session.ErrCapacityExceeded),
	}
	conn, cleanup := dialWS(t, svc)
	defer cleanup()

	send(t, conn, map[string]any{"type": "session_start", "quality": "low"})

	m := readMessage(t, conn)
	if m["type"] != "error" {
		t.Fatalf("Expected error, got %v", m["type"])
	}
	if m["error_code"] != transport.CodeSessionLimitExceeded {
		t.Errorf("Expected SESSION_LIMIT_EXCEEDED, got %v", m["error_code"])
	}
	if m["recoverable"] != false {
		t.Errorf("Expected recoverable=false, got %v", m["recoverable"])
	}
}

func TestAudioChunkInvalidBase64(t *testing.T) {
	conn, cleanup := dialWS(t, &fakeConsultationService{})
	defer cleanup()

	send(t, conn, map[string]any{"type": "audio_chunk", "session_id": "s", "audio_data": "%%%not-base64%%%"})

	m := readMessage(t, conn)
	if m["error_code"] != transport.CodeInvalidAudioChunk {
		t.Fatalf("Expected INVALID_AUDIO_CHUNK, got %v", m["error_code"])
	}
	if m["recoverable"] != true {
		t.Errorf("Expected recoverable=true, got %v", m["recoverable"])
	}
}

func TestAudioChunkUnknownSession(t *testing.T) {
	svc := &fakeConsultationService{chunkErr: session.ErrSessionNotFound}
	conn, cleanup := dialWS(t, svc)
	defer cleanup()

	payload := base64.StdEncoding.EncodeToString(make([]byte, 320))
	send(t, conn, map[string]any{"type": "audio_chunk", "session_id": "gone", "audio_data": payload})

	m := readMessage(t, conn)
	if m["error_code"] != transport.CodeSessionNotFound {
		t.Fatalf("Expected SESSION_NOT_FOUND, got %v", m["error_code"])
	}
	if m["recoverable"] != false {
		t.Errorf("Expected recoverable=false, got %v", m["recoverable"])
	}
}

func TestEmptyChunkIgnored(t *testing.T) {
	svc := &fakeConsultationService{}
	conn, cleanup := dialWS(t, svc)
	defer cleanup()

	send(t, conn, map[string]any{"type": "audio_chunk", "session_id": "s", "audio_data": ""})
	// a valid chunk afterwards still flows; the empty one produced neither
	// a service call nor an error reply
	payload := base64.StdEncoding.EncodeToString(make([]byte, 320))
	send(t, conn, map[string]any{"type": "session_end", "session_id": "s", "audio_data": payload})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		done := len(svc.ended) == 1
		chunks := svc.chunks
		svc.mu.Unlock()
		if done {
			if chunks != 0 {
				t.Errorf("Empty chunk should not reach the service, got %d calls", chunks)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session_end was never processed")
}
