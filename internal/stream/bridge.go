package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medscribe-io/medscribe/internal/providers/stt"
)

var (
	ErrStreamInit    = errors.New("failed to start transcription stream")
	ErrSenderStopped = errors.New("audio sender stopped")
	ErrQueueFull     = errors.New("audio queue full")
)

// State is the bridge lifecycle. Errored is terminal and reachable from
// Starting or Active.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateEnding
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Segment is one unit of transcribed text relayed to the orchestrator.
// Partial segments with the same SegmentID replace each other in the
// client's view; only non-partial segments are persisted.
type Segment struct {
	SegmentID  string
	Text       string
	IsPartial  bool
	Confidence float64
	Timestamp  time.Time
}

type Config struct {
	SessionID    string
	SampleRateHz int
	LanguageCode string
	Model        string
	QueueSize    int           // inbound chunk queue, default 64
	EndTimeout   time.Duration // bound on End's drain/wait, default 5s
}

// Bridge adapts one session's inbound chunk path onto the upstream
// service's bidirectional stream. The stream's write and read halves each
// run on a dedicated goroutine owned by the bridge, so SendChunk from the
// orchestrator's calling context is only ever a bounded queue handoff,
// never a direct call into the stream.
type Bridge struct {
	cfg       Config
	provider  stt.Provider
	onSegment func(Segment)
	log       *logrus.Entry

	state  atomic.Int32
	stream stt.Stream
	cancel context.CancelFunc

	chunks       chan []byte
	senderDone   chan struct{}
	receiverDone chan struct{}

	// queueMu orders SendChunk against the queue close in End: the reaper
	// can end a session concurrently with a late inbound chunk.
	queueMu     sync.RWMutex
	queueClosed bool
	endOnce     sync.Once

	// receiver-goroutine state, no locking needed
	fallbackSeq int64
	lastEmitted map[string]emitted
}

type emitted struct {
	text    string
	partial bool
}

func NewBridge(provider stt.Provider, cfg Config, onSegment func(Segment), log *logrus.Logger) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &Bridge{
		cfg:          cfg,
		provider:     provider,
		onSegment:    onSegment,
		log:          log.WithField("session_id", cfg.SessionID),
		chunks:       make(chan []byte, cfg.QueueSize),
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
		lastEmitted:  make(map[string]emitted),
	}
}

func (b *Bridge) State() State { return State(b.state.Load()) }

// Start opens the upstream stream and launches the sender/receiver pair.
// Blocks until the upstream handshake completes. Failure is fatal to the
// session; the bridge ends up Errored and must be discarded.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("%w: bridge already %s", ErrStreamInit, b.State())
	}

	sctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	s, err := b.provider.StartStream(sctx, stt.StreamConfig{
		SessionID:    b.cfg.SessionID,
		SampleRateHz: b.cfg.SampleRateHz,
		LanguageCode: b.cfg.LanguageCode,
		Model:        b.cfg.Model,
	})
	if err != nil {
		cancel()
		b.state.Store(int32(StateErrored))
		return fmt.Errorf("%w: %v", ErrStreamInit, err)
	}
	b.stream = s
	b.state.Store(int32(StateActive))

	go b.senderLoop()
	go b.receiverLoop()

	b.log.WithField("sample_rate", b.cfg.SampleRateHz).Info("transcription stream started")
	return nil
}

// SendChunk hands a PCM chunk to the sender task. Non-blocking: a saturated
// queue or a dead sender surfaces immediately instead of stalling the
// caller's event path.
func (b *Bridge) SendChunk(chunk []byte) error {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()

	if b.queueClosed || b.State() != StateActive {
		return ErrSenderStopped
	}
	select {
	case <-b.senderDone:
		return ErrSenderStopped
	default:
	}
	select {
	case b.chunks <- chunk:
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Bridge) senderLoop() {
	defer close(b.senderDone)

	for chunk := range b.chunks {
		if err := b.stream.Send(chunk); err != nil {
			b.log.WithError(err).Error("audio sender stopped")
			b.state.CompareAndSwap(int32(StateActive), int32(StateErrored))
			return
		}
	}

	// queue closed by End: signal end-of-input upstream
	if err := b.stream.CloseSend(); err != nil {
		b.log.WithError(err).Warn("error ending input stream")
	}
}

func (b *Bridge) receiverLoop() {
	defer close(b.receiverDone)

	for {
		res, err := b.stream.Recv()
		if err != nil {
			if err != io.EOF && !errors.Is(err, context.Canceled) {
				b.log.WithError(err).Error("result receiver stopped")
				b.state.CompareAndSwap(int32(StateActive), int32(StateErrored))
			}
			return
		}
		b.handleResult(res)
	}
}

// handleResult maps an upstream result to a Segment and relays it. Runs on
// the receiver goroutine only.
func (b *Bridge) handleResult(res stt.Result) {
	if res.Text == "" {
		return
	}

	id := res.ResultID
	if id == "" {
		b.fallbackSeq++
		id = strconv.FormatInt(b.fallbackSeq, 10)
	}
	segmentID := b.cfg.SessionID + "_" + id

	// suppress identical repeats of the same segment revision
	cur := emitted{text: res.Text, partial: !res.IsFinal}
	if prev, ok := b.lastEmitted[segmentID]; ok && prev == cur {
		return
	}
	b.lastEmitted[segmentID] = cur

	b.onSegment(Segment{
		SegmentID:  segmentID,
		Text:       res.Text,
		IsPartial:  !res.IsFinal,
		Confidence: res.Confidence,
		Timestamp:  time.Now().UTC(),
	})
}

// End drains outstanding audio, signals end-of-input, and waits for the
// result task to finish, each bounded by EndTimeout. It transitions to
// Closed regardless of whether the drain completed cleanly and never hangs:
// on timeout the upstream context is cancelled, which aborts both tasks.
// Idempotent.
func (b *Bridge) End() {
	b.endOnce.Do(func() {
		prev := b.State()
		if prev == StateIdle {
			b.state.Store(int32(StateClosed))
			return
		}
		b.state.Store(int32(StateEnding))

		b.queueMu.Lock()
		if !b.queueClosed {
			b.queueClosed = true
			close(b.chunks)
		}
		b.queueMu.Unlock()

		drain := time.NewTimer(b.cfg.EndTimeout)
		select {
		case <-b.senderDone:
		case <-drain.C:
			b.log.Warn("timed out draining audio sender")
		}
		drain.Stop()

		wait := time.NewTimer(b.cfg.EndTimeout)
		select {
		case <-b.receiverDone:
		case <-wait.C:
			b.log.Warn("timed out waiting for result receiver")
		}
		wait.Stop()

		if b.cancel != nil {
			b.cancel()
		}
		b.state.Store(int32(StateClosed))
		b.log.Info("transcription stream ended")
	})
}
