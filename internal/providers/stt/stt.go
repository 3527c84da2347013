package stt

import "context"

// Result is one partial or final recognition event from the upstream
// service. ResultID is the service's stable identifier for the utterance
// when it supplies one; revisions of the same utterance carry the same id.
type Result struct {
	ResultID   string
	Text       string
	IsFinal    bool
	Confidence float64
}

type StreamConfig struct {
	SessionID    string
	SampleRateHz int
	LanguageCode string // ex: "en-US"
	Model        string // domain hint, ex: "medical_dictation"
}

// Stream is one live bidirectional recognition stream. Send and Recv are
// driven from two different goroutines (the bridge's sender and receiver
// tasks); implementations must tolerate that split but need no further
// concurrency. Recv returns io.EOF after CloseSend once the service has
// flushed its remaining results.
type Stream interface {
	Send(audio []byte) error
	CloseSend() error
	Recv() (Result, error)
}

type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}
