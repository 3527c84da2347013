package audio

import (
	"errors"
	"fmt"
)

// PCM format is 16-bit signed little-endian, mono.
const bytesPerSample = 2

var (
	ErrBufferOverflow = errors.New("audio buffer overflow: maximum recording duration reached")
	ErrEmptyBuffer    = errors.New("cannot finalize empty audio buffer")
)

// Buffer accumulates raw PCM chunks for one streaming session and converts
// them to a compressed Ogg/Opus artifact on finalize. A Buffer is owned by
// exactly one session and is not safe for concurrent use.
type Buffer struct {
	chunks     [][]byte
	sampleRate int
	maxBytes   int
	totalBytes int
	finalized  bool
}

func NewBuffer(sampleRate, maxDurationSeconds int) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		maxBytes:   maxDurationSeconds * sampleRate * bytesPerSample,
	}
}

// Append adds a PCM chunk. ErrBufferOverflow is fatal to the session: the
// buffer keeps its prior contents and the caller is expected to stop feeding.
func (b *Buffer) Append(chunk []byte) error {
	if b.finalized {
		panic("audio: Append after Finalize")
	}
	if b.totalBytes+len(chunk) > b.maxBytes {
		return fmt.Errorf("%w: %d+%d exceeds %d bytes",
			ErrBufferOverflow, b.totalBytes, len(chunk), b.maxBytes)
	}
	b.chunks = append(b.chunks, chunk)
	b.totalBytes += len(chunk)
	return nil
}

// TotalDuration reports buffered audio length in seconds, exact to
// integer-byte rounding. Computed from the byte count each call, so there is
// no drift across calls.
func (b *Buffer) TotalDuration() float64 {
	if b.totalBytes == 0 {
		return 0
	}
	samples := float64(b.totalBytes) / bytesPerSample
	return samples / float64(b.sampleRate)
}

func (b *Buffer) TotalBytes() int { return b.totalBytes }

func (b *Buffer) ChunkCount() int { return len(b.chunks) }

func (b *Buffer) SampleRate() int { return b.sampleRate }

// Finalize concatenates all chunks in append order and encodes them as a
// mono Ogg/Opus artifact at the given bitrate. It consumes the buffer:
// calling it twice is a programming error and panics.
func (b *Buffer) Finalize(bitrateKbps int) ([]byte, error) {
	if b.finalized {
		panic("audio: Finalize called twice")
	}
	if len(b.chunks) == 0 {
		return nil, ErrEmptyBuffer
	}
	b.finalized = true

	pcm := make([]byte, 0, b.totalBytes)
	for _, c := range b.chunks {
		pcm = append(pcm, c...)
	}
	b.chunks = nil

	out, err := encodeOggOpus(pcm, b.sampleRate, bitrateKbps)
	if err != nil {
		return nil, fmt.Errorf("encode ogg/opus: %w", err)
	}
	return out, nil
}

// Clear releases buffered fragments without finalizing. Used when a session
// is torn down on an error path and the audio is discarded.
func (b *Buffer) Clear() {
	b.chunks = nil
	b.totalBytes = 0
}
