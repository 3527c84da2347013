package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	frameMs       = 20
	maxOpusPacket = 4000
)

// encodeOggOpus compresses 16-bit LE mono PCM into an Ogg/Opus container.
// The final partial frame is zero-padded to a full Opus frame.
func encodeOggOpus(pcm []byte, sampleRate, bitrateKbps int) ([]byte, error) {
	if bitrateKbps <= 0 {
		bitrateKbps = 64
	}

	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrateKbps * 1000); err != nil {
		return nil, fmt.Errorf("opus bitrate: %w", err)
	}

	var buf bytes.Buffer
	ogg, err := oggwriter.NewWith(&buf, uint32(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}

	samplesPerFrame := sampleRate * frameMs / 1000
	frame := make([]int16, samplesPerFrame)
	packet := make([]byte, maxOpusPacket)

	var ts uint32
	var seq uint16
	for off := 0; off < len(pcm); off += samplesPerFrame * bytesPerSample {
		for i := range frame {
			frame[i] = 0
		}
		end := off + samplesPerFrame*bytesPerSample
		if end > len(pcm) {
			end = len(pcm)
		}
		for i := 0; off+i*bytesPerSample+1 < end; i++ {
			frame[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*bytesPerSample:]))
		}

		n, err := enc.Encode(frame, packet)
		if err != nil {
			_ = ogg.Close()
			return nil, fmt.Errorf("opus encode: %w", err)
		}

		payload := make([]byte, n)
		copy(payload, packet[:n])
		if err := ogg.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: seq, Timestamp: ts},
			Payload: payload,
		}); err != nil {
			_ = ogg.Close()
			return nil, fmt.Errorf("ogg write: %w", err)
		}
		ts += uint32(samplesPerFrame)
		seq++
	}

	if err := ogg.Close(); err != nil {
		return nil, fmt.Errorf("ogg close: %w", err)
	}
	return buf.Bytes(), nil
}
