package stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
)

type GoogleSpeech struct {
	c *speech.Client
}

func NewGoogleSpeech(ctx context.Context, opts ...option.ClientOption) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GoogleSpeech{c: c}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// StartStream opens a bidirectional StreamingRecognize stream and sends the
// recognition config as the first request. LINEAR16 mono, interim results
// enabled so the client sees partials as the clinician speaks.
func (g *GoogleSpeech) StartStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}

	sc, err := g.c.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	err = sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(cfg.SampleRateHz),
					LanguageCode:               cfg.LanguageCode,
					Model:                      cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		_ = sc.CloseSend()
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	return &googleStream{sc: sc}, nil
}

type googleStream struct {
	sc speechpb.Speech_StreamingRecognizeClient

	// utterance index for minting stable result ids: the v1 API carries no
	// result id of its own, but results[0] of each response revises the
	// current utterance until it arrives with is_final set.
	utterance int
	pending   []Result
}

func (s *googleStream) Send(audio []byte) error {
	return s.sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

func (s *googleStream) CloseSend() error { return s.sc.CloseSend() }

func (s *googleStream) Recv() (Result, error) {
	for len(s.pending) == 0 {
		resp, err := s.sc.Recv()
		if err != nil {
			return Result{}, err
		}
		if respErr := resp.GetError(); respErr != nil {
			return Result{}, fmt.Errorf("streaming recognize: %s", respErr.GetMessage())
		}

		base := s.utterance
		for i, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			alt := r.GetAlternatives()[0]
			res := Result{
				ResultID:   fmt.Sprintf("u%06d", base+i),
				Text:       alt.GetTranscript(),
				IsFinal:    r.GetIsFinal(),
				Confidence: float64(alt.GetConfidence()),
			}
			if r.GetIsFinal() {
				s.utterance++
			}
			s.pending = append(s.pending, res)
		}
	}

	res := s.pending[0]
	s.pending = s.pending[1:]
	return res, nil
}
