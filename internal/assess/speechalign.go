package assess

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var _ Assessor = (*SpeechAlign)(nil)

// ErrNoAudio is returned when a request carries no usable audio.
var ErrNoAudio = errors.New("assess: no audio to assess")

const defaultModel = "whisper-1"

// SpeechAlignOption is a functional option for configuring a SpeechAlign.
type SpeechAlignOption func(*SpeechAlign)

// WithModel selects the transcription model.
func WithModel(model string) SpeechAlignOption {
	return func(a *SpeechAlign) { a.model = model }
}

// WithBaseURL overrides the API endpoint. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) SpeechAlignOption {
	return func(a *SpeechAlign) { a.baseURL = url }
}

// SpeechAlign scores pronunciation by transcribing the learner's audio
// independently and aligning the recognized words against the expected
// transcript. Words the recognizer heard differently (or not at all) score
// low; homophones and near-matches score high.
type SpeechAlign struct {
	client  openai.Client
	model   string
	baseURL string
}

// NewSpeechAlign creates an assessor backed by an OpenAI-compatible
// transcription endpoint.
func NewSpeechAlign(apiKey string, opts ...SpeechAlignOption) *SpeechAlign {
	a := &SpeechAlign{model: defaultModel}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = openai.NewClient(clientOpts...)
	return a
}

// Assess implements [Assessor].
func (a *SpeechAlign) Assess(ctx context.Context, req Request) (Result, error) {
	if len(req.Audio) == 0 {
		return Result{}, ErrNoAudio
	}
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16_000
	}

	wav := wrapPCMAsWAV(req.Audio, sampleRate, 1, 16)

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(a.model),
		File:  openai.File(bytes.NewReader(wav), "turn.wav", "audio/wav"),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("assess: transcribe: %w", err)
	}

	return Score(req.Expected, resp.Text), nil
}

// Score aligns a recognized utterance against the expected transcript and
// produces the assessment. Exposed separately so the alignment can be
// exercised without a recognizer.
func Score(expected, recognized string) Result {
	expWords := tokenize(expected)
	recWords := tokenize(recognized)

	words := alignWords(expWords, recWords)
	return Result{
		OverallScore: overall(words),
		FluencyScore: fluency(words, recWords),
		Words:        words,
		Recognized:   recognized,
	}
}
