// Package transcribe turns recording audio into word-timestamped text
// through the OpenAI Whisper API.
package transcribe

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/callscribe/callscribe/internal/apperr"
)

// Word is one token with its position in the audio.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// Segment is one phrase-level chunk of the transcript.
type Segment struct {
	Text  string
	Start float64
	End   float64
}

// Result is a completed transcription.
type Result struct {
	Text     string
	Words    []Word
	Segments []Segment
	Duration float64 // seconds reported by the API
	Model    string
}

// audioAPI is the slice of the OpenAI client the transcriber uses.
type audioAPI interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Transcriber calls Whisper with one tenant's key and model.
type Transcriber struct {
	api   audioAPI
	model string
}

func New(apiKey, model string) *Transcriber {
	if model == "" {
		model = openai.Whisper1
	}
	return &Transcriber{api: openai.NewClient(apiKey), model: model}
}

// Transcribe uploads a local audio file and returns text with word and
// segment timestamps. Callers count the attempt before invoking this,
// so abandoned requests still show up in usage.
func (t *Transcriber) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	resp, err := t.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	})
	if err != nil {
		return nil, classifyAPIError("transcribe.whisper", err)
	}

	out := &Result{
		Text:     strings.TrimSpace(resp.Text),
		Duration: resp.Duration,
		Model:    t.model,
	}
	for _, w := range resp.Words {
		out.Words = append(out.Words, Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, Segment{
			Text:  strings.TrimSpace(s.Text),
			Start: s.Start,
			End:   s.End,
		})
	}
	return out, nil
}

// TestConnect verifies an OpenAI key by listing the models visible to
// it. Returns the model count so callers can report something concrete.
func TestConnect(ctx context.Context, apiKey string) (int, error) {
	resp, err := openai.NewClient(apiKey).ListModels(ctx)
	if err != nil {
		return 0, classifyAPIError("transcribe.test", err)
	}
	return len(resp.Models), nil
}

// classifyAPIError keeps the upstream HTTP status when the provider
// answered, and marks pure network failures retryable.
func classifyAPIError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperr.ExternalAPI(op, apiErr.HTTPStatusCode, err)
	}
	return apperr.Transport(op, true, err)
}
