// Package analyze produces the structured call report from a sanitized
// transcript using an OpenAI chat model.
package analyze

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/prompts"
)

// DefaultModel is used when a tenant has not picked one.
const DefaultModel = "gpt-4o-mini"

// temperature keeps report wording stable across runs.
const temperature = 0.2

// Result is a parsed analysis report plus the usage the provider billed.
type Result struct {
	Raw          string
	Summary      string
	ActionItems  []string
	Sentiment    string
	UrgentTopics string
	Booking      string // empty when the report gave no recognizable status
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// chatAPI is the slice of the OpenAI client the analyzer uses.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Analyzer runs chat completions with one tenant's key and model.
type Analyzer struct {
	api   chatAPI
	model string
}

func New(apiKey, model string) *Analyzer {
	if model == "" {
		model = DefaultModel
	}
	return &Analyzer{api: openai.NewClient(apiKey), model: model}
}

// Analyze sends the transcript as the user message under the analysis
// prompt and parses the numbered report. An empty prompt selects the
// embedded default.
func (a *Analyzer) Analyze(ctx context.Context, transcript, prompt string) (*Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, apperr.Data("analyze.chat", "empty transcript", nil)
	}

	resp, err := a.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.Analysis(prompt)},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return nil, classifyAPIError("analyze.chat", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Data("analyze.chat", "response had no choices", nil)
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	rep := parseReport(raw)

	model := resp.Model
	if model == "" {
		model = a.model
	}
	return &Result{
		Raw:          raw,
		Summary:      rep.summary,
		ActionItems:  rep.actionItems,
		Sentiment:    rep.sentiment,
		UrgentTopics: rep.urgentTopics,
		Booking:      rep.booking,
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
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
