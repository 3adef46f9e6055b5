package analyze

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/callscribe/callscribe/internal/apperr"
	"github.com/callscribe/callscribe/internal/prompts"
)

type fakeChatAPI struct {
	calls int
	req   openai.ChatCompletionRequest
	resp  openai.ChatCompletionResponse
	err   error
}

func (f *fakeChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.req = req
	return f.resp, f.err
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: "gpt-4o-mini-2024-07-18",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
		Usage: openai.Usage{PromptTokens: 820, CompletionTokens: 140, TotalTokens: 960},
	}
}

const sampleReport = `**1. Summary**
John called to reschedule his annual maintenance visit. The agent confirmed
availability for Thursday and collected updated contact details.

**2. Action Items**
1. Email the updated service agreement to the customer.
2. Confirm the Thursday slot with the field technician.

**3. Sentiment**
Positive

**4. Urgent Topics**
None

**5. Booking Status**
Rescheduled

**6. Additional Notes**
Customer mentioned the gate code changed.`

func TestAnalyzeRequestShape(t *testing.T) {
	api := &fakeChatAPI{resp: chatResponse(sampleReport)}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	if _, err := a.Analyze(context.Background(), "hello there", ""); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if api.req.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", api.req.Model)
	}
	if api.req.Temperature != 0.2 {
		t.Fatalf("temperature = %v", api.req.Temperature)
	}
	if len(api.req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(api.req.Messages))
	}
	if api.req.Messages[0].Role != openai.ChatMessageRoleSystem || api.req.Messages[0].Content != prompts.DefaultAnalysis() {
		t.Fatalf("system message = %+v", api.req.Messages[0])
	}
	if api.req.Messages[1].Role != openai.ChatMessageRoleUser || api.req.Messages[1].Content != "hello there" {
		t.Fatalf("user message = %+v", api.req.Messages[1])
	}
}

func TestAnalyzeCustomPrompt(t *testing.T) {
	api := &fakeChatAPI{resp: chatResponse(sampleReport)}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	if _, err := a.Analyze(context.Background(), "hello", "Summarize in pirate voice."); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if api.req.Messages[0].Content != "Summarize in pirate voice." {
		t.Fatalf("system message = %q", api.req.Messages[0].Content)
	}
}

func TestAnalyzeParsesReport(t *testing.T) {
	api := &fakeChatAPI{resp: chatResponse(sampleReport)}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	res, err := a.Analyze(context.Background(), "transcript text", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.HasPrefix(res.Summary, "John called") {
		t.Fatalf("summary = %q", res.Summary)
	}
	wantItems := []string{
		"Email the updated service agreement to the customer.",
		"Confirm the Thursday slot with the field technician.",
	}
	if !reflect.DeepEqual(res.ActionItems, wantItems) {
		t.Fatalf("action items = %#v", res.ActionItems)
	}
	if res.Sentiment != "positive" {
		t.Fatalf("sentiment = %q", res.Sentiment)
	}
	if res.UrgentTopics != "None" {
		t.Fatalf("urgent topics = %q", res.UrgentTopics)
	}
	if res.Booking != "Rescheduled" {
		t.Fatalf("booking = %q", res.Booking)
	}
	if res.Model != "gpt-4o-mini-2024-07-18" {
		t.Fatalf("model = %q", res.Model)
	}
	if res.InputTokens != 820 || res.OutputTokens != 140 || res.TotalTokens != 960 {
		t.Fatalf("usage = %d/%d/%d", res.InputTokens, res.OutputTokens, res.TotalTokens)
	}
	if !strings.Contains(res.Raw, "gate code") {
		t.Fatal("raw report should keep the additional notes section")
	}
}

func TestAnalyzeModelFallback(t *testing.T) {
	resp := chatResponse(sampleReport)
	resp.Model = ""
	api := &fakeChatAPI{resp: resp}
	a := &Analyzer{api: api, model: "gpt-4o"}

	res, err := a.Analyze(context.Background(), "transcript", "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Model != "gpt-4o" {
		t.Fatalf("model = %q", res.Model)
	}
}

func TestAnalyzeEmptyTranscript(t *testing.T) {
	api := &fakeChatAPI{resp: chatResponse(sampleReport)}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	_, err := a.Analyze(context.Background(), "   ", "")
	if apperr.KindOf(err) != apperr.KindData {
		t.Fatalf("kind = %v", apperr.KindOf(err))
	}
	if api.calls != 0 {
		t.Fatal("empty transcript should not reach the provider")
	}
}

func TestAnalyzeNoChoices(t *testing.T) {
	api := &fakeChatAPI{resp: openai.ChatCompletionResponse{}}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	_, err := a.Analyze(context.Background(), "transcript", "")
	if apperr.KindOf(err) != apperr.KindData {
		t.Fatalf("kind = %v", apperr.KindOf(err))
	}
}

func TestAnalyzeClassifiesProviderError(t *testing.T) {
	api := &fakeChatAPI{err: &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "upstream"}}
	a := &Analyzer{api: api, model: "gpt-4o-mini"}

	_, err := a.Analyze(context.Background(), "transcript", "")
	if apperr.KindOf(err) != apperr.KindExternalAPI || !apperr.Retryable(err) {
		t.Fatalf("500 should be a retryable external_api error, got %v", err)
	}

	api.err = &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "bad request"}
	_, err = a.Analyze(context.Background(), "transcript", "")
	if apperr.KindOf(err) != apperr.KindExternalAPI || apperr.Retryable(err) {
		t.Fatalf("400 should be a permanent external_api error, got %v", err)
	}
}
