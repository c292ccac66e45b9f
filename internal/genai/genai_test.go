package genai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// The SDK service satisfies completionService through its pointer receiver.
var _ completionService = &openai.ChatCompletionService{}

// mockCompletionService simulates chat completion calls.
type mockCompletionService struct {
	response string
	errs     []error
	calls    int
}

func (m *mockCompletionService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.response}},
		},
	}, nil
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func newTestClient(mock *mockCompletionService) *Client {
	return &Client{
		chat:        mock,
		model:       DefaultModel,
		temperature: DefaultTemperature,
		timeout:     time.Second,
	}
}

func TestCompleteReturnsTrimmedContent(t *testing.T) {
	mock := &mockCompletionService{response: "  {\"intent\": \"small_talk\"}\n"}
	c := newTestClient(mock)
	got, err := c.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != `{"intent": "small_talk"}` {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestCompleteRetriesTransientOnce(t *testing.T) {
	mock := &mockCompletionService{response: "ok", errs: []error{fakeNetError{}}}
	c := newTestClient(mock)
	got, err := c.Complete(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Complete failed after retry: %v", err)
	}
	if got != "ok" {
		t.Errorf("unexpected content: %q", got)
	}
	if mock.calls != 2 {
		t.Errorf("expected 2 calls, got %d", mock.calls)
	}
}

func TestCompleteDoesNotRetryNonTransient(t *testing.T) {
	mock := &mockCompletionService{errs: []error{errors.New("bad request")}}
	c := newTestClient(mock)
	if _, err := c.Complete(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error")
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls)
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := newTestClient(&mockCompletionService{})
	c.chat = &emptyChoicesService{}
	if _, err := c.Complete(context.Background(), "system", "user"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

type emptyChoicesService struct{}

func (emptyChoicesService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	return &openai.ChatCompletion{}, nil
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without API key")
	}
	c, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-4o"), WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.model != "gpt-4o" || c.timeout != 5*time.Second {
		t.Errorf("options not applied: %s %s", c.model, c.timeout)
	}
}
