package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// chatServer fakes the completions endpoint, echoing the last user message.
type chatServer struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	status   int
}

func (s *chatServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if s.status != 0 {
			http.Error(w, `{"error":{"message":"model overloaded"}}`, s.status)
			return
		}
		last := req.Messages[len(req.Messages)-1].Content
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "echo: " + last,
				},
			}},
			Usage: openai.Usage{TotalTokens: 33},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func newTestBackend(t *testing.T, srv *chatServer, maxHistory int) *OpenAI {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return NewOpenAI(OpenAIConfig{
		APIKey:             "test-key",
		BaseURL:            ts.URL,
		Model:              "gpt-test",
		SystemPrompt:       "be terse",
		MaxHistoryMessages: maxHistory,
	})
}

func TestChatComplete_ReturnsAnswerAndTokens(t *testing.T) {
	srv := &chatServer{}
	o := newTestBackend(t, srv, 0)

	answer, tokens, err := o.ChatComplete(context.Background(), 1, "hello")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if answer != "echo: hello" || tokens != 33 {
		t.Fatalf("answer = %q tokens = %d", answer, tokens)
	}

	// The system prompt opens the request, the prompt closes it.
	req := srv.requests[0]
	if req.Messages[0].Role != openai.ChatMessageRoleSystem || req.Messages[0].Content != "be terse" {
		t.Fatalf("first message = %+v", req.Messages[0])
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "hello" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestChatComplete_CarriesConversationHistory(t *testing.T) {
	srv := &chatServer{}
	o := newTestBackend(t, srv, 0)

	for i := 0; i < 3; i++ {
		if _, _, err := o.ChatComplete(context.Background(), 1, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	// system + 2 completed turns + the new prompt.
	if got := len(srv.requests[2].Messages); got != 6 {
		t.Fatalf("third request carried %d messages, want 6", got)
	}
	messages, _ := o.HistoryStats(1)
	if messages != 7 {
		t.Fatalf("history = %d messages, want system plus three turns", messages)
	}
}

func TestChatComplete_TrimsOldTurnsKeepsSystem(t *testing.T) {
	srv := &chatServer{}
	o := newTestBackend(t, srv, 5)

	for i := 0; i < 10; i++ {
		if _, _, err := o.ChatComplete(context.Background(), 1, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	messages, _ := o.HistoryStats(1)
	if messages != 5 {
		t.Fatalf("history = %d messages, want trimmed to 5", messages)
	}
	last := srv.requests[len(srv.requests)-1]
	if last.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("system prompt lost after trimming: %+v", last.Messages[0])
	}
}

func TestChatComplete_SeparateChatsDoNotShareHistory(t *testing.T) {
	srv := &chatServer{}
	o := newTestBackend(t, srv, 0)

	if _, _, err := o.ChatComplete(context.Background(), 1, "for chat one"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, _, err := o.ChatComplete(context.Background(), 2, "for chat two"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	for _, m := range srv.requests[1].Messages {
		if m.Content == "for chat one" {
			t.Fatal("chat 2 request leaked chat 1 history")
		}
	}
}

func TestChatComplete_FailureIsBackendError(t *testing.T) {
	srv := &chatServer{status: http.StatusInternalServerError}
	o := newTestBackend(t, srv, 0)

	_, _, err := o.ChatComplete(context.Background(), 1, "hello")
	if core.TypeOf(err) != core.ErrBackend {
		t.Fatalf("error type = %v, want backend", core.TypeOf(err))
	}
}

func TestResetHistory_SeedBecomesNewContext(t *testing.T) {
	srv := &chatServer{}
	o := newTestBackend(t, srv, 0)

	if _, _, err := o.ChatComplete(context.Background(), 1, "hello"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	o.ResetHistory(1, "you are a pirate now")

	messages, _ := o.HistoryStats(1)
	if messages != 1 {
		t.Fatalf("history = %d messages after reset, want the seed only", messages)
	}
	if _, _, err := o.ChatComplete(context.Background(), 1, "ahoy"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	req := srv.requests[len(srv.requests)-1]
	if req.Messages[0].Content != "you are a pirate now" {
		t.Fatalf("seed not carried: %+v", req.Messages[0])
	}

	o.ResetHistory(1, "")
	if messages, _ := o.HistoryStats(1); messages != 0 {
		t.Fatalf("history = %d after empty reset, want 0", messages)
	}
}
