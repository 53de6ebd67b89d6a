package matcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// chatServer returns a chat-completions stub answering with content.
func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("malformed request body: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseBatchDecodesFencedArray(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, 200, "```json\n[{\"symbol\":\"BTC\",\"threshold\":90000,\"direction\":\"above\"},null]\n```")
	p := NewLLMParser(srv.URL, "test-key", "test-model")

	answers, err := p.ParseBatch(context.Background(), []string{"Bitcoin to ninety thousand?", "Who wins the election?"})
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(answers) != 2 {
		t.Fatalf("answers = %d", len(answers))
	}
	if answers[0] == nil || answers[0].OracleSymbol != "BTC" || answers[0].Direction != "above" {
		t.Errorf("first answer = %+v", answers[0])
	}
	if answers[1] != nil {
		t.Errorf("null answer decoded as %+v", answers[1])
	}
}

func TestParseBatchRejectsMisalignedArray(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, 200, "[null]")
	p := NewLLMParser(srv.URL, "test-key", "test-model")

	if _, err := p.ParseBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("length mismatch must error")
	}
}

func TestParseBatchRejectsNonJSON(t *testing.T) {
	t.Parallel()
	srv := chatServer(t, 200, "I cannot help with that.")
	p := NewLLMParser(srv.URL, "test-key", "test-model")

	if _, err := p.ParseBatch(context.Background(), []string{"a"}); err == nil {
		t.Error("prose answer must error")
	}
}

func TestDecodeAnswersTolerantOfFences(t *testing.T) {
	t.Parallel()
	for _, content := range []string{
		`[null]`,
		"```json\n[null]\n```",
		"```\n[null]\n```",
		"  [null]  ",
	} {
		answers, err := decodeAnswers(content)
		if err != nil {
			t.Errorf("%q: %v", content, err)
			continue
		}
		if len(answers) != 1 || answers[0] != nil {
			t.Errorf("%q: answers = %+v", content, answers)
		}
	}
}
