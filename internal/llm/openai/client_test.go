package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	if xerrors.CodeOf(err) != xerrors.CodeFatalConfiguration {
		t.Fatalf("missing key should be fatal, got %v", err)
	}
}

func TestGenerateTextual(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Thought: done\nFinal Answer: ok"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "hi"}},
		Stop:     []string{"\nObservation:"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Thought: done\nFinal Answer: ok" || len(resp.ToolCalls) != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if _, ok := captured.Body["functions"]; ok {
		t.Fatalf("textual requests must not carry functions")
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
}

func TestGenerateFunctionCall(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":null,"function_call":{"name":"close_ticket","arguments":"{\"id\":4512}"},"tool_calls":[{"id":"call_2","type":"function","function":{"name":"get_ticket","arguments":"{\"id\":1}"}}]},"finish_reason":"function_call"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	specs, err := schema.ToProviderFormat(tool.DefaultCatalog(), schema.VariantSingleTurnJSON)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "close ticket 4512"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "get_ticket", Arguments: `{"id":4512}`}}},
			{Role: llm.RoleTool, Name: "get_ticket", Content: `{"status":"open"}`},
		},
		Functions: schema.Functions(specs),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected both call shapes to be parsed, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Name != "close_ticket" || resp.ToolCalls[0].Arguments != `{"id":4512}` {
		t.Fatalf("unexpected first call: %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].ID != "call_2" {
		t.Fatalf("tool call id lost: %+v", resp.ToolCalls[1])
	}

	if body["function_call"] != "auto" {
		t.Fatalf("function_call should be auto, got %v", body["function_call"])
	}
	msgs := body["messages"].([]any)
	assistant := msgs[1].(map[string]any)
	if assistant["content"] != nil || assistant["function_call"] == nil {
		t.Fatalf("assistant call message malformed: %v", assistant)
	}
	fn := msgs[2].(map[string]any)
	if fn["role"] != "function" || fn["name"] != "get_ticket" {
		t.Fatalf("tool result should map to a function message: %v", fn)
	}
}

func TestGenerateHTTPErrors(t *testing.T) {
	cases := map[int]xerrors.Code{
		http.StatusBadRequest:          llm.CodeModelUnavailable,
		http.StatusServiceUnavailable:  llm.CodeModelUnavailable,
		http.StatusUnauthorized:        xerrors.CodeFatalConfiguration,
		http.StatusForbidden:           xerrors.CodeFatalConfiguration,
		http.StatusInternalServerError: llm.CodeModelUnavailable,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", status)
		}))

		client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		client.httpClient = srv.Client()

		_, err = client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if got := xerrors.CodeOf(err); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}
