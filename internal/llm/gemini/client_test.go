package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenOps-Agent/internal/errors"
	"OpenOps-Agent/internal/llm"
	"OpenOps-Agent/internal/schema"
	"OpenOps-Agent/internal/tool"
)

func TestGenerateParsesMultipleFunctionCalls(t *testing.T) {
	var captured generateRequest
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("x-goog-api-key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[
			{"text":"Checking both."},
			{"functionCall":{"name":"get_order","args":{"order_id":"A1"}}},
			{"functionCall":{"name":"get_ticket","args":{"id":9}}}
		]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "g-key", BaseURL: srv.URL, Model: "gemini-test"})
	require.NoError(t, err)

	specs, err := schema.ToProviderFormat(tool.DefaultCatalog(), schema.VariantStructuredMultiTurn)
	require.NoError(t, err)

	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "be careful"},
			{Role: llm.RoleUser, Content: "check order A1 and ticket 9"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "list_orders", Arguments: `{"limit":1}`}}},
			{Role: llm.RoleTool, Name: "list_orders", Content: `{"orders":[]}`},
		},
		Declarations: schema.Declarations(specs),
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-test:generateContent", path)
	assert.Equal(t, "g-key", key)
	assert.Equal(t, "Checking both.", resp.Content)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "get_order", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"order_id":"A1"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "get_ticket", resp.ToolCalls[1].Name)

	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "be careful", captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "model", captured.Contents[1].Role)
	assert.Equal(t, "list_orders", captured.Contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "list_orders", captured.Contents[2].Parts[0].FunctionResponse.Name)
	require.Len(t, captured.Tools, 1)
	assert.Len(t, captured.Tools[0].FunctionDeclarations, len(tool.DefaultCatalog()))
	assert.Equal(t, "AUTO", captured.ToolConfig.FunctionCallingConfig.Mode)
}

func TestGenerateTextOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"All done."}]}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	resp, err := client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "All done.", resp.Content)
	assert.Empty(t, resp.ToolCalls)
}

func TestGenerateAuthFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"API key not valid"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "bad", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
	assert.False(t, xerrors.RecoverableError(err))
	assert.True(t, strings.Contains(err.Error(), "403"))
}

func TestGenerateNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.True(t, xerrors.RecoverableError(err))
}
