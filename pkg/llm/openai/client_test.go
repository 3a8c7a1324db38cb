package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/llm/openai"
)

func newServer(t *testing.T, models *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*models = append(*models, req.Model)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
}

func TestClient_ModelOverride(t *testing.T) {
	var models []string
	srv := newServer(t, &models)
	defer srv.Close()

	client, err := openai.NewClient(&openai.Config{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = client.GenerateWithMessages(context.Background(),
		[]llm.Message{{Role: "user", Content: "hello"}}, llm.WithModel("gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, models)
}

func TestNewDeepSeekClient_Defaults(t *testing.T) {
	var models []string
	srv := newServer(t, &models)
	defer srv.Close()

	client, err := openai.NewDeepSeekClient(&openai.Config{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"deepseek-chat"}, models)
}
