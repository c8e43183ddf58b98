package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, content string, gotBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if gotBody != nil {
			_ = json.Unmarshal(body, gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassify_RequestsJSONVerdict(t *testing.T) {
	var body map[string]any
	srv := completionServer(t, `{"skip": true, "reason": " spam "}`, &body)

	c := NewClient("key", srv.URL, "test-model")
	v, err := c.Classify(context.Background(), "system", "buy followers now")
	require.NoError(t, err)

	assert.True(t, v.Skip)
	assert.Equal(t, "spam", v.Reason)
	assert.Equal(t, "test-model", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
}

func TestClassify_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := NewClient("key", srv.URL, "")
	_, err := c.Classify(context.Background(), "system", "text")
	assert.ErrorContains(t, err, "chat completion")
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict("```json\n{\"skip\": false, \"reason\": \"asks price\"}\n```")
	require.NoError(t, err)
	assert.False(t, v.Skip)
	assert.Equal(t, "asks price", v.Reason)

	_, err = ParseVerdict("SKIP")
	assert.Error(t, err)

	_, err = ParseVerdict("{skip: yes}")
	assert.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("key", "", "")
	assert.Equal(t, defaultModel, c.Model())
}
