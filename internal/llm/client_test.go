// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIClient) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOpenAIClient(Options{
		BaseURL:         srv.URL,
		APIKey:          "test-key",
		FastModel:       "fast-model",
		DeliberateModel: "deep-model",
		TemperatureFast: 0.3,
		TemperatureDeep: 0.7,
		MaxRetries:      2,
	})
	return srv, client
}

func chatReply(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestGenerateSelectsModelByMode(t *testing.T) {
	var seenModels []string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenModels = append(seenModels, req.Model)
		chatReply(w, "ok")
	})

	_, err := client.Generate(context.Background(), Request{Prompt: "x", Mode: ModeFast})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), Request{Prompt: "x", Mode: ModeDeliberate})
	require.NoError(t, err)

	assert.Equal(t, []string{"fast-model", "deep-model"}, seenModels)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	attempts := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		chatReply(w, "recovered")
	})

	text, err := client.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 3, attempts)
}

func TestGenerateDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Generate(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestGenerateJSONModeSetsResponseFormat(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		chatReply(w, `{"answer": 42}`)
	})

	text, err := client.Generate(context.Background(), Request{Prompt: "x", JSON: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer": 42}`, text)
}

// fakeClient returns canned responses in order
type fakeClient struct {
	responses []string
	calls     int
	prompts   []string
}

func (f *fakeClient) Generate(_ context.Context, req Request) (string, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.calls >= len(f.responses) {
		return "", ErrEmptyResponse
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func TestGenerateStructDecodesDirectly(t *testing.T) {
	fc := &fakeClient{responses: []string{`{"people": ["Ella", "Jordy"]}`}}

	var out struct {
		People []string `json:"people"`
	}
	err := GenerateStruct(context.Background(), fc, Request{Prompt: "extract"}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ella", "Jordy"}, out.People)
	assert.Equal(t, 1, fc.calls)
}

func TestGenerateStructToleratesFences(t *testing.T) {
	fc := &fakeClient{responses: []string{"```json\n{\"people\": [\"Ella\"]}\n```"}}

	var out struct {
		People []string `json:"people"`
	}
	err := GenerateStruct(context.Background(), fc, Request{Prompt: "extract"}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ella"}, out.People)
}

func TestGenerateStructRetriesOnceWithStricterPrompt(t *testing.T) {
	fc := &fakeClient{responses: []string{"not json at all", `{"people": []}`}}

	var out struct {
		People []string `json:"people"`
	}
	err := GenerateStruct(context.Background(), fc, Request{Prompt: "extract"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, fc.calls)
	assert.Contains(t, fc.prompts[1], "ONLY a valid JSON object")
}

func TestGenerateStructMalformedAfterRetry(t *testing.T) {
	fc := &fakeClient{responses: []string{"garbage", "still garbage"}}

	var out map[string]any
	err := GenerateStruct(context.Background(), fc, Request{Prompt: "extract"}, &out)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, 2, fc.calls)
}
