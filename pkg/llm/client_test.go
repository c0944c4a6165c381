package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

type collectWriter struct{ fragments []string }

func (c *collectWriter) WriteFragment(text string) error {
	c.fragments = append(c.fragments, text)
	return nil
}

// fakeBackend 模拟 OpenAI 兼容网关：按模型名决定成败，记录请求顺序。
type fakeBackend struct {
	goodModel   string
	goodAnswer  string
	streamParts []string
	requested   []string
	calls       int32
}

func (b *fakeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "discovered-a"}, {"id": "discovered-b"}},
			})
		case "/chat/completions":
			atomic.AddInt32(&b.calls, 1)
			var req struct {
				Model  string `json:"model"`
				Stream bool   `json:"stream"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			b.requested = append(b.requested, req.Model)

			if req.Model != b.goodModel {
				http.Error(w, "model overloaded", http.StatusServiceUnavailable)
				return
			}
			if req.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, part := range b.streamParts {
					chunk := map[string]interface{}{
						"choices": []map[string]interface{}{
							{"delta": map[string]string{"content": part}},
						},
					}
					data, _ := json.Marshal(chunk)
					fmt.Fprintf(w, "data: %s\n\n", data)
				}
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			resp := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"content": b.goodAnswer}},
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestClient(baseURL string, model string, fallbacks []string) Client {
	return NewClient(config.LLMConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Model:          model,
		FallbackModels: fallbacks,
	})
}

func TestCandidatesOrderAndDedupe(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", []string{"m2", "m1", "  ", "m3"})
	client.DiscoverModels(context.Background())

	candidates := client.Candidates([]string{"m2", "m4"})
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "discovered-a", "discovered-b"}, candidates)
}

func TestDiscoverModelsFailureLeavesSetEmpty(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1", "m1", nil)
	client.DiscoverModels(context.Background())

	assert.Equal(t, []string{"m1"}, client.Candidates(nil))
}

func TestGenerateFallsBackAcrossModels(t *testing.T) {
	backend := &fakeBackend{goodModel: "m3", goodAnswer: "ok"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", []string{"m2", "m3"})
	answer := client.Generate(context.Background(), "prompt text", nil)

	assert.Equal(t, "ok", answer)
	assert.Equal(t, []string{"m1", "m2", "m3"}, backend.requested)
}

func TestGenerateDegradedWhenNotReady(t *testing.T) {
	client := newTestClient("", "m1", nil)

	answer := client.Generate(context.Background(), "prompt text", nil)
	assert.True(t, strings.HasPrefix(answer, "The generation service is unavailable right now."))
	assert.Contains(t, answer, "prompt text")
}

func TestGenerateFailureTextWhenAllFail(t *testing.T) {
	backend := &fakeBackend{goodModel: "none"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", []string{"m2"})
	answer := client.Generate(context.Background(), "prompt text", nil)

	assert.Contains(t, answer, "Generation request failed. Falling back to context summary.")
	assert.Contains(t, answer, "Reason:")
	assert.Contains(t, answer, "prompt text")
}

func TestGenerateStreamFirstStartedCandidateWins(t *testing.T) {
	backend := &fakeBackend{goodModel: "m2", streamParts: []string{"Hello", " world"}}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", []string{"m2", "m3"})
	writer := &collectWriter{}
	require.NoError(t, client.GenerateStream(context.Background(), "prompt text", nil, writer))

	assert.Equal(t, []string{"Hello", " world"}, writer.fragments)
	// m2 开流成功后不再尝试 m3
	assert.Equal(t, []string{"m1", "m2"}, backend.requested)
}

func TestGenerateStreamNoCandidateStarts(t *testing.T) {
	backend := &fakeBackend{goodModel: "none"}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", []string{"m2"})
	writer := &collectWriter{}
	require.NoError(t, client.GenerateStream(context.Background(), "prompt text", nil, writer))

	require.Len(t, writer.fragments, 1)
	assert.Contains(t, writer.fragments[0], "Generation request failed. Falling back to context summary.")
	assert.Contains(t, writer.fragments[0], "prompt text")
}

func TestGenerateStreamConcatMatchesBatch(t *testing.T) {
	backend := &fakeBackend{goodModel: "m1", goodAnswer: "Hello world", streamParts: []string{"Hello", " ", "world"}}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	client := newTestClient(server.URL, "m1", nil)

	writer := &collectWriter{}
	require.NoError(t, client.GenerateStream(context.Background(), "prompt text", nil, writer))
	streamed := strings.Join(writer.fragments, "")

	batch := client.Generate(context.Background(), "prompt text", nil)
	assert.Equal(t, batch, streamed)
}

func TestBuildPromptEmbedsContextAndQuery(t *testing.T) {
	prompt := BuildPrompt("which scheme?", "scheme details here")
	assert.Contains(t, prompt, "Context:\nscheme details here")
	assert.Contains(t, prompt, "User Question: which scheme?")
}
