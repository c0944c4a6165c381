package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

func TestTranslateIdentity(t *testing.T) {
	// 没有可达的后端也不应发起请求
	client := NewClient(config.TranslateConfig{BaseURL: "http://127.0.0.1:1"})

	assert.Equal(t, "hello", client.Translate(context.Background(), "hello", "en", "en"))
	assert.Equal(t, "", client.Translate(context.Background(), "", "en", "hi"))
}

func TestTranslateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "/translate", r.URL.Path)
		assert.Equal(t, "hello", req["q"])
		assert.Equal(t, "en", req["source"])
		assert.Equal(t, "hi", req["target"])
		_ = json.NewEncoder(w).Encode(map[string]string{"translatedText": "नमस्ते"})
	}))
	defer server.Close()

	client := NewClient(config.TranslateConfig{BaseURL: server.URL})
	assert.Equal(t, "नमस्ते", client.Translate(context.Background(), "hello", "en", "hi"))
}

func TestTranslateFailOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(config.TranslateConfig{BaseURL: server.URL})
	assert.Equal(t, "hello", client.Translate(context.Background(), "hello", "en", "hi"))

	// 后端完全不可达同样返回原文
	unreachable := NewClient(config.TranslateConfig{BaseURL: "http://127.0.0.1:1"})
	assert.Equal(t, "hello", unreachable.Translate(context.Background(), "hello", "en", "hi"))
}

func TestTranslateEmptyResponseFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"translatedText": ""})
	}))
	defer server.Close()

	client := NewClient(config.TranslateConfig{BaseURL: server.URL})
	assert.Equal(t, "hello", client.Translate(context.Background(), "hello", "en", "hi"))
}
