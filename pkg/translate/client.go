// Package translate 提供了一个与翻译后端交互的客户端。
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

// Client defines the interface for a translation client.
type Client interface {
	// Translate 在两种语言间翻译文本。src == dest 或文本为空时原样返回；
	// 任何后端失败也原样返回（fail-open），绝不向调用方抛错。
	Translate(ctx context.Context, text, src, dest string) string
}

type httpClient struct {
	cfg    config.TranslateConfig
	client *http.Client
}

// NewClient 创建一个新的翻译客户端实例。
func NewClient(cfg config.TranslateConfig) Client {
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

type translateRequest struct {
	Text   string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// Translate 调用翻译后端。翻译失败属于可降级故障：记日志并返回原文。
func (c *httpClient) Translate(ctx context.Context, text, src, dest string) string {
	if text == "" || src == dest {
		return text
	}

	reqBody := translateRequest{Text: text, Source: src, Target: dest, APIKey: c.cfg.APIKey}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		log.Warnf("[TranslateClient] 序列化翻译请求失败, 返回原文: %v", err)
		return text
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/translate", bytes.NewReader(reqBytes))
	if err != nil {
		log.Warnf("[TranslateClient] 构造翻译请求失败, 返回原文: %v", err)
		return text
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[TranslateClient] 调用翻译后端失败, 返回原文: %v", err)
		return text
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[TranslateClient] 翻译后端返回非 200 状态码: %s, 返回原文", resp.Status)
		return text
	}

	var translateResp translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&translateResp); err != nil {
		log.Warnf("[TranslateClient] 解析翻译响应失败, 返回原文: %v", err)
		return text
	}
	if translateResp.TranslatedText == "" {
		return text
	}
	return translateResp.TranslatedText
}
