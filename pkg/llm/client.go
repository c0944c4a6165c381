// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

// FragmentWriter defines an interface for receiving incremental text fragments.
// SSE 连接、WebSocket 连接以及测试桩都可以实现它。
type FragmentWriter interface {
	WriteFragment(text string) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// DiscoverModels 向后端查询可用模型列表，进程启动时调用一次；失败只记日志。
	DiscoverModels(ctx context.Context)
	// Candidates 返回去重且保序的候选模型列表：首选模型、固定后备列表、
	// 调用方覆盖、启动时发现的模型，首次出现者优先，空白名称丢弃。
	Candidates(overrides []string) []string
	// Generate 以批量模式生成回答。永远返回文本：后端未初始化或全部候选
	// 失败时返回带标注的降级/失败文本，而不是错误。
	Generate(ctx context.Context, prompt string, overrides []string) string
	// GenerateStream 以流式模式生成回答，按到达顺序逐块写入 writer。
	// 第一个成功开流的候选生效；流中途出错则序列提前结束，不再尝试其他候选。
	// 返回的 error 仅来自 writer（消费端断开）。
	GenerateStream(ctx context.Context, prompt string, overrides []string, w FragmentWriter) error
}

// BuildPrompt 将检索上下文与用户问题拼装为单条指令。
func BuildPrompt(query, contextText string) string {
	return fmt.Sprintf(
		"Context:\n%s\n\nUser Question: %s\n\n"+
			"Answer the user's question about farmer schemes, pesticides, or agriculture. "+
			"Use the context above when it is relevant; if it is empty or not relevant, "+
			"just answer as a general assistant. Do not mention the context or where it came from.",
		contextText, query)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client

	mu         sync.RWMutex
	discovered []string
}

// NewClient creates a new LLM client based on the provider in the config.
// BaseURL 或 APIKey 为空表示后端未初始化，客户端进入降级模式。
func NewClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *openAICompatibleClient) ready() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

// DiscoverModels 查询 /models 并缓存可用模型名；任何失败都不会中止进程。
func (c *openAICompatibleClient) DiscoverModels(ctx context.Context) {
	if !c.ready() {
		return
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/models", nil)
	if err != nil {
		log.Warnf("[LLMClient] 构造模型发现请求失败: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("[LLMClient] 模型发现调用失败，候选发现集合保持为空: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("[LLMClient] 模型发现返回非 200 状态码: %s", resp.Status)
		return
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		log.Warnf("[LLMClient] 解析模型列表失败: %v", err)
		return
	}

	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}

	c.mu.Lock()
	c.discovered = names
	c.mu.Unlock()
	log.Infof("[LLMClient] 模型发现完成, 可用模型数: %d", len(names))
}

// Candidates 合并候选模型来源并去重，保持优先级顺序。
func (c *openAICompatibleClient) Candidates(overrides []string) []string {
	c.mu.RLock()
	discovered := c.discovered
	c.mu.RUnlock()

	sources := make([]string, 0, 4+len(overrides)+len(discovered))
	sources = append(sources, c.cfg.Model)
	sources = append(sources, c.cfg.FallbackModels...)
	sources = append(sources, overrides...)
	sources = append(sources, discovered...)

	seen := make(map[string]struct{}, len(sources))
	candidates := make([]string, 0, len(sources))
	for _, name := range sources {
		normalized := strings.TrimSpace(name)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		candidates = append(candidates, normalized)
	}
	return candidates
}

// Generate 按序尝试候选模型，返回第一个成功的回答文本。
func (c *openAICompatibleClient) Generate(ctx context.Context, prompt string, overrides []string) string {
	if !c.ready() {
		return "The generation service is unavailable right now. Based on the documents, here's a drafted response:\n\n" + prompt
	}

	candidates := c.Candidates(overrides)
	if len(candidates) == 0 {
		return failureText("No chat models were found for this gateway. Ensure the API is enabled and the key has access.", prompt)
	}

	var lastErr error
	for _, model := range candidates {
		text, err := c.complete(ctx, prompt, model)
		if err != nil {
			log.Warnf("[LLMClient] 候选模型 '%s' 生成失败, 继续尝试下一个: %v", model, err)
			lastErr = err
			continue
		}
		return text
	}

	reason := "No models returned usable text."
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return failureText(reason, prompt)
}

// complete 对单个候选模型执行一次非流式生成调用。
func (c *openAICompatibleClient) complete(ctx context.Context, prompt, model string) (string, error) {
	reqBody := c.newChatRequest(prompt, model, false)
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var completion chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}

	// 优先取首个 choice 的正文；为空时拼接所有非空片段兜底。
	if len(completion.Choices) > 0 && strings.TrimSpace(completion.Choices[0].Message.Content) != "" {
		return strings.TrimSpace(completion.Choices[0].Message.Content), nil
	}
	var parts []string
	for _, choice := range completion.Choices {
		if strings.TrimSpace(choice.Message.Content) != "" {
			parts = append(parts, choice.Message.Content)
		}
	}
	if len(parts) > 0 {
		return strings.TrimSpace(strings.Join(parts, "\n\n")), nil
	}
	return "", fmt.Errorf("model '%s' returned no usable text", model)
}

// GenerateStream 按序尝试候选模型，第一个成功开流的候选生效。
func (c *openAICompatibleClient) GenerateStream(ctx context.Context, prompt string, overrides []string, w FragmentWriter) error {
	if !c.ready() {
		return w.WriteFragment("The generation service is unavailable right now. Based on the documents, here's a drafted response:\n\n" + prompt)
	}

	candidates := c.Candidates(overrides)
	if len(candidates) == 0 {
		return w.WriteFragment(failureText("No chat models were found for this gateway. Ensure the API is enabled and the key has access.", prompt))
	}

	var lastErr error
	for _, model := range candidates {
		started, err := c.streamOne(ctx, prompt, model, w)
		if started {
			// 流已成功开始；中途出错只会让序列提前结束，不再尝试其他候选。
			return err
		}
		log.Warnf("[LLMClient] 候选模型 '%s' 开流失败, 继续尝试下一个: %v", model, err)
		lastErr = err
	}

	reason := "No models accepted the streaming request."
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return w.WriteFragment(failureText(reason, prompt))
}

// streamOne 对单个候选模型执行一次流式生成调用。
// started 表示流是否成功建立；建立后返回的 error 仅来自 writer。
func (c *openAICompatibleClient) streamOne(ctx context.Context, prompt, model string, w FragmentWriter) (started bool, err error) {
	reqBody := c.newChatRequest(prompt, model, true)
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return false, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return false, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				// 流中途断开：序列提前结束，已发出的分块保持有效。
				log.Warnf("[LLMClient] 流式读取中断, model: %s, error: %v", model, err)
			}
			return true, nil
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				return true, nil
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content == "" {
					continue
				}
				if err := w.WriteFragment(content); err != nil {
					return true, fmt.Errorf("failed to write fragment: %w", err)
				}
			}
		}
	}
}

// newChatRequest 组装带受限生成参数的请求体（参数来自全局配置）。
func (c *openAICompatibleClient) newChatRequest(prompt, model string, stream bool) chatRequest {
	reqBody := chatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   stream,
	}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}
	return reqBody
}

func failureText(reason, prompt string) string {
	return fmt.Sprintf(
		"Generation request failed. Falling back to context summary.\n\nReason: %s\n\nPrompt used:\n%s",
		reason, prompt)
}
