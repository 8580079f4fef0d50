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
	"time"

	"kieran-ai-go/internal/config"

	"github.com/gorilla/websocket"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and our interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// ChatCompletion 以 role-based 消息调用聊天接口，阻塞等待完整回复文本。
	// maxTokens <= 0 时使用配置中的上限。
	ChatCompletion(ctx context.Context, messages []Message, maxTokens int) (string, error)
	// StreamChatMessages 以 role-based 消息调用聊天接口，并将流式分块写入 writer，
	// 同时返回拼接后的完整回复文本。
	StreamChatMessages(ctx context.Context, messages []Message, maxTokens int, writer MessageWriter) (string, error)
}

type openAICompatClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

const defaultTimeout = 60 * time.Second

// NewClient creates a new LLM client for an OpenAI-compatible chat API.
func NewClient(cfg config.LLMConfig) Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &openAICompatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens *int      `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *openAICompatClient) resolveMaxTokens(maxTokens int) *int {
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		return nil
	}
	return &maxTokens
}

func (c *openAICompatClient) newRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// ChatCompletion 调用聊天接口并返回第一条 choice 的完整文本。
func (c *openAICompatClient) ChatCompletion(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	req, err := c.newRequest(ctx, chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		Stream:    false,
		MaxTokens: c.resolveMaxTokens(maxTokens),
	})
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamChatMessages 以流式方式调用聊天接口，将每个分块写入 writer 并返回完整文本。
func (c *openAICompatClient) StreamChatMessages(ctx context.Context, messages []Message, maxTokens int, writer MessageWriter) (string, error) {
	req, err := c.newRequest(ctx, chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: c.resolveMaxTokens(maxTokens),
	})
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var full strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return full.String(), fmt.Errorf("failed to read from stream: %w", err)
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if content == "" {
					continue
				}
				full.WriteString(content)
				if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
					return full.String(), fmt.Errorf("failed to write message to websocket: %w", err)
				}
			}
		}
	}
	return full.String(), nil
}
