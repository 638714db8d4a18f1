package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrStreamTruncated = errors.New("llm stream ended before completion")

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) ChatMessage { return ChatMessage{Role: "system", Content: content} }
func UserMessage(content string) ChatMessage   { return ChatMessage{Role: "user", Content: content} }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
}

// Complete runs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	resp, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response failed: %w", err)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse llm json failed: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty llm choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream runs a streaming chat completion and calls onToken for every
// non-empty content delta, unmodified and in arrival order. A stream that
// ends without the [DONE] marker returns ErrStreamTruncated.
func (c *Client) Stream(ctx context.Context, messages []ChatMessage, onToken func(token string) error) error {
	resp, err := c.post(ctx, "/chat/completions", chatRequest{
		Model:    c.cfg.ChatModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("llm stream request failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("parse llm stream chunk failed: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("llm stream error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onToken(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan llm stream failed: %w", err)
	}
	return ErrStreamTruncated
}
