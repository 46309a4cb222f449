package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/comigor/tutorchat/internal/logger"
)

const anthropicVersion = "2023-06-01"

type anthropicCodec struct{}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (anthropicCodec) buildRequest(ctx context.Context, cfg Config, turns []Turn) (*http.Request, error) {
	body := anthropicRequest{
		Model:       cfg.Model,
		MaxTokens:   *cfg.MaxTokens,
		Temperature: *cfg.Temperature,
		Messages:    make([]anthropicMessage, 0, len(turns)),
	}

	systemTurns := 0
	for _, t := range turns {
		if t.Role == RoleSystem {
			// Only the first system turn becomes the top-level system prompt.
			if systemTurns == 0 {
				body.System = t.Content
			}
			systemTurns++
			continue
		}
		role := "user"
		if t.Role == RoleAssistant {
			role = "assistant"
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: t.Content})
	}
	if systemTurns > 1 {
		logger.L.Warn("anthropic format keeps only the first system turn", "dropped", systemTurns-1)
	}

	req, err := newJSONRequest(ctx, cfg.BaseURL+"/v1/messages", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (anthropicCodec) parseResponse(cfg Config, body []byte) (*Response, error) {
	var data anthropicResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if len(data.Content) == 0 || data.Content[0].Text == "" {
		return nil, ErrEmptyCompletion
	}

	out := &Response{Content: data.Content[0].Text, Model: data.Model}
	if data.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     data.Usage.InputTokens,
			CompletionTokens: data.Usage.OutputTokens,
			TotalTokens:      data.Usage.InputTokens + data.Usage.OutputTokens,
		}
	}
	return out, nil
}
