package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type geminiCodec struct{}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// System turns have no dedicated slot in this format and are sent as user turns.
func (geminiCodec) buildRequest(ctx context.Context, cfg Config, turns []Turn) (*http.Request, error) {
	body := geminiRequest{
		Contents: make([]geminiContent, 0, len(turns)),
		GenerationConfig: geminiGenerationConfig{
			Temperature:     *cfg.Temperature,
			MaxOutputTokens: *cfg.MaxTokens,
		},
	}
	for _, t := range turns {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Content}}})
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?%s",
		cfg.BaseURL, url.PathEscape(cfg.Model), url.Values{"key": {cfg.APIKey}}.Encode())
	return newJSONRequest(ctx, endpoint, body)
}

func (geminiCodec) parseResponse(cfg Config, body []byte) (*Response, error) {
	var data geminiResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if len(data.Candidates) == 0 || len(data.Candidates[0].Content.Parts) == 0 || data.Candidates[0].Content.Parts[0].Text == "" {
		return nil, ErrEmptyCompletion
	}

	out := &Response{Content: data.Candidates[0].Content.Parts[0].Text, Model: cfg.Model}
	if data.ModelVersion != "" {
		out.Model = data.ModelVersion
	}
	if m := data.UsageMetadata; m != nil {
		out.Usage = &Usage{PromptTokens: m.PromptTokenCount, CompletionTokens: m.CandidatesTokenCount, TotalTokens: m.TotalTokenCount}
	}
	return out, nil
}
