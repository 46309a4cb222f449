package llm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// openAIFormat speaks the chat/completions protocol through go-openai. It is
// also the fallback for any OpenAI-compatible endpoint.
type openAIFormat struct{}

const openAIProvider = "OpenAI"

func (openAIFormat) chat(ctx context.Context, hc *http.Client, cfg Config, turns []Turn) (*Response, error) {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	oaCfg.BaseURL = cfg.BaseURL
	oaCfg.HTTPClient = hc
	client := openai.NewClientWithConfig(oaCfg)

	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(t.Role), Content: t.Content})
	}

	// go-openai omits a zero temperature; the smallest float32 keeps it explicit.
	temperature := float32(*cfg.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   *cfg.MaxTokens,
	})
	if err != nil {
		return nil, openAIError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &ProviderError{Provider: openAIProvider, StatusCode: http.StatusOK, Message: ErrEmptyCompletion.Error(), Err: ErrEmptyCompletion}
	}

	out := &Response{Content: resp.Choices[0].Message.Content, Model: resp.Model}
	if u := resp.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.Usage = &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	return out, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: openAIProvider, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ProviderError{Provider: openAIProvider, StatusCode: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	return &ProviderError{Provider: openAIProvider, Message: err.Error(), Err: err}
}
