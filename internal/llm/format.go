package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Format identifies one of the supported provider wire formats.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatGemini    Format = "gemini"
)

// ParseFormat validates an explicit format name. An empty name is accepted and
// means "detect from the endpoint".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatOpenAI, FormatAnthropic, FormatGemini:
		return f, nil
	case "generic":
		return FormatOpenAI, nil
	default:
		return "", fmt.Errorf("unknown llm format %q", s)
	}
}

// DetectFormat classifies an endpoint by host pattern. Anything unrecognised is
// treated as OpenAI-compatible.
func DetectFormat(baseURL string) Format {
	u := strings.ToLower(baseURL)
	switch {
	case strings.Contains(u, "openai.com"):
		return FormatOpenAI
	case strings.Contains(u, "anthropic.com"):
		return FormatAnthropic
	case strings.Contains(u, "generativelanguage.googleapis.com"), strings.Contains(u, "gemini"):
		return FormatGemini
	default:
		return FormatOpenAI
	}
}

// ProviderName is the human readable name for an endpoint.
func ProviderName(baseURL string) string {
	u := strings.ToLower(baseURL)
	switch {
	case strings.Contains(u, "openai"):
		return "OpenAI"
	case strings.Contains(u, "anthropic"):
		return "Anthropic"
	case strings.Contains(u, "gemini"), strings.Contains(u, "generativelanguage"):
		return "Google Gemini"
	default:
		return "Generic AI Provider"
	}
}

func (f Format) defaultBaseURL() string {
	switch f {
	case FormatAnthropic:
		return "https://api.anthropic.com"
	case FormatGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	default:
		return "https://api.openai.com/v1"
	}
}

func (f Format) defaultModel() string {
	switch f {
	case FormatAnthropic:
		return "claude-3-sonnet-20240229"
	case FormatGemini:
		return "gemini-pro"
	default:
		return "gpt-3.5-turbo"
	}
}

// wireFormat sends one chat request in a provider specific shape.
type wireFormat interface {
	chat(ctx context.Context, hc *http.Client, cfg Config, turns []Turn) (*Response, error)
}

func (f Format) wire() wireFormat {
	switch f {
	case FormatAnthropic:
		return restFormat{provider: "Anthropic", codec: anthropicCodec{}}
	case FormatGemini:
		return restFormat{provider: "Google Gemini", codec: geminiCodec{}}
	default:
		return openAIFormat{}
	}
}
