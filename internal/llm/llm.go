package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Role of a provider-agnostic chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one role-tagged message sent to a provider.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is the normalized reply of any provider.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	// Raw is the upstream response body, kept for auditing.
	Raw []byte `json:"-"`
}

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultTimeout     = 60 * time.Second
)

// Config describes how to reach a provider. Zero values mean "inherit".
type Config struct {
	Format      Format
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Float64 and Int are helpers for the optional Config fields.
func Float64(v float64) *float64 { return &v }
func Int(v int) *int             { return &v }

// merge returns base with every non-zero field of over applied on top.
func merge(base Config, over *Config) Config {
	if over == nil {
		return base
	}
	if over.Format != "" {
		base.Format = over.Format
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.Temperature != nil {
		base.Temperature = over.Temperature
	}
	if over.MaxTokens != nil {
		base.MaxTokens = over.MaxTokens
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	return base
}

// Provider is the subset of *Client the orchestrator depends on; it is easy to mock in tests.
type Provider interface {
	Chat(ctx context.Context, turns []Turn, override *Config) (*Response, error)
}

// Client dispatches chat requests to the configured provider.
type Client struct {
	env      Config
	defaults Config
	format   Format

	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

// NewClient creates a client whose lowest-priority settings come from env,
// normally the process configuration loaded at startup.
func NewClient(env Config) *Client {
	c := &Client{env: env, clients: make(map[time.Duration]*http.Client)}
	c.format = c.effective(nil).Format
	return c
}

// With derives a client whose adapter defaults sit between env and call-site overrides.
func (c *Client) With(defaults Config) *Client {
	d := &Client{env: c.env, defaults: merge(c.defaults, &defaults), clients: make(map[time.Duration]*http.Client)}
	d.format = d.effective(nil).Format
	return d
}

// Format returns the wire format selected for the client's own configuration.
func (c *Client) Format() Format { return c.format }

// ProviderName classifies the configured endpoint without any network call.
func (c *Client) ProviderName() string {
	return ProviderName(c.effective(nil).BaseURL)
}

func (c *Client) effective(override *Config) Config {
	cfg := merge(merge(c.env, &c.defaults), override)
	switch {
	case override != nil && override.Format != "":
	case override != nil && override.BaseURL != "":
		// An overridden endpoint is classified by its host, whatever the client was configured for.
		cfg.Format = DetectFormat(cfg.BaseURL)
	case c.format != "":
		cfg.Format = c.format
	case cfg.Format == "":
		cfg.Format = DetectFormat(cfg.BaseURL)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cfg.Format.defaultBaseURL()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = cfg.Format.defaultModel()
	}
	if cfg.Temperature == nil {
		cfg.Temperature = Float64(DefaultTemperature)
	}
	if cfg.MaxTokens == nil {
		cfg.MaxTokens = Int(DefaultMaxTokens)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

func (c *Client) httpClient(timeout time.Duration) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	hc, ok := c.clients[timeout]
	if !ok {
		hc = &http.Client{Timeout: timeout}
		c.clients[timeout] = hc
	}
	return hc
}

// Chat sends turns to the provider and normalizes the reply. The turns slice is
// never modified.
func (c *Client) Chat(ctx context.Context, turns []Turn, override *Config) (*Response, error) {
	cfg := c.effective(override)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key (set llm.api_key or AI_API_KEY)", ErrConfiguration)
	}

	sent := make([]Turn, len(turns))
	copy(sent, turns)

	return cfg.Format.wire().chat(ctx, c.httpClient(cfg.Timeout), cfg, sent)
}
