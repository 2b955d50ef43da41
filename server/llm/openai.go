package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"agent-arena/server/agent"
	"agent-arena/server/errs"
	"agent-arena/server/model"
)

// Client calls an OpenAI-compatible chat/completions endpoint. Credentials
// and base URL are resolved from the environment on every call.
type Client struct {
	HTTP *http.Client
	// DefaultModel is used when the agent has no model configured.
	DefaultModel string
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Respond implements agent.Backend.
func (c *Client) Respond(ctx context.Context, a model.Agent, conv agent.Conversation, maxTokens int) (string, error) {
	mdl := coalesce(a.Model, c.DefaultModel)
	text, err := c.Complete(ctx, a.Backend, mdl, conv.Messages, conv.JSON, maxTokens)
	if err != nil {
		return "", errs.Wrap(errs.KindProvider, errs.CodeProviderFailed, "model call failed for "+a.Name, err)
	}
	return text, nil
}

// Complete sends messages to the backend's vendor and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, backend, mdl string, msgs []agent.Message, jsonMode bool, maxTokens int) (string, error) {
	cfg, err := resolveEndpoint(backend, mdl)
	if err != nil {
		return "", err
	}
	opts := envPingOptions(cfg.openRouter())

	payload := map[string]any{
		"model":    cfg.Model,
		"messages": msgs,
	}
	if maxTokens <= 0 && opts.MaxOutputTokens != nil {
		maxTokens = *opts.MaxOutputTokens
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	if opts.ReasoningEffort != "" {
		payload["reasoning"] = map[string]any{"effort": opts.ReasoningEffort}
	}
	if jsonMode {
		payload["response_format"] = map[string]any{"type": "json_object"}
	}
	applyTuningFromEnv(payload, cfg.openRouter())

	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setHeaderPreserveCase(req.Header, cfg.HeaderName, cfg.HeaderPrefix+cfg.APIKey)
	if cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", cfg.Organization)
	}
	for k, v := range cfg.ExtraHeaders {
		setHeaderPreserveCase(req.Header, k, v)
	}

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 45 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	body := buf.Bytes()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat http %d: %s", resp.StatusCode, truncate(string(body), 800))
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &cc); err != nil {
		return "", err
	}
	if len(cc.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return cc.Choices[0].Message.Content, nil
}

// setHeaderPreserveCase writes a header under the exact key given when the
// key is not already canonical. Some gateways match HTTP-Referer literally.
func setHeaderPreserveCase(h http.Header, key, value string) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	canon := textproto.CanonicalMIMEHeaderKey(key)
	if canon == key {
		h.Set(key, value)
		return
	}
	delete(h, canon)
	h[key] = []string{value}
}

// pingOptions are the env-driven request knobs.
type pingOptions struct {
	ReasoningEffort string
	MaxOutputTokens *int
}

func applyTuningFromEnv(m map[string]any, preferOpenRouter bool) {
	if v := envWithFallback(preferOpenRouter, "OPENAI_TEMPERATURE", "OPENROUTER_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			m["temperature"] = f
		}
	}
	if v := envWithFallback(preferOpenRouter, "OPENAI_TOP_P", "OPENROUTER_TOP_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			m["top_p"] = f
		}
	}
	if v := envWithFallback(preferOpenRouter, "OPENAI_TOP_K", "OPENROUTER_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m["top_k"] = n
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func coalesce(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func envPingOptions(preferOpenRouter bool) pingOptions {
	opts := pingOptions{}
	if v := envWithFallback(preferOpenRouter, "OPENAI_REASONING_EFFORT", "OPENROUTER_REASONING_EFFORT"); v != "" {
		opts.ReasoningEffort = v
	}
	if v := envWithFallback(preferOpenRouter, "OPENAI_MAX_OUTPUT_TOKENS", "OPENROUTER_MAX_OUTPUT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.MaxOutputTokens = &n
		}
	}
	return opts
}

func envWithFallback(preferOpenRouter bool, openAIKey, openRouterKey string) string {
	keys := []string{openAIKey, openRouterKey}
	if preferOpenRouter {
		keys[0], keys[1] = keys[1], keys[0]
	}
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
