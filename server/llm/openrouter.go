package llm

import (
	"fmt"
	"os"
	"strings"

	"agent-arena/server/model"
)

// OpenRouter attribution headers when none are configured.
const (
	defaultSiteURL = "https://agent-arena.dev"
	defaultTitle   = "Agent Arena"
)

// provider names the env vars one chat-completions vendor is configured by.
type provider struct {
	Name        string
	KeyEnv      string
	BaseEnv     []string
	ModelEnv    string
	DefaultBase string
}

var providers = map[string]provider{
	model.BackendOpenAI: {
		Name:        model.BackendOpenAI,
		KeyEnv:      "OPENAI_API_KEY",
		BaseEnv:     []string{"OPENAI_API_BASE", "OPENAI_BASE_URL"},
		ModelEnv:    "OPENAI_MODEL",
		DefaultBase: "https://api.openai.com/v1",
	},
	model.BackendOpenRouter: {
		Name:        model.BackendOpenRouter,
		KeyEnv:      "OPENROUTER_API_KEY",
		BaseEnv:     []string{"OPENROUTER_API_BASE", "OPENROUTER_BASE_URL"},
		ModelEnv:    "OPENROUTER_MODEL",
		DefaultBase: "https://openrouter.ai/api/v1",
	},
}

// endpoint is everything one request needs.
type endpoint struct {
	Provider     string
	APIKey       string
	Model        string
	BaseURL      string
	HeaderName   string
	HeaderPrefix string
	Organization string
	ExtraHeaders map[string]string
}

func (e endpoint) openRouter() bool { return e.Provider == model.BackendOpenRouter }

// resolveEndpoint picks the vendor for an agent's backend selector. An
// empty selector falls back to LLM_PROVIDER, then to whichever vendor has a
// key. Models prefixed "openrouter/" and OpenRouter base URLs always go to
// OpenRouter.
func resolveEndpoint(backend, mdl string) (endpoint, error) {
	name := strings.ToLower(strings.TrimSpace(backend))
	if _, ok := providers[name]; !ok {
		name = defaultProvider()
	}
	mdl = strings.TrimSpace(mdl)
	if strings.HasPrefix(strings.ToLower(mdl), "openrouter/") {
		name = model.BackendOpenRouter
	}
	p := providers[name]
	other := providers[otherProvider(name)]

	ep := endpoint{Provider: p.Name, Model: mdl, ExtraHeaders: map[string]string{}}
	if ep.Model == "" {
		ep.Model = firstNonEmpty(os.Getenv(p.ModelEnv), os.Getenv(other.ModelEnv))
	}
	if ep.Model == "" {
		return endpoint{}, fmt.Errorf("model missing: set %s or configure the agent's model", p.ModelEnv)
	}

	base := firstNonEmpty(envAll(p.BaseEnv)...)
	if base == "" {
		base = firstNonEmpty(envAll(other.BaseEnv)...)
	}
	if base == "" {
		base = p.DefaultBase
	}
	ep.BaseURL = strings.TrimRight(base, "/")
	if strings.Contains(strings.ToLower(ep.BaseURL), "openrouter") {
		ep.Provider = model.BackendOpenRouter
	}

	ep.APIKey = firstNonEmpty(os.Getenv(p.KeyEnv), os.Getenv(other.KeyEnv))
	if ep.APIKey == "" {
		return endpoint{}, fmt.Errorf("API key missing: set %s", p.KeyEnv)
	}

	ep.HeaderName = firstNonEmpty(os.Getenv("OPENAI_API_KEY_HEADER"), os.Getenv("OPENROUTER_API_KEY_HEADER"), "Authorization")
	ep.HeaderPrefix = coalesce(os.Getenv("OPENAI_API_KEY_PREFIX"), os.Getenv("OPENROUTER_API_KEY_PREFIX"))
	if ep.HeaderName == "Authorization" && strings.TrimSpace(ep.HeaderPrefix) == "" {
		ep.HeaderPrefix = "Bearer "
	}
	ep.Organization = strings.TrimSpace(os.Getenv("OPENAI_ORG"))

	if ep.openRouter() {
		site := firstNonEmpty(os.Getenv("OPENROUTER_SITE_URL"), defaultSiteURL)
		ep.ExtraHeaders["HTTP-Referer"] = site
		ep.ExtraHeaders["Referer"] = site
		ep.ExtraHeaders["X-Title"] = firstNonEmpty(os.Getenv("OPENROUTER_TITLE"), defaultTitle)
	}
	return ep, nil
}

func defaultProvider() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER"))) {
	case model.BackendOpenRouter:
		return model.BackendOpenRouter
	case model.BackendOpenAI:
		return model.BackendOpenAI
	}
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("OPENROUTER_API_KEY") != "" {
		return model.BackendOpenRouter
	}
	return model.BackendOpenAI
}

func otherProvider(name string) string {
	if name == model.BackendOpenRouter {
		return model.BackendOpenAI
	}
	return model.BackendOpenRouter
}

func envAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = os.Getenv(k)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
