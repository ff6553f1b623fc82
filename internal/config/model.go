package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ModelConfig selects the primary reasoning model and an optional fallback.
//
// Notes:
//   - Provider types are "anthropic" | "openai" | "openai_compatible".
//   - Secrets (api keys) must never be stored in this config.
type ModelConfig struct {
	Provider     string `koanf:"provider"`
	PrimaryModel string `koanf:"primary_model"`
	// BaseURL overrides the primary provider endpoint.
	BaseURL string `koanf:"base_url"`

	// SecondaryProvider/SecondaryModel are tried when the primary fails before any output.
	// Leave SecondaryModel empty to disable fallback.
	SecondaryProvider string `koanf:"secondary_provider"`
	SecondaryModel    string `koanf:"secondary_model"`
	SecondaryBaseURL  string `koanf:"secondary_base_url"`

	MaxTokens      int           `koanf:"max_tokens"`
	ThinkingBudget int           `koanf:"thinking_budget"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ModelEndpoint is one resolved provider/model pair.
type ModelEndpoint struct {
	Name    string
	Type    string
	BaseURL string
	Model   string
}

func (m *ModelConfig) normalize() {
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	m.SecondaryProvider = strings.ToLower(strings.TrimSpace(m.SecondaryProvider))
	m.PrimaryModel = strings.TrimSpace(m.PrimaryModel)
	m.SecondaryModel = strings.TrimSpace(m.SecondaryModel)
	m.BaseURL = strings.TrimSpace(m.BaseURL)
	m.SecondaryBaseURL = strings.TrimSpace(m.SecondaryBaseURL)
}

func (m ModelConfig) Validate() error {
	if err := validateProvider("provider", m.Provider, m.BaseURL); err != nil {
		return err
	}
	if m.PrimaryModel == "" {
		return errors.New("missing primary_model")
	}
	if m.SecondaryModel != "" {
		if err := validateProvider("secondary_provider", m.SecondaryProvider, m.SecondaryBaseURL); err != nil {
			return err
		}
	}
	if m.MaxTokens < 0 {
		return fmt.Errorf("invalid max_tokens %d", m.MaxTokens)
	}
	if m.ThinkingBudget != 0 && m.ThinkingBudget < 1024 {
		return fmt.Errorf("invalid thinking_budget %d (0 or >= 1024)", m.ThinkingBudget)
	}
	if m.MaxTokens > 0 && m.ThinkingBudget >= m.MaxTokens {
		return fmt.Errorf("thinking_budget %d must be below max_tokens %d", m.ThinkingBudget, m.MaxTokens)
	}
	if m.RequestTimeout < 0 {
		return errors.New("request_timeout must not be negative")
	}
	return nil
}

func validateProvider(field string, providerType string, baseURL string) error {
	switch providerType {
	case "openai", "anthropic":
	case "openai_compatible":
		if baseURL == "" {
			return fmt.Errorf("%s: base_url is required for openai_compatible", field)
		}
	default:
		return fmt.Errorf("%s: invalid type %q", field, providerType)
	}
	if baseURL == "" {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u == nil {
		return fmt.Errorf("%s: invalid base_url: %w", field, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%s: invalid base_url scheme %q", field, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("%s: invalid base_url host", field)
	}
	return nil
}

// Endpoints returns the primary endpoint followed by the secondary one when configured.
func (m ModelConfig) Endpoints() []ModelEndpoint {
	out := []ModelEndpoint{{
		Name:    "primary",
		Type:    m.Provider,
		BaseURL: m.BaseURL,
		Model:   m.PrimaryModel,
	}}
	if m.SecondaryModel != "" {
		out = append(out, ModelEndpoint{
			Name:    "secondary",
			Type:    m.SecondaryProvider,
			BaseURL: m.SecondaryBaseURL,
			Model:   m.SecondaryModel,
		})
	}
	return out
}

// APIKeyEnv names the environment variable holding the key for a provider type.
func APIKeyEnv(providerType string) string {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveAPIKey reads the key for providerType from the environment.
func ResolveAPIKey(providerType string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(APIKeyEnv(providerType)))
	return v, v != ""
}
