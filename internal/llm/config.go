// Package llm adapts the reasoning engine to the job pipeline. The engine
// is a tool-calling loop: it receives the prompt, calls tools through the
// session and returns a final message.
package llm

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for short follow-ups and cheap experiments
	TierLite ModelTier = "lite"
	// TierStandard is the default agent tier
	TierStandard ModelTier = "standard"
	// TierAdvanced is for long multi-file changes
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
)

// Config holds the model configuration for the application
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// Tier selects the model used for agent sessions.
	Tier ModelTier
	// MaxSteps bounds the number of model turns in one session.
	MaxSteps int
}

// DefaultMaxSteps bounds a session when Config.MaxSteps is unset.
const DefaultMaxSteps = 32

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Tier:     TierStandard,
		MaxSteps: DefaultMaxSteps,
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider: c.Provider,
		Models:   make(map[ModelTier]string),
		Tier:     c.Tier,
		MaxSteps: c.MaxSteps,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}

// SessionModel returns the model used for agent sessions.
func (c *Config) SessionModel() string {
	tier := c.Tier
	if tier == "" {
		tier = TierStandard
	}
	return c.GetModel(tier)
}
