package valueobject

// ModelConfig is the immutable model-settings value object the config
// layer produces and the provider construction consumes.
type ModelConfig struct {
	provider    string
	model       string
	maxTokens   int
	temperature float64
	topP        float64
	stream      bool
}

// NewModelConfig builds a ModelConfig.
func NewModelConfig(provider, model string, maxTokens int, temperature, topP float64, stream bool) ModelConfig {
	return ModelConfig{
		provider:    provider,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		stream:      stream,
	}
}

// DefaultModelConfig returns the settings used absent any configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		provider:    "kimi",
		model:       "kimi-k2",
		maxTokens:   8192,
		temperature: 0.6,
		topP:        0.95,
		stream:      true,
	}
}

func (mc ModelConfig) Provider() string { return mc.provider }

func (mc ModelConfig) Model() string { return mc.model }

func (mc ModelConfig) MaxTokens() int { return mc.maxTokens }

func (mc ModelConfig) Temperature() float64 { return mc.temperature }

func (mc ModelConfig) TopP() float64 { return mc.topP }

// FullModelName renders "provider/model" for display.
func (mc ModelConfig) FullModelName() string {
	return mc.provider + "/" + mc.model
}

func (mc ModelConfig) Stream() bool { return mc.stream }

// WithTemperature returns a copy with the temperature replaced.
func (mc ModelConfig) WithTemperature(temp float64) ModelConfig {
	mc.temperature = temp
	return mc
}

// WithMaxTokens returns a copy with the token cap replaced.
func (mc ModelConfig) WithMaxTokens(tokens int) ModelConfig {
	mc.maxTokens = tokens
	return mc
}

// Equals compares by value.
func (mc ModelConfig) Equals(other ModelConfig) bool {
	return mc == other
}
