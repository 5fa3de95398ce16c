package providers

// Well-known keys for ChatRequest.Options, understood by every adapter.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level" // "off", "low", "medium", "high"
)
