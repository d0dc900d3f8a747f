package usage

import "strings"

// modelPrice is USD per 1M tokens. Matched by substring against the model
// name, first hit wins, so more specific families come first.
type modelPrice struct {
	match  string
	input  float64
	output float64
}

var priceTable = []modelPrice{
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4-turbo", 10.00, 30.00},
	{"gpt-4", 30.00, 60.00},
	{"gpt-3.5", 0.50, 1.50},

	{"claude-3-5-sonnet", 3.00, 15.00},
	{"claude-3-opus", 15.00, 75.00},
	{"claude-3-sonnet", 3.00, 15.00},
	{"claude-3-haiku", 0.25, 1.25},

	{"gemini-1.5-pro", 1.25, 5.00},
	{"gemini-1.5-flash", 0.075, 0.30},
	{"gemini-pro", 0.50, 1.50},
}

// Cost computes the request cost in USD, or nil for unpriced models.
func Cost(model string, promptTokens, completionTokens int64) *float64 {
	if model == "" {
		return nil
	}
	model = strings.ToLower(model)
	for _, p := range priceTable {
		if strings.Contains(model, p.match) {
			c := (float64(promptTokens)*p.input + float64(completionTokens)*p.output) / 1_000_000
			return &c
		}
	}
	return nil
}
