package validate

import (
	guard "github.com/eugener/aiguard/internal"
)

// ruleDefs declares the built-in schemas. Unknown fields are allowed
// everywhere so new upstream parameters never require a proxy release.
var ruleDefs = []struct {
	provider guard.Provider
	method   string
	path     string
	schema   string
}{
	{
		provider: guard.ProviderOpenAI,
		method:   "POST",
		path:     "/v1/chat/completions",
		schema: `{
			"type": "object",
			"required": ["model", "messages"],
			"properties": {
				"model": {"type": "string"},
				"messages": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["role", "content"],
						"properties": {
							"role": {"enum": ["system", "user", "assistant", "function", "tool"]},
							"content": {"anyOf": [{"type": "string"}, {"type": "array"}, {"type": "null"}]},
							"name": {"type": "string"}
						}
					}
				},
				"max_tokens": {"type": "integer", "minimum": 1, "maximum": 4096},
				"temperature": {"type": "number", "minimum": 0, "maximum": 2},
				"top_p": {"type": "number", "minimum": 0, "maximum": 1},
				"stream": {"type": "boolean"},
				"functions": {"type": "array"},
				"tools": {"type": "array"}
			}
		}`,
	},
	{
		provider: guard.ProviderAnthropic,
		method:   "POST",
		path:     "/v1/messages",
		schema: `{
			"type": "object",
			"required": ["model", "messages", "max_tokens"],
			"properties": {
				"model": {"type": "string"},
				"messages": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["role", "content"],
						"properties": {
							"role": {"enum": ["user", "assistant"]},
							"content": {"anyOf": [{"type": "string"}, {"type": "array"}]}
						}
					}
				},
				"max_tokens": {"type": "integer", "minimum": 1, "maximum": 4096},
				"temperature": {"type": "number", "minimum": 0, "maximum": 1},
				"top_p": {"type": "number", "minimum": 0, "maximum": 1},
				"top_k": {"type": "integer", "minimum": 0},
				"stream": {"type": "boolean"},
				"system": {"type": "string"}
			}
		}`,
	},
	{
		provider: guard.ProviderGemini,
		method:   "POST",
		path:     "/v1beta/models/:model/generateContent",
		schema: `{
			"type": "object",
			"required": ["contents"],
			"properties": {
				"contents": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["parts"],
						"properties": {
							"parts": {
								"type": "array",
								"minItems": 1,
								"items": {
									"type": "object",
									"properties": {
										"text": {"type": "string"},
										"inlineData": {"type": "object"},
										"fileData": {"type": "object"},
										"functionCall": {"type": "object"},
										"functionResponse": {"type": "object"}
									}
								}
							},
							"role": {"enum": ["user", "model"]}
						}
					}
				},
				"tools": {"type": "array"},
				"safetySettings": {"type": "array"},
				"generationConfig": {
					"type": "object",
					"properties": {
						"temperature": {"type": "number", "minimum": 0, "maximum": 1},
						"topP": {"type": "number", "minimum": 0, "maximum": 1},
						"topK": {"type": "integer", "minimum": 1},
						"candidateCount": {"type": "integer", "minimum": 1, "maximum": 8},
						"maxOutputTokens": {"type": "integer", "minimum": 1, "maximum": 8192}
					}
				}
			}
		}`,
	},
}
