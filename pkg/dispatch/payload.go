package dispatch

import "encoding/json"

// promptPayload is the JSON shape of an LLM task payload. A payload
// that is not valid JSON is treated as a raw prompt.
type promptPayload struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"maxTokens,omitempty"`
}

const defaultMaxTokens = 1024

func decodePayload(raw []byte) promptPayload {
	var p promptPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Prompt == "" {
		p = promptPayload{Prompt: string(raw)}
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = defaultMaxTokens
	}
	return p
}
