package domain

import (
	"encoding/json"
	"strings"
)

// PromptConfig is the voice-AI configuration chosen at placement time.
// Field names follow the Ultravox call creation API.
type PromptConfig struct {
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	Voice        string          `json:"voice,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	FirstSpeaker string          `json:"firstSpeaker,omitempty"`
	LanguageHint string          `json:"languageHint,omitempty"`
	MaxDuration  string          `json:"maxDuration,omitempty"`
	Medium       json.RawMessage `json:"medium,omitempty"`

	// Extra holds provider fields not modelled above; merged into the request body.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// DefaultMedium streams the bridge over a Twilio media stream
var DefaultMedium = json.RawMessage(`{"twilio":{}}`)

// WithDefaults returns a copy of c where every unset field is taken from def.
func (c PromptConfig) WithDefaults(def PromptConfig) PromptConfig {
	out := c
	if out.SystemPrompt == "" {
		out.SystemPrompt = def.SystemPrompt
	}
	if out.Model == "" {
		out.Model = def.Model
	}
	if out.Voice == "" {
		out.Voice = def.Voice
	}
	if out.Temperature == nil && def.Temperature != nil {
		t := *def.Temperature
		out.Temperature = &t
	}
	if out.FirstSpeaker == "" {
		out.FirstSpeaker = def.FirstSpeaker
	}
	if out.LanguageHint == "" {
		out.LanguageHint = def.LanguageHint
	}
	if out.MaxDuration == "" {
		out.MaxDuration = def.MaxDuration
	}
	if len(out.Medium) == 0 {
		out.Medium = def.Medium
	}
	if len(out.Medium) == 0 {
		out.Medium = DefaultMedium
	}
	if len(def.Extra) > 0 {
		merged := make(map[string]interface{}, len(def.Extra)+len(out.Extra))
		for k, v := range def.Extra {
			merged[k] = v
		}
		for k, v := range out.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// Render substitutes {{name}} placeholders in the system prompt with vars.
// Unknown placeholders are left untouched.
func (c PromptConfig) Render(vars map[string]string) PromptConfig {
	if len(vars) == 0 || c.SystemPrompt == "" {
		return c
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	c.SystemPrompt = strings.NewReplacer(pairs...).Replace(c.SystemPrompt)
	return c
}
