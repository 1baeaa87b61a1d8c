package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is a YAML-driven set of canned turns. Without a script the mock
// answers every prompt with the default turn.
type Script struct {
	// SessionID overrides the generated session id, useful for asserting
	// resumption in tests.
	SessionID string `yaml:"session_id"`

	Turns []TurnSpec `yaml:"turns"`
}

// TurnSpec is one canned turn. Match selects it by substring against the
// prompt; an empty match makes it the fallback.
type TurnSpec struct {
	Match   string     `yaml:"match"`
	DelayMS int        `yaml:"delay_ms"`
	Steps   []StepSpec `yaml:"steps"`
}

// StepSpec is one emitted step of a turn.
type StepSpec struct {
	// Type is text, thinking, tool_use, or result.
	Type string `yaml:"type"`

	// For text steps
	Text string `yaml:"text"`

	// For thinking steps
	Thinking string `yaml:"thinking"`

	// For tool_use steps
	Tool        string           `yaml:"tool"`
	Input       map[string]any   `yaml:"input"`
	Permission  bool             `yaml:"permission"`
	Suggestions []SuggestionSpec `yaml:"suggestions"`
	Result      string           `yaml:"result"`

	// For result steps
	Subtype string `yaml:"subtype"`
	IsError bool   `yaml:"is_error"`
}

// SuggestionSpec is a permission suggestion attached to a tool_use step.
type SuggestionSpec struct {
	Type string `yaml:"type"`
	Mode string `yaml:"mode"`
	Tool string `yaml:"tool"`
	Path string `yaml:"path"`
}

func (s SuggestionSpec) toUpdate() PermissionUpdate {
	return PermissionUpdate{Type: s.Type, Mode: s.Mode, Tool: s.Tool, Path: s.Path}
}

// loadScript reads and validates a script file. An empty path returns nil.
func loadScript(path string) (*Script, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, turn := range script.Turns {
		for j, step := range turn.Steps {
			switch step.Type {
			case "text", "thinking", "tool_use", "result":
			default:
				return nil, fmt.Errorf("turn %d step %d: unknown step type %q", i, j, step.Type)
			}
			if step.Type == "tool_use" && step.Tool == "" {
				return nil, fmt.Errorf("turn %d step %d: tool_use step needs a tool name", i, j)
			}
		}
	}
	return &script, nil
}

// turnFor picks the first turn whose match is a substring of the prompt,
// falling back to the first match-less turn, then to the built-in default.
func (s *Script) turnFor(prompt string) TurnSpec {
	if s != nil {
		var fallback *TurnSpec
		for i := range s.Turns {
			turn := &s.Turns[i]
			if turn.Match == "" {
				if fallback == nil {
					fallback = turn
				}
				continue
			}
			if strings.Contains(prompt, turn.Match) {
				return *turn
			}
		}
		if fallback != nil {
			return *fallback
		}
	}
	return defaultTurn(prompt)
}

// defaultTurn echoes the prompt with a short thinking/text/result sequence.
func defaultTurn(prompt string) TurnSpec {
	return TurnSpec{
		Steps: []StepSpec{
			{Type: "thinking", Thinking: "Considering the request..."},
			{Type: "text", Text: "I've completed the analysis of your request: \"" + prompt + "\". Everything looks good!"},
			{Type: "result", Subtype: "success", Text: "Mock agent completed successfully."},
		},
	}
}
