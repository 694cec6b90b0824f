package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Action is the single primitive the planner may return for an
// instruction. Exactly one of the action kinds applies per call.
type Action struct {
	// Action is one of "click", "type", "press", "answer", "none".
	Action   string `json:"action"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Key      string `json:"key,omitempty"`
	Bool     *bool  `json:"bool,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// Planner maps a natural-language instruction plus a bounded page
// snapshot to a single primitive action.
type Planner interface {
	Plan(ctx context.Context, instruction, snapshot string, wantBool bool) (Action, error)
}

// GeminiPlanner plans actions with a Gemini model. Responses are
// requested as JSON and validated before use.
type GeminiPlanner struct {
	client *genai.Client
	model  string
}

// NewGeminiPlanner builds a planner backed by the given API key and model.
func NewGeminiPlanner(ctx context.Context, apiKey, model string) (*GeminiPlanner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("planner: missing API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: create client: %w", err)
	}
	return &GeminiPlanner{client: client, model: model}, nil
}

const actPrompt = `You control a web page through exactly one primitive action per turn.

Page elements (bounded snapshot, each with a CSS selector):
%s

Instruction: %s

Respond with a single JSON object, nothing else. Allowed shapes:
  {"action":"click","selector":"<css>"}
  {"action":"type","selector":"<css>","text":"<text>"}   (replaces current value)
  {"action":"press","key":"Enter"|"Escape"|"Tab"}
  {"action":"none"}                                       (nothing to do)
Pick the element that best matches the instruction. Use selectors from the
snapshot verbatim.`

const observePrompt = `You observe a web page and answer a yes/no question. Do not act.

Page elements (bounded snapshot):
%s

Question: %s

Respond with a single JSON object, nothing else:
  {"action":"answer","bool":true|false,"answer":"<short reason>"}`

func (p *GeminiPlanner) Plan(ctx context.Context, instruction, snapshot string, wantBool bool) (Action, error) {
	tmpl := actPrompt
	if wantBool {
		tmpl = observePrompt
	}
	prompt := fmt.Sprintf(tmpl, snapshot, instruction)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	})
	if err != nil {
		return Action{}, fmt.Errorf("planner: generate: %w", err)
	}
	return decodeAction(resp.Text(), wantBool)
}

// decodeAction parses and validates the model's JSON reply. Models
// occasionally wrap JSON in markdown fences or leading prose, so the
// reply is trimmed to its outermost object first.
func decodeAction(raw string, wantBool bool) (Action, error) {
	body := extractJSON(raw)
	if body == "" {
		return Action{}, fmt.Errorf("planner: no JSON object in reply %q", truncate(raw, 120))
	}
	var act Action
	if err := json.Unmarshal([]byte(body), &act); err != nil {
		return Action{}, fmt.Errorf("planner: decode reply: %w", err)
	}
	if wantBool {
		if act.Action != "answer" || act.Bool == nil {
			return Action{}, fmt.Errorf("planner: expected boolean answer, got action %q", act.Action)
		}
		return act, nil
	}
	switch act.Action {
	case "click":
		if act.Selector == "" {
			return Action{}, fmt.Errorf("planner: click without selector")
		}
	case "type":
		if act.Selector == "" {
			return Action{}, fmt.Errorf("planner: type without selector")
		}
	case "press":
		if act.Key == "" {
			return Action{}, fmt.Errorf("planner: press without key")
		}
	case "none", "answer":
	default:
		return Action{}, fmt.Errorf("planner: unknown action %q", act.Action)
	}
	return act, nil
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
