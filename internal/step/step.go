package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deepscribe/internal/llm"
)

const snippetLimit = 500

// ParseError reports that model output could not be decoded into the
// expected schema. Snippet is truncated so logs stay readable.
type ParseError struct {
	Schema  string
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v (output: %s)", e.Schema, e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(schema, raw string, err error) *ParseError {
	snippet := raw
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	return &ParseError{Schema: schema, Snippet: snippet, Err: err}
}

// ExtractJSON pulls the JSON object out of model text. A fenced ```json block
// wins; otherwise the span from the first '{' to the last '}' is used.
func ExtractJSON(content string) (string, bool) {
	if fenced, ok := extractFenced(content); ok {
		return fenced, true
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1], true
	}
	return "", false
}

func extractFenced(content string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		open := strings.Index(content, marker)
		if open < 0 {
			continue
		}
		rest := content[open+len(marker):]
		closing := strings.Index(rest, "```")
		if closing < 0 {
			continue
		}
		inner := strings.TrimSpace(rest[:closing])
		if strings.HasPrefix(inner, "{") {
			return inner, true
		}
	}
	return "", false
}

// Render substitutes {name} placeholders in a prompt template.
func Render(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// Run executes one structured completion: call the model, extract the JSON
// object from its reply, decode into T.
func Run[T any](ctx context.Context, client llm.Client, schema string, req llm.Request) (T, error) {
	var out T
	raw, err := client.Generate(ctx, req)
	if err != nil {
		return out, err
	}
	payload, ok := ExtractJSON(raw)
	if !ok {
		return out, newParseError(schema, raw, fmt.Errorf("no JSON object in output"))
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, newParseError(schema, raw, err)
	}
	return out, nil
}
