package nova

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StepKind identifies the role of a trace entry.
type StepKind string

const (
	StepThought     StepKind = "thought"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepAsk         StepKind = "ask"
	StepAnswer      StepKind = "answer"
	StepDone        StepKind = "done"
	StepStuck       StepKind = "stuck"
)

// Step is a single entry in a task trace.
type Step struct {
	Ordinal   int            `json:"ordinal"`
	Kind      StepKind       `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Plan is the ordered list of intended sub-goals produced before the
// loop starts. It is carried in the prompt but never trimmed.
type Plan []string

// reply is the tagged-variant message the model must produce on every
// turn. Exactly one variant is valid per type tag.
type reply struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Question string         `json:"question,omitempty"`
	Answer   string         `json:"answer,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// parseReply decodes a model turn into a validated reply. The model is
// told to emit bare JSON but often wraps it in code fences or prose, so
// the first balanced JSON object in the text is extracted before
// decoding. Any violation of the schema is a *ParseError.
func parseReply(content string) (*reply, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, &ParseError{Raw: content, Err: fmt.Errorf("no JSON object in reply")}
	}

	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, &ParseError{Raw: content, Err: err}
	}

	switch r.Type {
	case "thought":
		if strings.TrimSpace(r.Text) == "" {
			return nil, &ParseError{Raw: content, Err: fmt.Errorf("thought requires text")}
		}
	case "action":
		if strings.TrimSpace(r.Tool) == "" {
			return nil, &ParseError{Raw: content, Err: fmt.Errorf("action requires tool")}
		}
	case "ask":
		if strings.TrimSpace(r.Question) == "" {
			return nil, &ParseError{Raw: content, Err: fmt.Errorf("ask requires question")}
		}
	case "done":
		if strings.TrimSpace(r.Answer) == "" {
			return nil, &ParseError{Raw: content, Err: fmt.Errorf("done requires answer")}
		}
	case "stuck":
		// Reason is optional; a bare stuck is still valid.
	case "":
		return nil, &ParseError{Raw: content, Err: fmt.Errorf("missing type tag")}
	default:
		return nil, &ParseError{Raw: content, Err: fmt.Errorf("unknown type %q", r.Type)}
	}

	return &r, nil
}

// extractJSON returns the first balanced top-level JSON object in s, or
// "" when none exists. Brace counting ignores braces inside strings.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// marshalStep renders a trace step back into the JSON form the model
// originally produced, for replay in the transcript.
func marshalStep(s Step) string {
	var r reply
	switch s.Kind {
	case StepThought:
		r = reply{Type: "thought", Text: s.Text}
	case StepAction:
		r = reply{Type: "action", Tool: s.Tool, Args: s.Args}
	case StepAsk:
		r = reply{Type: "ask", Question: s.Text}
	case StepDone:
		r = reply{Type: "done", Answer: s.Text}
	case StepStuck:
		r = reply{Type: "stuck", Reason: s.Text}
	default:
		return s.Text
	}
	b, err := json.Marshal(r)
	if err != nil {
		return s.Text
	}
	return string(b)
}
