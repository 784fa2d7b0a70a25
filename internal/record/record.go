package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is one parsed line of a session log. Immutable once parsed.
type Record struct {
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Cwd       string    `json:"cwd,omitempty"`
}

// ErrorKind classifies why a line failed to parse.
type ErrorKind string

const (
	// KindSyntax means the line was not valid JSON.
	KindSyntax ErrorKind = "syntax"
	// KindSchema means the JSON did not have the required record shape.
	KindSchema ErrorKind = "schema"
)

// maxExcerpt bounds how much of a bad line is kept in the error.
const maxExcerpt = 120

// ParseError describes a line that could not be turned into a Record.
type ParseError struct {
	Kind    ErrorKind
	Excerpt string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s error: %s (line: %q)", e.Kind, e.Reason, e.Excerpt)
}

// line mirrors the on-disk shape written by the agent. Unknown top-level
// keys are ignored by encoding/json.
type line struct {
	SessionID  string  `json:"sessionId"`
	Type       string  `json:"type"`
	ParentUUID string  `json:"parentUuid,omitempty"`
	Timestamp  string  `json:"timestamp"`
	Cwd        string  `json:"cwd,omitempty"`
	Message    message `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Parse turns one log line into a Record. The trailing newline is trimmed.
// An empty or whitespace-only line yields (nil, nil). Malformed lines yield
// a *ParseError; the caller drops them without advancing delivery counters.
func Parse(data []byte) (*Record, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var l line
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, &ParseError{Kind: KindSyntax, Excerpt: excerpt(data), Reason: err.Error()}
	}

	if l.SessionID == "" {
		return nil, schemaErr(data, "missing sessionId")
	}
	if l.Type != "user" && l.Type != "assistant" {
		return nil, schemaErr(data, fmt.Sprintf("unsupported type %q", l.Type))
	}
	if l.Message.Role != "user" && l.Message.Role != "assistant" {
		return nil, schemaErr(data, fmt.Sprintf("unsupported role %q", l.Message.Role))
	}

	var content string
	if err := json.Unmarshal(l.Message.Content, &content); err != nil {
		return nil, schemaErr(data, "message.content is not a string")
	}

	if l.Timestamp == "" {
		return nil, schemaErr(data, "missing timestamp")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, l.Timestamp)
	if err != nil {
		return nil, schemaErr(data, "timestamp is not RFC 3339")
	}

	return &Record{
		SessionID: l.SessionID,
		Role:      Role(l.Message.Role),
		Content:   content,
		ParentID:  l.ParentUUID,
		CreatedAt: createdAt,
		Cwd:       l.Cwd,
	}, nil
}

// Encode renders r back into the log-file line shape, without a trailing
// newline. Parse(Encode(r)) returns a record equal to r.
func Encode(r *Record) ([]byte, error) {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(line{
		SessionID:  r.SessionID,
		Type:       string(r.Role),
		ParentUUID: r.ParentID,
		Timestamp:  r.CreatedAt.Format(time.RFC3339Nano),
		Cwd:        r.Cwd,
		Message:    message{Role: string(r.Role), Content: content},
	})
}

func schemaErr(data []byte, reason string) *ParseError {
	return &ParseError{Kind: KindSchema, Excerpt: excerpt(data), Reason: reason}
}

func excerpt(data []byte) string {
	if len(data) > maxExcerpt {
		return string(data[:maxExcerpt]) + "..."
	}
	return string(data)
}
