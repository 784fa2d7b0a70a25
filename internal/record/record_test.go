package record

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseValidLine(t *testing.T) {
	line := `{"sessionId":"abc-123","type":"user","parentUuid":"p-1","timestamp":"2026-08-01T10:00:00.123Z","cwd":"/home/dev/proj","message":{"role":"user","content":"fix the tests"}}`

	rec, err := Parse([]byte(line + "\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.SessionID != "abc-123" {
		t.Errorf("expected session abc-123, got %s", rec.SessionID)
	}
	if rec.Role != RoleUser {
		t.Errorf("expected role user, got %s", rec.Role)
	}
	if rec.Content != "fix the tests" {
		t.Errorf("unexpected content: %s", rec.Content)
	}
	if rec.ParentID != "p-1" {
		t.Errorf("unexpected parent: %s", rec.ParentID)
	}
	if rec.Cwd != "/home/dev/proj" {
		t.Errorf("unexpected cwd: %s", rec.Cwd)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 123000000, time.UTC)
	if !rec.CreatedAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, rec.CreatedAt)
	}
}

func TestParseBlankLine(t *testing.T) {
	for _, in := range []string{"", "\n", "   \n", "\r\n"} {
		rec, err := Parse([]byte(in))
		if rec != nil || err != nil {
			t.Errorf("Parse(%q) = %v, %v; want nil, nil", in, rec, err)
		}
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte("{not json\n"))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Kind != KindSyntax {
		t.Errorf("expected syntax kind, got %s", perr.Kind)
	}
}

func TestParseSchemaErrors(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"missing session id", `{"type":"user","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"x"}}`},
		{"unsupported type", `{"sessionId":"s","type":"summary","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"x"}}`},
		{"unsupported role", `{"sessionId":"s","type":"user","timestamp":"2026-08-01T10:00:00Z","message":{"role":"system","content":"x"}}`},
		{"structured content", `{"sessionId":"s","type":"user","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":[{"type":"text"}]}}`},
		{"missing timestamp", `{"sessionId":"s","type":"user","message":{"role":"user","content":"x"}}`},
		{"bad timestamp", `{"sessionId":"s","type":"user","timestamp":"yesterday","message":{"role":"user","content":"x"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.line))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T (%v)", err, err)
			}
			if perr.Kind != KindSchema {
				t.Errorf("expected schema kind, got %s", perr.Kind)
			}
		})
	}
}

func TestParseErrorExcerptBounded(t *testing.T) {
	long := "{" + strings.Repeat("x", 500)
	_, err := Parse([]byte(long))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if len(perr.Excerpt) > maxExcerpt+3 {
		t.Errorf("excerpt too long: %d bytes", len(perr.Excerpt))
	}
	if !strings.HasSuffix(perr.Excerpt, "...") {
		t.Errorf("truncated excerpt should end with ellipsis: %q", perr.Excerpt)
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	line := `{"sessionId":"s","type":"assistant","timestamp":"2026-08-01T10:00:00Z","gitBranch":"main","uuid":"u-1","message":{"role":"assistant","content":"done","model":"gpt"}}`
	rec, err := Parse([]byte(line))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Role != RoleAssistant {
		t.Errorf("expected assistant, got %s", rec.Role)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	orig := &Record{
		SessionID: "s-1",
		Role:      RoleAssistant,
		Content:   "multi\nline \"quoted\" output",
		ParentID:  "p-9",
		CreatedAt: time.Date(2026, 8, 1, 9, 30, 0, 500000000, time.UTC),
		Cwd:       "/tmp/work",
	}

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if *back != *orig {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, orig)
	}
}
