package toolclient

import (
	"encoding/json"
	"strings"
)

// Kind tags the shape of a tool result. The worker's output contract is
// untyped, so every result is normalized into exactly one of these at the
// client boundary; consumers must switch on Kind instead of sniffing shapes.
type Kind string

const (
	// KindStructured means the worker's output decoded as JSON.
	KindStructured Kind = "structured"
	// KindText means the output was plain text.
	KindText Kind = "text"
	// KindError means the tool ran but reported an error payload.
	KindError Kind = "error"
)

// Result is the normalized outcome of a tool invocation.
type Result struct {
	Kind       Kind
	Structured interface{} // set when Kind == KindStructured
	Text       string      // set when Kind == KindText
	ErrMessage string      // set when Kind == KindError
}

// normalizeResult concatenates the worker's text chunks and attempts JSON
// decoding, falling back to raw text.
func normalizeResult(res callToolResult) Result {
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	joined := strings.Join(parts, "\n")

	if res.IsError {
		return Result{Kind: KindError, ErrMessage: joined}
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(joined), &decoded); err == nil {
		return Result{Kind: KindStructured, Structured: decoded}
	}
	return Result{Kind: KindText, Text: joined}
}

// String renders the result for transcripts and logs.
func (r Result) String() string {
	switch r.Kind {
	case KindStructured:
		out, err := json.MarshalIndent(r.Structured, "", "  ")
		if err != nil {
			return "(unrenderable structured result)"
		}
		return string(out)
	case KindError:
		return "Error: " + r.ErrMessage
	default:
		return r.Text
	}
}

// IsError reports whether the tool reported an error payload.
func (r Result) IsError() bool {
	return r.Kind == KindError
}
