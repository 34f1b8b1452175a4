// Package fence splits a model reply into prose and the code block that
// follows a marker such as "```go".
package fence

import "strings"

const closing = "```"

// Parts is a reply split on the marker.
type Parts struct {
	Prose string
	Code  string
	Found bool
}

// Split finds the first marker in text. The code runs from the line after the
// marker to the next closing fence, or to the end of text when the fence is
// never closed. Text after the closing fence is kept in the prose. When the
// marker is absent, or empty, Prose is text unchanged.
func Split(text, marker string) Parts {
	if marker == "" {
		return Parts{Prose: text}
	}
	idx := strings.Index(text, marker)
	if idx < 0 {
		return Parts{Prose: text}
	}

	before := text[:idx]
	rest := text[idx+len(marker):]

	var body string
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		body = rest[nl+1:]
	}

	code, after := body, ""
	if end := strings.Index(body, closing); end >= 0 {
		code, after = body[:end], body[end+len(closing):]
	}

	prose := strings.TrimRight(before, " \t\r\n")
	if tail := strings.TrimSpace(after); tail != "" {
		if prose != "" {
			prose += "\n\n"
		}
		prose += tail
	}

	return Parts{
		Prose: prose,
		Code:  strings.TrimSpace(code),
		Found: true,
	}
}
