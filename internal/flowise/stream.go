package flowise

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	dataPrefix    = "data:"
	messagePrefix = "message:"

	// EventToken is the only event kind that carries forwardable text.
	EventToken = "token"
)

// SplitLines appends chunk to the previously retained fragment and splits the
// result on '\n'. It returns the complete lines, in order, and the text after the
// last newline, which becomes the next fragment (possibly empty).
// A trailing '\r' is removed from every complete line.
func SplitLines(fragment string, chunk []byte) (lines []string, rest string) {
	buf := fragment + string(chunk)
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			return lines, buf
		}
		lines = append(lines, strings.TrimSuffix(buf[:i], "\r"))
		buf = buf[i+1:]
	}
}

// Framer turns an arbitrarily chunked byte stream into complete lines.
// The zero value is ready to use. A Framer belongs to a single stream.
type Framer struct {
	fragment string
}

// Feed consumes the next delivery and returns the lines it completed.
func (f *Framer) Feed(chunk []byte) []string {
	lines, rest := SplitLines(f.fragment, chunk)
	f.fragment = rest
	return lines
}

// Residual returns the unterminated tail and clears it. Call once the upstream
// stream has ended; a non-empty result is one last candidate line.
func (f *Framer) Residual() string {
	rest := f.fragment
	f.fragment = ""
	return rest
}

// Pending reports how many bytes are buffered waiting for a newline.
func (f *Framer) Pending() int {
	return len(f.fragment)
}

// ParseLine classifies one complete line of a Flowise prediction stream.
// It returns ok == true only for a "data:" line whose JSON payload has
// event == "token". Blank lines, "message:" lines, other events and unknown
// prefixes are ignored, as is a "data:" payload that is valid JSON but not an
// event object. A "data:" line with an undecodable payload returns
// a non-nil error; callers log it and keep going.
func ParseLine(line string) (Token, bool, error) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, messagePrefix) {
		return Token{}, false, nil
	}
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return Token{}, false, nil
	}

	var ev StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		// Valid JSON of another shape carries no token event.
		if json.Valid([]byte(payload)) {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("decode event: %w", err)
	}
	if ev.Event != EventToken {
		return Token{}, false, nil
	}

	text, ok, err := eventText(ev.Data)
	if err != nil || !ok {
		return Token{}, false, err
	}
	return Token{Text: text}, true, nil
}

// eventText returns a string payload verbatim and any other JSON value as its
// compact encoding. A missing or null payload has no text.
func eventText(data json.RawMessage) (string, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", false, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", false, fmt.Errorf("decode token data: %w", err)
		}
		return s, true, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", false, fmt.Errorf("compact token data: %w", err)
	}
	return buf.String(), true, nil
}
