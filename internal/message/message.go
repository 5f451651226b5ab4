// Package message implements ATM's Message record (spec §3.1): an
// immutable, append-only unit deserialized from an inbox file,
// auto-summarized on send, and round-tripped with any fields a future
// producer adds preserved verbatim.
package message

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/atm-dev/atm/internal/idgen"
	"github.com/atm-dev/atm/internal/util/sanitize"
	"github.com/atm-dev/atm/internal/util/timefmt"
)

// MaxTextBytes is the default producer-enforced body size limit (§3.1).
const MaxTextBytes = 64 * 1024

// MaxSummaryChars is the word-boundary truncation point for
// auto-generated summaries (§3.1, §8.2: content capped at 100 runes,
// "..." appended on truncation for a ≤103-char result).
const MaxSummaryChars = 100

// Message is one record in an inbox file.
type Message struct {
	From      string
	Text      string
	Timestamp time.Time
	Read      bool
	Summary   string
	MessageID string

	// Unknown holds any JSON object members beyond the known fields
	// above, keyed by field name, preserved verbatim across
	// unmarshal/marshal round-trips (§3.1's "unknown_fields").
	Unknown map[string]json.RawMessage
}

var knownFields = map[string]bool{
	"from": true, "text": true, "timestamp": true,
	"read": true, "summary": true, "message_id": true,
}

// ErrTextTooLarge is returned by Validate when a message body exceeds
// MaxTextBytes.
var ErrTextTooLarge = fmt.Errorf("message: text exceeds %d bytes", MaxTextBytes)

// Validate enforces the producer-side body size limit (§3.1: "Body,
// byte-bounded (default 64 KiB, enforced by producer)").
func Validate(text string) error {
	if len(text) > MaxTextBytes {
		return ErrTextTooLarge
	}
	return nil
}

// New constructs a Message with a fresh message_id and the current
// timestamp, generating a summary if one isn't supplied.
func New(from, text string) Message {
	m := Message{
		From:      from,
		Text:      text,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		MessageID: idgen.NewMessageID(),
	}
	m.Summary = Summarize(text)
	return m
}

// MarshalJSON emits the message as a flat JSON object, merging known
// fields with any preserved Unknown members.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Unknown)+6)
	for k, v := range m.Unknown {
		out[k] = v
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("message: marshal %s: %w", key, err)
		}
		out[key] = b
		return nil
	}
	if err := set("from", m.From); err != nil {
		return nil, err
	}
	if err := set("text", m.Text); err != nil {
		return nil, err
	}
	if err := set("timestamp", timefmt.Format(m.Timestamp)); err != nil {
		return nil, err
	}
	if err := set("read", m.Read); err != nil {
		return nil, err
	}
	if m.Summary != "" {
		if err := set("summary", m.Summary); err != nil {
			return nil, err
		}
	}
	if m.MessageID != "" {
		if err := set("message_id", m.MessageID); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a message, stashing any field it doesn't
// recognize into Unknown so a later re-marshal preserves it.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("message: unmarshal: %w", err)
	}

	get := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("message: field %s: %w", key, err)
		}
		return nil
	}

	if err := get("from", &m.From); err != nil {
		return err
	}
	if err := get("text", &m.Text); err != nil {
		return err
	}
	var ts string
	if err := get("timestamp", &ts); err != nil {
		return err
	}
	if ts != "" {
		parsed, err := timefmt.Parse(ts)
		if err != nil {
			return fmt.Errorf("message: field timestamp: %w", err)
		}
		m.Timestamp = parsed
	}
	if err := get("read", &m.Read); err != nil {
		return err
	}
	if err := get("summary", &m.Summary); err != nil {
		return err
	}
	if err := get("message_id", &m.MessageID); err != nil {
		return err
	}

	m.Unknown = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if !knownFields[k] {
			m.Unknown[k] = v
		}
	}
	return nil
}

var (
	reHeading       = regexp.MustCompile(`^#{1,6}\s+`)
	reBold          = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalic        = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	reStrikethrough = regexp.MustCompile(`~~(.+?)~~`)
	reInlineCode    = regexp.MustCompile("`(.+?)`")
	reImageLink     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)

	htmlPolicy = bluemonday.StrictPolicy()
)

// Summarize produces an auto-summary for a message body (§3.1): markdown
// formatting is stripped, any HTML is sanitized away, control characters
// are removed, and the result is cut at a word boundary within
// MaxSummaryChars runes, with "..." appended when a cut is made.
func Summarize(text string) string {
	line := text
	if idx := indexFirstLine(line); idx >= 0 {
		line = line[:idx]
	}

	line = reHeading.ReplaceAllString(line, "")
	line = reBold.ReplaceAllString(line, "${1}${2}")
	line = reItalic.ReplaceAllString(line, "${1}${2}")
	line = reStrikethrough.ReplaceAllString(line, "${1}")
	line = reInlineCode.ReplaceAllString(line, "${1}")
	line = reImageLink.ReplaceAllString(line, "${1}")
	line = reLink.ReplaceAllString(line, "${1}")

	line = htmlPolicy.Sanitize(line)
	line = html.UnescapeString(line)
	line = sanitize.ControlChars(line)

	return sanitize.WordBoundary(line, MaxSummaryChars)
}

// indexFirstLine returns the byte index of the first newline in s, or
// -1 if s is a single line. Summaries are generated from the first
// line only; body text can run to MaxTextBytes.
func indexFirstLine(s string) int {
	for i, r := range s {
		if r == '\n' {
			return i
		}
	}
	return -1
}
