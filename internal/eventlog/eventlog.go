// Package eventlog implements ATM's best-effort append-only JSONL audit
// sink (spec §4.5): one line per emission, with size-based rotation and
// a schema-header line describing the field abbreviations in use.
// Every failure here is swallowed — observability must never be able
// to break a send, a lifecycle transition, or any other caller.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/atm-dev/atm/internal/util/timefmt"
)

// Verbosity controls how much of a message body an event line carries.
type Verbosity int

const (
	// VerbosityNone omits message bodies entirely.
	VerbosityNone Verbosity = iota
	// VerbosityTruncated includes a Unicode-safe prefix of the body.
	VerbosityTruncated
	// VerbosityFull includes the body unmodified.
	VerbosityFull
)

// Level mirrors the "lv" field on an event line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// header is the schema line written as the first line of a fresh log
// file (spec §4.5 step 3).
type header struct {
	V  int            `json:"v"`
	K  string         `json:"k"`
	TS string         `json:"ts"`
	M  map[string]any `json:"m"`
}

var fieldAbbreviations = map[string]any{
	"v":   "schema version",
	"k":   "kind: h=header, e=event",
	"ts":  "timestamp (RFC3339)",
	"lv":  "level: info|warn|error",
	"src": "source component",
	"act": "action",
}

// event is one JSONL event line (spec §4.5 step 4). Extra contributed
// fields ride along in Fields and are flattened into the same JSON
// object at marshal time.
type event struct {
	V      int            `json:"v"`
	K      string         `json:"k"`
	TS     string         `json:"ts"`
	LV     Level          `json:"lv"`
	Src    string         `json:"src"`
	Act    string         `json:"act"`
	Fields map[string]any `json:"-"`
}

func (e event) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"v":   e.V,
		"k":   e.K,
		"ts":  e.TS,
		"lv":  string(e.LV),
		"src": e.Src,
		"act": e.Act,
	}
	for k, v := range e.Fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// Sink writes events to a rotating JSONL file.
type Sink struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	maxFiles    int
	verbosity   Verbosity
	truncateLen int
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaxBytes sets the per-file rotation threshold (default 10 MiB).
func WithMaxBytes(n int64) Option { return func(s *Sink) { s.maxBytes = n } }

// WithMaxFiles sets how many rotated generations are retained (default 5).
func WithMaxFiles(n int) Option { return func(s *Sink) { s.maxFiles = n } }

// WithVerbosity sets the message-body verbosity (default VerbosityNone).
func WithVerbosity(v Verbosity) Option { return func(s *Sink) { s.verbosity = v } }

// WithTruncateLen sets the character count VerbosityTruncated keeps
// (default 200, Unicode-safe).
func WithTruncateLen(n int) Option { return func(s *Sink) { s.truncateLen = n } }

// New returns a Sink writing to path, with defaults matching spec §4.5.
func New(path string, opts ...Option) *Sink {
	s := &Sink{
		path:        path,
		maxBytes:    10 * 1024 * 1024,
		maxFiles:    5,
		verbosity:   VerbosityNone,
		truncateLen: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit appends one event. src identifies the emitting component
// (e.g. "atm_mcp", "atmd"), act is a short action label, and fields
// carries any additional structured context. Every failure is
// swallowed: Emit never returns an error and never panics.
func (s *Sink) Emit(level Level, src, act string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return
	}
	if err := s.rotateIfNeeded(); err != nil {
		return
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err == nil && info.Size() == 0 {
		_ = writeLine(f, header{V: 1, K: "h", TS: timefmt.Format(time.Now().UTC()), M: fieldAbbreviations})
	}

	e := event{
		V:      1,
		K:      "e",
		TS:     timefmt.Format(time.Now().UTC()),
		LV:     level,
		Src:    src,
		Act:    act,
		Fields: fields,
	}
	_ = writeLine(f, e)
}

// EmitBody is a convenience wrapper for events carrying a message body,
// applying the sink's configured verbosity to the body field.
func (s *Sink) EmitBody(level Level, src, act, body string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	switch s.verbosity {
	case VerbosityFull:
		fields["body"] = body
	case VerbosityTruncated:
		fields["body"] = truncateRunes(body, s.truncateLen)
	case VerbosityNone:
		// omitted
	}
	s.Emit(level, src, act, fields)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func writeLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// rotateIfNeeded shifts log.N -> log.N+1 down to maxFiles and renames
// log -> log.1, per spec §4.5 step 2.
func (s *Sink) rotateIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.maxBytes {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", s.path, s.maxFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for n := s.maxFiles - 1; n >= 1; n-- {
		from := fmt.Sprintf("%s.%d", s.path, n)
		to := fmt.Sprintf("%s.%d", s.path, n+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
