package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_GeneratesSummaryAndID(t *testing.T) {
	m := New("dev", "Please review the PR at https://example/pr/12 — blocking release. Thanks!")
	assert.Equal(t, "dev", m.From)
	assert.False(t, m.Read)
	assert.NotEmpty(t, m.MessageID)
	assert.Contains(t, m.Summary, "Please review the PR at")
	assert.LessOrEqual(t, len([]rune(m.Summary)), MaxSummaryChars+3)
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	m := New("dev", "hello world")
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m.From, got.From)
	assert.Equal(t, m.Text, got.Text)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.True(t, m.Timestamp.Equal(got.Timestamp))
}

func TestUnmarshal_PreservesUnknownFields(t *testing.T) {
	raw := `{
		"from": "dev",
		"text": "hi",
		"timestamp": "2025-06-15T10:30:45.123Z",
		"read": false,
		"message_id": "abc-123",
		"thread_id": "thread-7",
		"priority": 3
	}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	require.Contains(t, m.Unknown, "thread_id")
	require.Contains(t, m.Unknown, "priority")

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var roundTripped map[string]any
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	assert.Equal(t, "thread-7", roundTripped["thread_id"])
	assert.Equal(t, float64(3), roundTripped["priority"])
}

func TestSummarize_TruncatesAtWordBoundary(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "lorem ipsum "
	}
	summary := Summarize(long)
	assert.True(t, len([]rune(summary)) <= MaxSummaryChars+3)
	assert.Contains(t, summary, "...")
	// Must not cut a word in half.
	trimmed := summary[:len(summary)-3]
	assert.NotEqual(t, byte(' '), trimmed[len(trimmed)-1])
}

func TestSummarize_StripsMarkdownAndHTML(t *testing.T) {
	got := Summarize("# Heading **bold** _italic_ [link](http://x) <script>alert(1)</script>")
	assert.NotContains(t, got, "#")
	assert.NotContains(t, got, "**")
	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "bold")
	assert.Contains(t, got, "link")
}

func TestSummarize_OnlyFirstLine(t *testing.T) {
	got := Summarize("first line\nsecond line")
	assert.Equal(t, "first line", got)
}

func TestValidate_RejectsOversizedText(t *testing.T) {
	big := make([]byte, MaxTextBytes+1)
	err := Validate(string(big))
	assert.ErrorIs(t, err, ErrTextTooLarge)
}

func TestValidate_AcceptsWithinLimit(t *testing.T) {
	assert.NoError(t, Validate("short"))
}
