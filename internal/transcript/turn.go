package transcript

import (
	"fmt"
	"strings"
	"time"
)

type Speaker string

const (
	SpeakerCaller     Speaker = "caller"
	SpeakerDispatcher Speaker = "dispatcher"
)

// Turn is one line of dialogue. Turns are values and are never edited after
// they are appended to a session history.
type Turn struct {
	At      time.Time `json:"at"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
}

func (t Turn) label() string {
	return strings.ToUpper(string(t.Speaker))
}

// FormatLine renders the turn for model context, e.g. "CALLER: help".
func (t Turn) FormatLine() string {
	return fmt.Sprintf("%s: %s", t.label(), strings.TrimSpace(t.Text))
}

func (t Turn) FormatMarkdown() string {
	ts := t.At.Format("15:04:05")
	return fmt.Sprintf("**[%s] %s:** %s", ts, t.label(), strings.TrimSpace(t.Text))
}

// FormatContext renders turns one per line in order.
func FormatContext(turns []Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = t.FormatLine()
	}
	return strings.Join(lines, "\n")
}

// RenderMarkdown produces the archived transcript document for a call.
func RenderMarkdown(title string, turns []Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(turns) > 0 {
		fmt.Fprintf(&b, "_Started %s_\n\n", turns[0].At.UTC().Format(time.RFC3339))
	}
	for _, t := range turns {
		b.WriteString(t.FormatMarkdown())
		b.WriteString("\n\n")
	}
	return b.String()
}
