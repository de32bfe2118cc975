// Package transcript turns recognizer fragments into finalized caller
// utterances and renders conversation turns.
package transcript

import "strings"

// Fragment is one recognizer result. Interim fragments are revisions of the
// utterance in progress; a final fragment closes it.
type Fragment struct {
	IsFinal bool   `json:"is_final"`
	Text    string `json:"text"`
}

// Accumulator buffers fragments for a single call. It is not safe for
// concurrent use; the owning call loop serializes access.
type Accumulator struct {
	interim string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add applies f and returns the finalized utterance when f closes one. A
// final replaces any pending interim text.
func (a *Accumulator) Add(f Fragment) (string, bool) {
	text := strings.TrimSpace(f.Text)
	if !f.IsFinal {
		a.interim = text
		return "", false
	}

	a.interim = ""
	if text == "" {
		return "", false
	}
	return text, true
}

func (a *Accumulator) Interim() string {
	return a.interim
}

// ClearInterim drops unfinished text, e.g. when the recognizer restarts.
func (a *Accumulator) ClearInterim() {
	a.interim = ""
}
