package speech

import "context"

// TextOnly produces no audio. Replies still pass through the sequencer so
// their completion order is preserved for text clients.
type TextOnly struct{}

func (TextOnly) Synthesize(context.Context, string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte)
	errs := make(chan error)
	close(audio)
	close(errs)
	return audio, errs
}
