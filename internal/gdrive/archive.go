package gdrive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

type uploader interface {
	Sync(ctx context.Context, localPath, key string) error
}

// Archiver writes the transcript to disk and then mirrors it to Drive.
// A nil syncer keeps archives local.
type Archiver struct {
	writer *storage.Writer
	up     uploader
	log    zerolog.Logger
}

func NewArchiver(writer *storage.Writer, syncer *Syncer) *Archiver {
	a := &Archiver{writer: writer, log: logging.WithComponent("archive")}
	if syncer != nil {
		a.up = syncer
	}
	return a
}

func (a *Archiver) Archive(ctx context.Context, key string, turns []transcript.Turn) error {
	path, err := a.writer.Write(key, turns)
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.log.Debug().Str("callKey", key).Str("path", path).Msg("transcript written")

	if a.up == nil {
		return nil
	}
	if err := a.up.Sync(ctx, path, key); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}
