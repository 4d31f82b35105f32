package logbus

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Archive persists log entries
type Archive interface {
	SaveLogEntry(ctx context.Context, entry Entry) error
}

// Archiver copies every entry published on a bus into an Archive
type Archiver struct {
	bus     *Bus
	archive Archive
	timeout time.Duration
}

// NewArchiver creates a new archiver
func NewArchiver(bus *Bus, archive Archive) *Archiver {
	return &Archiver{
		bus:     bus,
		archive: archive,
		timeout: 5 * time.Second,
	}
}

// Run archives entries until ctx is cancelled or the bus is closed. Only
// entries published after Run starts are archived.
func (a *Archiver) Run(ctx context.Context) error {
	sub := a.bus.Subscribe(Filter{}, WithoutReplay())
	defer sub.Close()

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.save(entry)
	}
}

func (a *Archiver) save(entry Entry) {
	// Use a background context with a timeout so shutdown does not cut a write short
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.archive.SaveLogEntry(ctx, entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"entryID": entry.ID,
			"source":  entry.Source,
			"error":   err,
		}).Error("Failed to archive log entry")
	}
}
