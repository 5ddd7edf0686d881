package playback

import (
	"context"
	"log/slog"
	"time"
)

// LogPlayer is a Player without an audio device: it logs each item and waits
// for its duration.
type LogPlayer struct {
	Logger *slog.Logger
}

func (p *LogPlayer) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *LogPlayer) Play(ctx context.Context, it Item) error {
	if len(it.Audio) == 0 {
		return ErrDecode
	}
	p.log().Info("playback: playing", "id", it.ID, "from", it.From, "priority", it.Priority,
		"mime", it.MimeType, "bytes", len(it.Audio), "duration", it.Duration, "history", it.History)
	t := time.NewTimer(it.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		p.log().Info("playback: stopped", "id", it.ID)
		return ctx.Err()
	}
}

func (p *LogPlayer) FadeOut(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
