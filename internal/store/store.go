// Package store persists channels, audio clips and the emergency audit log,
// and prunes them according to a retention policy.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrSizeMismatch = errors.New("size does not match payload length")
)

// Store is the persistence contract of the server core. Implementations must
// be safe for concurrent use; the retention janitor calls Prune off the event loop.
type Store interface {
	// SaveChannel inserts or updates a channel record.
	SaveChannel(ctx context.Context, ch types.ChannelRecord) error
	// GetChannel returns ErrNotFound when the code was never persisted or was pruned.
	GetChannel(ctx context.Context, code string) (types.ChannelRecord, error)
	// TouchChannel moves last activity forward.
	TouchChannel(ctx context.Context, code string, at time.Time) error
	// SaveMessage upserts the channel, inserts msg and trims the channel to
	// the keep most recent clips in one transaction.
	SaveMessage(ctx context.Context, ch types.ChannelRecord, msg types.AudioMessage, keep int) error
	// RecentMessages returns up to limit clips of a channel, oldest first.
	RecentMessages(ctx context.Context, code string, limit int) ([]types.AudioMessage, error)
	// AppendEmergency writes one audit entry.
	AppendEmergency(ctx context.Context, e types.EmergencyBroadcast) error
	// Prune applies the retention policy. Channels listed in keep are never deleted.
	Prune(ctx context.Context, p RetentionPolicy, now time.Time, keep []string) (PruneResult, error)
	Close()
}

// RetentionPolicy configures pruning. A zero age disables that rule.
type RetentionPolicy struct {
	MaxMessagesPerChannel int
	MessageMaxAge         time.Duration
	EmergencyMaxAge       time.Duration
	ChannelMaxIdle        time.Duration
}

// PruneResult counts deleted rows per rule.
type PruneResult struct {
	OverCap         int64
	ExpiredMessages int64
	ExpiredAlerts   int64
	IdleChannels    int64
}

func (r PruneResult) Total() int64 {
	return r.OverCap + r.ExpiredMessages + r.ExpiredAlerts + r.IdleChannels
}

func checkMessage(msg types.AudioMessage) error {
	if msg.SizeBytes != int64(len(msg.Payload)) {
		return ErrSizeMismatch
	}
	return nil
}
