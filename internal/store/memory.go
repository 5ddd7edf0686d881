package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
)

// Memory is a process-local Store used when no database is configured and by
// tests. Deleting a channel cascades to its messages, as the SQL schema does.
type Memory struct {
	mu        sync.RWMutex
	channels  map[string]types.ChannelRecord
	messages  map[string][]types.AudioMessage
	emergency []types.EmergencyBroadcast
	failWith  error
}

func NewMemory() *Memory {
	return &Memory{
		channels: make(map[string]types.ChannelRecord),
		messages: make(map[string][]types.AudioMessage),
	}
}

// SetFailure makes every call that reads or writes data return err until
// cleared with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *Memory) SaveChannel(_ context.Context, ch types.ChannelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.upsertChannel(ch)
	return nil
}

func (m *Memory) upsertChannel(ch types.ChannelRecord) {
	if cur, ok := m.channels[ch.Code]; ok {
		if ch.DisplayName == "" {
			ch.DisplayName = cur.DisplayName
		}
		ch.CreatedAt = cur.CreatedAt
		if ch.LastActivityAt.Before(cur.LastActivityAt) {
			ch.LastActivityAt = cur.LastActivityAt
		}
	}
	m.channels[ch.Code] = ch
}

func (m *Memory) GetChannel(_ context.Context, code string) (types.ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return types.ChannelRecord{}, m.failWith
	}
	ch, ok := m.channels[code]
	if !ok {
		return types.ChannelRecord{}, ErrNotFound
	}
	return ch, nil
}

func (m *Memory) TouchChannel(_ context.Context, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	ch, ok := m.channels[code]
	if !ok {
		return ErrNotFound
	}
	if at.After(ch.LastActivityAt) {
		ch.LastActivityAt = at
		m.channels[code] = ch
	}
	return nil
}

func (m *Memory) SaveMessage(_ context.Context, ch types.ChannelRecord, msg types.AudioMessage, keep int) error {
	if err := checkMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.upsertChannel(ch)

	msg.Payload = append([]byte(nil), msg.Payload...)
	list := append(m.messages[ch.Code], msg)
	sortMessages(list)
	if keep > 0 && len(list) > keep {
		list = append([]types.AudioMessage(nil), list[len(list)-keep:]...)
	}
	m.messages[ch.Code] = list
	return nil
}

func (m *Memory) RecentMessages(_ context.Context, code string, limit int) ([]types.AudioMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	list := m.messages[code]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]types.AudioMessage, len(list))
	copy(out, list)
	return out, nil
}

func (m *Memory) AppendEmergency(_ context.Context, e types.EmergencyBroadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.emergency = append(m.emergency, e)
	return nil
}

// EmergencyLog returns a copy of the audit log.
func (m *Memory) EmergencyLog() []types.EmergencyBroadcast {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EmergencyBroadcast, len(m.emergency))
	copy(out, m.emergency)
	return out
}

func (m *Memory) Prune(_ context.Context, p RetentionPolicy, now time.Time, keep []string) (PruneResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res PruneResult

	for code, list := range m.messages {
		if p.MaxMessagesPerChannel > 0 && len(list) > p.MaxMessagesPerChannel {
			res.OverCap += int64(len(list) - p.MaxMessagesPerChannel)
			list = list[len(list)-p.MaxMessagesPerChannel:]
		}
		if p.MessageMaxAge > 0 {
			cutoff := now.Add(-p.MessageMaxAge)
			kept := list[:0:0]
			for _, msg := range list {
				if msg.CreatedAt.Before(cutoff) {
					res.ExpiredMessages++
					continue
				}
				kept = append(kept, msg)
			}
			list = kept
		}
		m.messages[code] = list
	}

	if p.EmergencyMaxAge > 0 {
		cutoff := now.Add(-p.EmergencyMaxAge)
		kept := m.emergency[:0:0]
		for _, e := range m.emergency {
			if e.CreatedAt.Before(cutoff) {
				res.ExpiredAlerts++
				continue
			}
			kept = append(kept, e)
		}
		m.emergency = kept
	}

	if p.ChannelMaxIdle > 0 {
		protected := make(map[string]struct{}, len(keep))
		for _, c := range keep {
			protected[c] = struct{}{}
		}
		cutoff := now.Add(-p.ChannelMaxIdle)
		for code, ch := range m.channels {
			if _, ok := protected[code]; ok {
				continue
			}
			if ch.LastActivityAt.Before(cutoff) {
				delete(m.channels, code)
				delete(m.messages, code)
				res.IdleChannels++
			}
		}
	}
	return res, nil
}

func (m *Memory) Close() {}

func sortMessages(list []types.AudioMessage) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
