package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/client"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/playback"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// seenLimit bounds the remembered message ids. It must exceed the history
// replayed on join.
const seenLimit = 512

// handler feeds received audio to the playback scheduler and logs the rest.
// Every reconnect rejoins the channel and the server replays its history, so
// clips already scheduled are skipped by id.
type handler struct {
	client.DefaultEventHandler
	sched *playback.Scheduler

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// firstSight records id and reports whether it was new.
func (h *handler) firstSight(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[string]struct{}, seenLimit)
	}
	if _, ok := h.seen[id]; ok {
		return false
	}
	if len(h.order) == seenLimit {
		delete(h.seen, h.order[0])
		h.order = h.order[1:]
	}
	h.seen[id] = struct{}{}
	h.order = append(h.order, id)
	return true
}

func (h *handler) OnEvent(f protocol.Frame) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	switch f.Event {
	case protocol.EventAudioMessage:
		var msg protocol.AudioMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			log.Warn("walkie-client: bad audio message", "error", err)
			return
		}
		if !h.firstSight(msg.ID) {
			return
		}
		_ = h.sched.EnqueueMessage(msg, playback.Options{
			AllowInterrupt:  msg.Priority == protocol.PriorityUrgent,
			RespectPriority: true,
		})
	case protocol.EventAudioHistory:
		var ev protocol.AudioHistoryEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			log.Warn("walkie-client: bad audio history", "error", err)
			return
		}
		fresh := 0
		for _, msg := range ev.Messages {
			if !h.firstSight(msg.ID) {
				continue
			}
			fresh++
			_ = h.sched.EnqueueMessage(msg, playback.Options{})
		}
		log.Info("walkie-client: replaying history", "channel", ev.ChannelCode, "messages", len(ev.Messages), "new", fresh)
	case protocol.EventEmergencyAlert:
		var ev protocol.EmergencyAlertEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			log.Warn("walkie-client: bad emergency alert", "error", err)
			return
		}
		log.Warn("walkie-client: EMERGENCY", "from", ev.Broadcast.FromNickname, "channel", ev.Broadcast.ChannelCode, "message", ev.Broadcast.Message)
		h.sched.Alert(ev.Broadcast.ID)
	case protocol.EventUserJoined:
		var ev protocol.UserJoinedEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			log.Warn("walkie-client: bad user joined event", "error", err)
			return
		}
		log.Info("walkie-client: user joined", "nickname", ev.User.Nickname)
	case protocol.EventUserLeft:
		var ev protocol.UserLeftEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			log.Warn("walkie-client: bad user left event", "error", err)
			return
		}
		log.Info("walkie-client: user left", "nickname", ev.User.Nickname)
	case protocol.EventEmergencyError, protocol.EventRequestError:
		log.Warn("walkie-client: server error", "event", f.Event, "payload", string(f.Payload))
	default:
		h.DefaultEventHandler.OnEvent(f)
	}
}
