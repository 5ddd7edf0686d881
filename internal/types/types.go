package types

import (
	"encoding/base64"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// Conn is a live client connection as seen by the server core. Send must not
// block; it reports false when the frame could not be queued.
type Conn interface {
	ID() string
	Send(frame protocol.Frame) bool
}

// ChannelRecord is the persisted form of a channel.
type ChannelRecord struct {
	Code           string
	DisplayName    string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// User is a session bound to exactly one channel.
type User struct {
	ID               string
	Nickname         string
	ChannelCode      string
	JoinedAt         time.Time
	ConnectionStatus string
}

func (u *User) Info() protocol.UserInfo {
	return protocol.UserInfo{
		ID:               u.ID,
		Nickname:         u.Nickname,
		ChannelCode:      u.ChannelCode,
		JoinedAt:         u.JoinedAt,
		ConnectionStatus: u.ConnectionStatus,
	}
}

// Channel is an active in-memory channel with its members in join order.
type Channel struct {
	ChannelRecord
	Members []*User
}

func (c *Channel) Info() protocol.ChannelInfo {
	return protocol.ChannelInfo{
		Code:           c.Code,
		DisplayName:    c.DisplayName,
		CreatedAt:      c.CreatedAt,
		LastActivityAt: c.LastActivityAt,
		MemberCount:    len(c.Members),
	}
}

// MemberInfos returns the members in join order.
func (c *Channel) MemberInfos() []protocol.UserInfo {
	out := make([]protocol.UserInfo, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.Info())
	}
	return out
}

// AudioMessage is an immutable persisted clip.
type AudioMessage struct {
	ID           string
	ChannelCode  string
	FromUserID   string
	FromNickname string
	CreatedAt    time.Time
	Priority     protocol.Priority
	MimeType     string
	DurationMs   int64
	SizeBytes    int64
	Payload      []byte
	Location     *protocol.Location
}

// Wire converts the clip to its broadcast form. History marks replayed clips.
func (m AudioMessage) Wire(history bool) protocol.AudioMessage {
	return protocol.AudioMessage{
		ID:             m.ID,
		ChannelCode:    m.ChannelCode,
		SenderID:       m.FromUserID,
		SenderNickname: m.FromNickname,
		CreatedAt:      m.CreatedAt,
		Priority:       m.Priority,
		MimeType:       m.MimeType,
		DurationMs:     m.DurationMs,
		SizeBytes:      m.SizeBytes,
		AudioBase64:    base64.StdEncoding.EncodeToString(m.Payload),
		Location:       m.Location,
		History:        history,
	}
}

// EmergencyBroadcast is an append-only audit entry.
type EmergencyBroadcast struct {
	ID           string
	ChannelCode  string
	FromUserID   string
	FromNickname string
	CreatedAt    time.Time
	Priority     protocol.Priority
	Message      string
}

func (e EmergencyBroadcast) Wire() protocol.EmergencyBroadcast {
	return protocol.EmergencyBroadcast{
		ID:           e.ID,
		ChannelCode:  e.ChannelCode,
		FromUserID:   e.FromUserID,
		FromNickname: e.FromNickname,
		CreatedAt:    e.CreatedAt,
		Priority:     e.Priority,
		Message:      e.Message,
	}
}

// ServerStats is reported by /api/stats.
type ServerStats struct {
	ActiveChannels     int              `json:"active_channels"`
	BoundUsers         int              `json:"bound_users"`
	ConnectedClients   int              `json:"connected_clients"`
	AudioAccepted      int64            `json:"audio_accepted"`
	EmergenciesSent    int64            `json:"emergencies_sent"`
	Violations         map[string]int64 `json:"violations"`
	DroppedSends       int64            `json:"dropped_sends"`
	EventLoopQueueLen  int              `json:"event_loop_queue_length"`
	EventLoopQueueSize int              `json:"event_loop_queue_capacity"`
}
