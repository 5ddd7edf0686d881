package protocol

import "time"

// Priority of an audio clip or alert.
type Priority string

const (
	PriorityRoutine   Priority = "routine"
	PriorityImportant Priority = "important"
	PriorityUrgent    Priority = "urgent"
)

// Valid reports whether p is one of the three known classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityRoutine, PriorityImportant, PriorityUrgent:
		return true
	}
	return false
}

// Connection status of a bound user as seen by peers.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ChannelInfo describes an active or persisted channel.
type ChannelInfo struct {
	Code           string    `json:"code"`
	DisplayName    string    `json:"displayName"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MemberCount    int       `json:"memberCount"`
}

// UserInfo describes a bound session.
type UserInfo struct {
	ID               string    `json:"id"`
	Nickname         string    `json:"nickname"`
	ChannelCode      string    `json:"channelCode"`
	JoinedAt         time.Time `json:"joinedAt"`
	ConnectionStatus string    `json:"connectionStatus"`
}

// Location is an optional sender position attached to a clip.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type CreateChannelRequest struct {
	Nickname string `json:"nickname"`
}

type JoinChannelRequest struct {
	ChannelCode string `json:"channelCode"`
	Nickname    string `json:"nickname"`
}

type LeaveChannelRequest struct {
	ChannelCode string `json:"channelCode"`
}

type ActivityRequest struct {
	ChannelCode string `json:"channelCode"`
}

// SendAudioRequest is the body of send-audio-message. SizeBytes is optional;
// when set the server checks it against the decoded payload length.
type SendAudioRequest struct {
	ChannelCode    string    `json:"channelCode"`
	SenderID       string    `json:"senderId"`
	SenderNickname string    `json:"senderNickname"`
	AudioBase64    string    `json:"audioBase64"`
	MimeType       string    `json:"mimeType"`
	DurationMs     float64   `json:"durationMs"`
	Priority       Priority  `json:"priority,omitempty"`
	Location       *Location `json:"location,omitempty"`
	SizeBytes      int64     `json:"sizeBytes,omitempty"`
}

type EmergencyRequest struct {
	Message string `json:"message"`
}

type PingRequest struct {
	Ts int64 `json:"ts"`
}

type PingResponse struct {
	Ts       int64 `json:"ts"`
	ServerTs int64 `json:"serverTs"`
}

// JoinResponse is the ack data of channel:create and channel:join.
type JoinResponse struct {
	Channel ChannelInfo `json:"channel"`
	User    UserInfo    `json:"user"`
	Members []UserInfo  `json:"members"`
}

type LeaveResponse struct {
	ChannelCode string `json:"channelCode"`
	Left        bool   `json:"left"`
}

type ActivityResponse struct {
	ChannelCode    string    `json:"channelCode"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// AudioAck is the ack data of send-audio-message.
type AudioAck struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioMessage is the broadcast form of a persisted clip.
type AudioMessage struct {
	ID             string    `json:"id"`
	ChannelCode    string    `json:"channelCode"`
	SenderID       string    `json:"senderId"`
	SenderNickname string    `json:"senderNickname"`
	CreatedAt      time.Time `json:"createdAt"`
	Priority       Priority  `json:"priority"`
	MimeType       string    `json:"mimeType"`
	DurationMs     int64     `json:"durationMs"`
	SizeBytes      int64     `json:"sizeBytes"`
	AudioBase64    string    `json:"audioBase64"`
	Location       *Location `json:"location,omitempty"`
	History        bool      `json:"history,omitempty"`
}

type UserJoinedEvent struct {
	User UserInfo `json:"user"`
}

type UserLeftEvent struct {
	User   UserInfo  `json:"user"`
	LeftAt time.Time `json:"leftAt"`
}

type AudioHistoryEvent struct {
	ChannelCode string         `json:"channelCode"`
	Messages    []AudioMessage `json:"messages"`
}

// EmergencyBroadcast is the alert body fanned out to every client.
type EmergencyBroadcast struct {
	ID           string    `json:"id"`
	ChannelCode  string    `json:"channelCode"`
	FromUserID   string    `json:"fromUserId"`
	FromNickname string    `json:"fromNickname"`
	CreatedAt    time.Time `json:"createdAt"`
	Priority     Priority  `json:"priority"`
	Message      string    `json:"message"`
}

type EmergencyAlertEvent struct {
	Broadcast EmergencyBroadcast `json:"broadcast"`
}

type EmergencyErrorEvent struct {
	Error        string `json:"error"`
	Code         Code   `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// RequestErrorEvent reports the failure of a fire-and-forget request.
type RequestErrorEvent struct {
	Event        string `json:"event"`
	Error        string `json:"error"`
	Code         Code   `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}
