package client

import (
	"log/slog"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// State of the connection manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Quality is the link estimate derived from heartbeat latency.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityOK      Quality = "ok"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

// ClassifyLatency maps a heartbeat round trip to a quality class. A heartbeat
// that is not acknowledged in time counts as QualityPoor.
func ClassifyLatency(rtt time.Duration) Quality {
	switch {
	case rtt <= 200*time.Millisecond:
		return QualityGood
	case rtt <= 500*time.Millisecond:
		return QualityOK
	default:
		return QualityPoor
	}
}

// PowerState is reported by the host platform (battery, visibility).
type PowerState int

const (
	PowerNormal PowerState = iota
	PowerSaver
	PowerBackground
	PowerCritical
)

// TickInterval is the heartbeat period for a power state.
func TickInterval(p PowerState) time.Duration {
	switch p {
	case PowerSaver:
		return time.Minute
	case PowerBackground:
		return 2 * time.Minute
	case PowerCritical:
		return 5 * time.Minute
	default:
		return 30 * time.Second
	}
}

// Queue kinds reported to OnDropped.
const (
	QueueRequests = "requests"
	QueueAudio    = "audio"
)

// EventHandler receives connection manager callbacks. Calls are made from
// the manager's goroutines and must not block for long. OnStateChange,
// OnQuality and OnDropped are delivered in order and must not call back into
// the Manager.
type EventHandler interface {
	OnStateChange(s State)
	OnQuality(q Quality, rtt time.Duration)
	OnEvent(f protocol.Frame)
	// OnDropped reports an item evicted from a full offline queue.
	OnDropped(queue, event string)
	// OnAudioResult reports the outcome of a clip sent from the retry queue.
	OnAudioResult(req protocol.SendAudioRequest, ack protocol.AudioAck, err error)
}

// DefaultEventHandler logs every callback.
type DefaultEventHandler struct {
	Logger *slog.Logger
}

func (h *DefaultEventHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *DefaultEventHandler) OnStateChange(s State) {
	h.log().Info("client: state", "state", s)
}

func (h *DefaultEventHandler) OnQuality(q Quality, rtt time.Duration) {
	h.log().Debug("client: link quality", "quality", q, "rtt", rtt)
}

func (h *DefaultEventHandler) OnEvent(f protocol.Frame) {
	h.log().Debug("client: event", "event", f.Event)
}

func (h *DefaultEventHandler) OnDropped(queue, event string) {
	h.log().Warn("client: offline queue full, oldest dropped", "queue", queue, "event", event)
}

func (h *DefaultEventHandler) OnAudioResult(req protocol.SendAudioRequest, ack protocol.AudioAck, err error) {
	if err != nil {
		h.log().Warn("client: queued clip failed", "channel", req.ChannelCode, "error", err)
		return
	}
	h.log().Info("client: queued clip delivered", "channel", req.ChannelCode, "id", ack.ID)
}

// Config configures a Manager. Zero values take the defaults. CID is sent
// with every dial so the server logs can be correlated. AudioRetries bounds
// the transient rejections a queued clip may take on one session before it
// is reported as failed.
type Config struct {
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	QueueSize         int
	AudioRetries      int
	CID               string
	Backoff           Backoff
	Limits            protocol.AudioLimits
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:    3 * time.Second,
		HeartbeatInterval: TickInterval(PowerNormal),
		HeartbeatTimeout:  5 * time.Second,
		DialTimeout:       10 * time.Second,
		QueueSize:         10,
		AudioRetries:      5,
		Backoff:           DefaultBackoff(),
		Limits:            protocol.DefaultAudioLimits(),
	}
}
