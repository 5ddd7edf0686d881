// Package gateway connects websocket clients to the server core. Every frame
// is handled on the event loop, so handlers of different connections never
// interleave.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/emergency"
	"github.com/majackson2003/walkie-talkie-mvp/internal/eventloop"
	"github.com/majackson2003/walkie-talkie-mvp/internal/ingest"
	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

type Config struct {
	SendBuffer     int
	ReadLimit      int64
	OriginPatterns []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		ReadLimit:      protocol.DefaultReadLimit(protocol.DefaultMaxAudioBytes),
		OriginPatterns: []string{"*"},
	}
}

type Gateway struct {
	cfg       Config
	loop      *eventloop.Loop
	sessions  *state.Manager
	ingest    *ingest.Pipeline
	emergency *emergency.Coordinator
	logger    *slog.Logger

	Now func() time.Time

	mu   sync.Mutex
	live map[string]context.CancelFunc
}

func New(cfg Config, loop *eventloop.Loop, sessions *state.Manager, pipe *ingest.Pipeline, coord *emergency.Coordinator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = def.OriginPatterns
	}
	return &Gateway{
		cfg:       cfg,
		loop:      loop,
		sessions:  sessions,
		ingest:    pipe,
		emergency: coord,
		logger:    logger,
		Now:       time.Now,
		live:      make(map[string]context.CancelFunc),
	}
}

// Register adds a connection to the directory.
func (g *Gateway) Register(ctx context.Context, conn types.Conn) error {
	return g.loop.Do(ctx, func() { g.sessions.AddClient(conn) })
}

// Unregister releases the connection's binding and notifies its peers.
func (g *Gateway) Unregister(ctx context.Context, connID string) error {
	return g.loop.Do(ctx, func() {
		if user, ok := g.sessions.Disconnect(connID); ok {
			g.ingest.Forget(user.ID)
		}
	})
}

// Handle processes one inbound frame from conn. Requests with an ID get an
// ack; failures of requests without one are reported as an event.
func (g *Gateway) Handle(ctx context.Context, conn types.Conn, f protocol.Frame) error {
	if f.Event == protocol.EventHeartbeatPing {
		data, err := g.ping(f.Payload)
		g.reply(conn, f, data, err)
		return nil
	}
	return g.loop.Do(ctx, func() {
		switch f.Event {
		case protocol.EventChannelCreate, protocol.EventChannelJoin:
			data, err := g.join(ctx, conn, f)
			g.reply(conn, f, data, err)
			if err == nil {
				g.ingest.ReplayHistory(ctx, conn, data.Channel.Code)
			}
		case protocol.EventChannelLeave:
			var req protocol.LeaveChannelRequest
			if err := decode(f.Payload, &req); err != nil {
				g.reply(conn, f, nil, err)
				return
			}
			data, err := g.sessions.LeaveChannel(ctx, conn.ID(), req.ChannelCode)
			g.reply(conn, f, data, err)
		case protocol.EventUserActivity:
			var req protocol.ActivityRequest
			if err := decode(f.Payload, &req); err != nil {
				g.reply(conn, f, nil, err)
				return
			}
			data, err := g.sessions.TouchActivity(ctx, conn.ID(), req.ChannelCode)
			g.reply(conn, f, data, err)
		case protocol.EventSendAudio:
			data, err := g.ingest.Submit(ctx, conn, f.Payload)
			g.reply(conn, f, data, err)
		case protocol.EventEmergencyBroadcast:
			b, err := g.emergency.Broadcast(ctx, conn, f.Payload)
			if err != nil && f.ID == "" {
				g.emergency.ReportError(conn.ID(), err)
				return
			}
			g.reply(conn, f, b, err)
		default:
			g.reply(conn, f, nil, protocol.Errorf(protocol.CodeInvalidPayload, "unknown event %q", f.Event))
		}
	})
}

func (g *Gateway) join(ctx context.Context, conn types.Conn, f protocol.Frame) (protocol.JoinResponse, error) {
	if f.Event == protocol.EventChannelCreate {
		var req protocol.CreateChannelRequest
		if err := decode(f.Payload, &req); err != nil {
			return protocol.JoinResponse{}, err
		}
		return g.sessions.CreateChannel(ctx, conn, req.Nickname)
	}
	var req protocol.JoinChannelRequest
	if err := decode(f.Payload, &req); err != nil {
		return protocol.JoinResponse{}, err
	}
	return g.sessions.JoinChannel(ctx, conn, req.ChannelCode, req.Nickname)
}

func (g *Gateway) ping(raw json.RawMessage) (protocol.PingResponse, error) {
	var req protocol.PingRequest
	if len(raw) > 0 {
		if err := decode(raw, &req); err != nil {
			return protocol.PingResponse{}, err
		}
	}
	return protocol.PingResponse{Ts: req.Ts, ServerTs: g.Now().UnixMilli()}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || json.Unmarshal(raw, v) != nil {
		return protocol.Errorf(protocol.CodeInvalidPayload, "payload is not a valid JSON object")
	}
	return nil
}

// reply sends the outcome of a request. Acknowledged requests get an ack
// frame; failed fire-and-forget requests get request:error.
func (g *Gateway) reply(conn types.Conn, f protocol.Frame, data any, err error) {
	if err != nil {
		perr := g.wireError(f.Event, err)
		if f.ID == "" {
			ack := protocol.ErrorAck(perr)
			if ev, ferr := protocol.NewEvent(protocol.EventRequestError, protocol.RequestErrorEvent{
				Event:        f.Event,
				Error:        ack.Error,
				Code:         ack.Code,
				RetryAfterMs: ack.RetryAfterMs,
			}); ferr == nil {
				conn.Send(ev)
			}
			return
		}
		conn.Send(protocol.NewAckFrame(f.ID, protocol.ErrorAck(perr)))
		return
	}
	if f.ID == "" {
		return
	}
	ack, merr := protocol.OKAck(data)
	if merr != nil {
		g.logger.Error("gateway: encode ack", "event", f.Event, "error", merr)
		ack = protocol.ErrorAck(protocol.Errorf(protocol.CodeInternal, "could not encode response"))
	}
	if !conn.Send(protocol.NewAckFrame(f.ID, ack)) {
		g.logger.Warn("gateway: ack dropped", "conn_id", conn.ID(), "event", f.Event, "request_id", f.ID)
	}
}

func (g *Gateway) wireError(event string, err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	g.logger.Error("gateway: unexpected handler error", "event", event, "error", err)
	return protocol.Errorf(protocol.CodeInternal, "internal error")
}

// Stats collects the counters of every component.
func (g *Gateway) Stats(ctx context.Context) (types.ServerStats, error) {
	var s types.ServerStats
	err := g.loop.Do(ctx, func() {
		s.Violations = make(map[string]int64)
		g.sessions.Stats(&s)
		g.ingest.Stats(&s)
		g.emergency.Stats(&s)
	})
	s.EventLoopQueueLen = g.loop.Len()
	s.EventLoopQueueSize = g.loop.Cap()
	return s, err
}

func (g *Gateway) Channels(ctx context.Context) ([]protocol.ChannelInfo, error) {
	var out []protocol.ChannelInfo
	err := g.loop.Do(ctx, func() { out = g.sessions.Channels() })
	return out, err
}

// ActiveCodes lists channels with members; used to shield them from retention.
func (g *Gateway) ActiveCodes(ctx context.Context) ([]string, error) {
	var out []string
	err := g.loop.Do(ctx, func() { out = g.sessions.ActiveCodes() })
	return out, err
}

// RunMaintenance prunes expired rate limit entries every interval until ctx
// is done.
func (g *Gateway) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var windows, cooldowns int
			if err := g.loop.Do(ctx, func() {
				windows = g.ingest.Prune()
				cooldowns = g.emergency.Prune()
			}); err != nil {
				return
			}
			if windows+cooldowns > 0 {
				g.logger.Debug("gateway: rate tables pruned", "windows", windows, "cooldowns", cooldowns)
			}
		}
	}
}

// CloseAll terminates every live websocket session.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, cancel := range g.live {
		cancel()
		delete(g.live, id)
	}
}

func (g *Gateway) track(id string, cancel context.CancelFunc) {
	g.mu.Lock()
	g.live[id] = cancel
	g.mu.Unlock()
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	delete(g.live, id)
	g.mu.Unlock()
}
