// Package ingest validates, authorises, rate limits, persists and fans out
// audio clips. A Pipeline shares the event loop with the session authority and
// is not synchronised.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/majackson2003/walkie-talkie-mvp/internal/idgen"
	"github.com/majackson2003/walkie-talkie-mvp/internal/ratelimit"
	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// MessageStore is the part of the persistence layer the pipeline writes to.
type MessageStore interface {
	SaveMessage(ctx context.Context, ch types.ChannelRecord, msg types.AudioMessage, keep int) error
	RecentMessages(ctx context.Context, code string, limit int) ([]types.AudioMessage, error)
}

type Config struct {
	Limits       protocol.AudioLimits
	RateLimit    int
	RateWindow   time.Duration
	HistoryLimit int
	ChannelCap   int
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:       protocol.DefaultAudioLimits(),
		RateLimit:    30,
		RateWindow:   time.Minute,
		HistoryLimit: 50,
		ChannelCap:   50,
		StoreTimeout: 3 * time.Second,
	}
}

type Pipeline struct {
	cfg      Config
	sessions *state.Manager
	store    MessageStore
	window   *ratelimit.Window
	logger   *slog.Logger

	// Tracer, Now and NewID are replaceable in tests.
	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string

	accepted   int64
	violations map[protocol.Code]int64
}

func New(cfg Config, sessions *state.Manager, st MessageStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Limits.MaxBytes <= 0 {
		cfg.Limits.MaxBytes = def.Limits.MaxBytes
	}
	if cfg.Limits.MaxDurationMs <= 0 {
		cfg.Limits.MaxDurationMs = def.Limits.MaxDurationMs
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ChannelCap <= 0 {
		cfg.ChannelCap = def.ChannelCap
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	p := &Pipeline{
		cfg:        cfg,
		sessions:   sessions,
		store:      st,
		logger:     logger,
		Tracer:     otel.Tracer("walkie/ingest"),
		Now:        time.Now,
		NewID:      idgen.NewULID,
		violations: make(map[protocol.Code]int64),
	}
	p.window = ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow, func() time.Time { return p.Now() })
	return p
}

// audioShape mirrors protocol.SendAudioRequest with pointer fields so missing
// required fields can be told apart from zero values.
type audioShape struct {
	ChannelCode    *string            `json:"channelCode"`
	SenderID       *string            `json:"senderId"`
	SenderNickname *string            `json:"senderNickname"`
	AudioBase64    *string            `json:"audioBase64"`
	MimeType       *string            `json:"mimeType"`
	DurationMs     *float64           `json:"durationMs"`
	Priority       *protocol.Priority `json:"priority"`
	Location       *struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	} `json:"location"`
	SizeBytes *int64 `json:"sizeBytes"`
}

func decodeShape(raw json.RawMessage) (protocol.SendAudioRequest, bool, *protocol.Error) {
	var s audioShape
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return protocol.SendAudioRequest{}, false, protocol.Errorf(protocol.CodeInvalidPayload, "audio request is not a JSON object")
	}
	if s.ChannelCode == nil || s.SenderID == nil || s.SenderNickname == nil ||
		s.AudioBase64 == nil || s.MimeType == nil || s.DurationMs == nil {
		return protocol.SendAudioRequest{}, false, protocol.Errorf(protocol.CodeInvalidPayload, "audio request is missing required fields")
	}
	req := protocol.SendAudioRequest{
		ChannelCode:    *s.ChannelCode,
		SenderID:       *s.SenderID,
		SenderNickname: *s.SenderNickname,
		AudioBase64:    *s.AudioBase64,
		MimeType:       *s.MimeType,
		DurationMs:     *s.DurationMs,
		Priority:       protocol.PriorityRoutine,
	}
	if s.Priority != nil {
		if !s.Priority.Valid() {
			return protocol.SendAudioRequest{}, false, protocol.Errorf(protocol.CodeInvalidPayload, "unknown priority %q", *s.Priority)
		}
		req.Priority = *s.Priority
	}
	if s.SizeBytes != nil {
		req.SizeBytes = *s.SizeBytes
	}
	locationBroken := false
	if s.Location != nil {
		if s.Location.Lat == nil || s.Location.Lng == nil {
			locationBroken = true
		} else {
			req.Location = &protocol.Location{Lat: *s.Location.Lat, Lng: *s.Location.Lng}
		}
	}
	return req, locationBroken, nil
}

// Submit runs a send-audio-message request from conn through the validation
// chain and, when it passes, persists and broadcasts the clip.
func (p *Pipeline) Submit(ctx context.Context, conn types.Conn, raw json.RawMessage) (protocol.AudioAck, error) {
	ctx, span := p.Tracer.Start(ctx, "ingest.submit", trace.WithAttributes(attribute.String("conn.id", conn.ID())))
	defer span.End()

	ack, perr := p.submit(ctx, span, conn, raw)
	if perr != nil {
		p.violation(span, conn.ID(), perr)
		return protocol.AudioAck{}, perr
	}
	span.SetAttributes(attribute.String("audio.id", ack.ID))
	return ack, nil
}

func (p *Pipeline) submit(ctx context.Context, span trace.Span, conn types.Conn, raw json.RawMessage) (protocol.AudioAck, *protocol.Error) {
	req, locationBroken, perr := decodeShape(raw)
	if perr != nil {
		return protocol.AudioAck{}, perr
	}
	span.SetAttributes(attribute.String("channel.code", req.ChannelCode))

	mime, perr := protocol.CheckAudio(req.MimeType, req.DurationMs, req.AudioBase64, p.cfg.Limits)
	if perr != nil {
		return protocol.AudioAck{}, perr
	}
	payload, err := protocol.DecodeAudio(req.AudioBase64)
	if err != nil {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeInvalidPayload, "audio payload is not valid base64")
	}
	if int64(len(payload)) > p.cfg.Limits.MaxBytes {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodePayloadTooLarge, "audio payload exceeds %d bytes", p.cfg.Limits.MaxBytes)
	}

	user, bound := p.sessions.Binding(conn.ID())
	if !bound || user.ChannelCode != req.ChannelCode {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeNotFound, "not a member of channel %s", req.ChannelCode)
	}
	if req.SenderID != user.ID {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeUnauthorized, "sender id does not match session")
	}
	if req.SenderNickname != user.Nickname {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeUnauthorized, "sender nickname does not match session")
	}

	if locationBroken || (req.Location != nil && !protocol.ValidLocation(*req.Location)) {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeInvalidPayload, "location must carry finite lat and lng")
	}

	if ok, retry := p.window.Allow(user.ID); !ok {
		return protocol.AudioAck{}, protocol.RateLimited(retry, "too many audio messages")
	}

	final, err := protocol.DecodeAudio(req.AudioBase64)
	if err != nil || len(final) != len(payload) {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeInvalidPayload, "audio payload changed during validation")
	}
	if int64(len(final)) > p.cfg.Limits.MaxBytes {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodePayloadTooLarge, "audio payload exceeds %d bytes", p.cfg.Limits.MaxBytes)
	}
	if req.SizeBytes != 0 && req.SizeBytes != int64(len(final)) {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeInvalidPayload, "declared size %d does not match payload length %d", req.SizeBytes, len(final))
	}

	ch, _ := p.sessions.Channel(user.ChannelCode)
	now := p.Now()
	msg := types.AudioMessage{
		ID:           p.NewID(),
		ChannelCode:  ch.Code,
		FromUserID:   user.ID,
		FromNickname: user.Nickname,
		CreatedAt:    now,
		Priority:     req.Priority,
		MimeType:     mime,
		DurationMs:   int64(math.Ceil(req.DurationMs)),
		SizeBytes:    int64(len(final)),
		Payload:      final,
		Location:     req.Location,
	}
	rec := ch.ChannelRecord
	if now.After(rec.LastActivityAt) {
		rec.LastActivityAt = now
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	if err := p.store.SaveMessage(sctx, rec, msg, p.cfg.ChannelCap); err != nil {
		p.logger.Error("ingest: persist audio failed", "channel", ch.Code, "user_id", user.ID, "error", err)
		span.RecordError(err)
		return protocol.AudioAck{}, state.ErrStorage
	}

	p.sessions.MarkActivity(ch.Code, now)
	frame, err := protocol.NewEvent(protocol.EventAudioMessage, msg.Wire(false))
	if err != nil {
		return protocol.AudioAck{}, protocol.Errorf(protocol.CodeInternal, "encode audio message: %v", err)
	}
	n := p.sessions.BroadcastChannel(ch.Code, frame)
	p.accepted++

	p.logger.Info("ingest: audio accepted", "channel", ch.Code, "user_id", user.ID, "id", msg.ID,
		"priority", msg.Priority, "bytes", msg.SizeBytes, "duration_ms", msg.DurationMs, "delivered", n)
	return protocol.AudioAck{ID: msg.ID, Timestamp: now}, nil
}

func (p *Pipeline) violation(span trace.Span, connID string, perr *protocol.Error) {
	p.violations[perr.Code]++
	span.AddEvent("violation", trace.WithAttributes(
		attribute.String("code", string(perr.Code)),
		attribute.String("reason", perr.Message),
	))
	span.SetStatus(codes.Error, string(perr.Code))
	p.logger.Warn("ingest: audio rejected", "conn_id", connID, "code", perr.Code, "reason", perr.Message)
}

// ReplayHistory sends the most recent clips of a channel to one connection,
// oldest first. Nothing is sent when the channel has no history. Storage
// failures are logged and do not fail the caller.
func (p *Pipeline) ReplayHistory(ctx context.Context, conn types.Conn, code string) int {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	msgs, err := p.store.RecentMessages(sctx, code, p.cfg.HistoryLimit)
	if err != nil {
		p.logger.Warn("ingest: history replay failed", "channel", code, "conn_id", conn.ID(), "error", err)
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}
	ev := protocol.AudioHistoryEvent{ChannelCode: code, Messages: make([]protocol.AudioMessage, 0, len(msgs))}
	for _, m := range msgs {
		ev.Messages = append(ev.Messages, m.Wire(true))
	}
	frame, err := protocol.NewEvent(protocol.EventAudioHistory, ev)
	if err != nil {
		p.logger.Error("ingest: encode history", "channel", code, "error", err)
		return 0
	}
	if !p.sessions.SendTo(conn.ID(), frame) {
		return 0
	}
	return len(msgs)
}

// Forget drops the rate window of a user that went away.
func (p *Pipeline) Forget(userID string) { p.window.Forget(userID) }

// Prune drops elapsed rate windows.
func (p *Pipeline) Prune() int { return p.window.Prune() }

// Stats fills the ingestion counters of s.
func (p *Pipeline) Stats(s *types.ServerStats) {
	s.AudioAccepted = p.accepted
	if s.Violations == nil {
		s.Violations = make(map[string]int64)
	}
	for code, n := range p.violations {
		s.Violations[string(code)] += n
	}
}
