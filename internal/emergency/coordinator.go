// Package emergency validates, rate limits, audits and fans out emergency
// alerts. Alerts ignore channel scoping and reach every connected client.
package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
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

// AuditLog is the append-only emergency log.
type AuditLog interface {
	AppendEmergency(ctx context.Context, e types.EmergencyBroadcast) error
}

type Config struct {
	Cooldown     time.Duration
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Minute, StoreTimeout: 3 * time.Second}
}

type Coordinator struct {
	cfg      Config
	sessions *state.Manager
	audit    AuditLog
	cooldown *ratelimit.Cooldown
	logger   *slog.Logger

	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string

	sent       int64
	violations map[protocol.Code]int64
}

func New(cfg Config, sessions *state.Manager, audit AuditLog, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	c := &Coordinator{
		cfg:        cfg,
		sessions:   sessions,
		audit:      audit,
		logger:     logger,
		Tracer:     otel.Tracer("walkie/emergency"),
		Now:        time.Now,
		NewID:      idgen.NewULID,
		violations: make(map[protocol.Code]int64),
	}
	c.cooldown = ratelimit.NewCooldown(cfg.Cooldown, func() time.Time { return c.Now() })
	return c
}

// Broadcast handles an emergency:broadcast request from conn. The cooldown is
// only consumed by an alert that was audited and sent.
func (c *Coordinator) Broadcast(ctx context.Context, conn types.Conn, raw json.RawMessage) (protocol.EmergencyBroadcast, error) {
	ctx, span := c.Tracer.Start(ctx, "emergency.broadcast", trace.WithAttributes(attribute.String("conn.id", conn.ID())))
	defer span.End()

	b, perr := c.broadcast(ctx, conn, raw)
	if perr != nil {
		c.violations[perr.Code]++
		span.AddEvent("violation", trace.WithAttributes(
			attribute.String("code", string(perr.Code)),
			attribute.String("reason", perr.Message),
		))
		span.SetStatus(codes.Error, string(perr.Code))
		c.logger.Warn("emergency: rejected", "conn_id", conn.ID(), "code", perr.Code, "reason", perr.Message)
		return protocol.EmergencyBroadcast{}, perr
	}
	return b, nil
}

func (c *Coordinator) broadcast(ctx context.Context, conn types.Conn, raw json.RawMessage) (protocol.EmergencyBroadcast, *protocol.Error) {
	var req protocol.EmergencyRequest
	if len(raw) == 0 || json.Unmarshal(raw, &req) != nil {
		return protocol.EmergencyBroadcast{}, protocol.Errorf(protocol.CodeInvalidPayload, "emergency request is not a JSON object")
	}
	msg, ok := protocol.NormalizeEmergencyMessage(req.Message)
	if !ok {
		return protocol.EmergencyBroadcast{}, protocol.Errorf(protocol.CodeInvalidPayload, "message must be 1-%d characters", protocol.EmergencyMessageMaxLen)
	}
	user, bound := c.sessions.Binding(conn.ID())
	if !bound {
		return protocol.EmergencyBroadcast{}, protocol.Errorf(protocol.CodeNotFound, "join a channel before sending an emergency alert")
	}
	if ok, remaining := c.cooldown.Check(user.ID); !ok {
		return protocol.EmergencyBroadcast{}, protocol.RateLimited(remaining, "emergency alert already sent recently")
	}

	entry := types.EmergencyBroadcast{
		ID:           c.NewID(),
		ChannelCode:  user.ChannelCode,
		FromUserID:   user.ID,
		FromNickname: user.Nickname,
		CreatedAt:    c.Now(),
		Priority:     protocol.PriorityUrgent,
		Message:      msg,
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.audit.AppendEmergency(sctx, entry); err != nil {
		c.logger.Error("emergency: audit append failed", "user_id", user.ID, "error", err)
		trace.SpanFromContext(ctx).RecordError(err)
		return protocol.EmergencyBroadcast{}, state.ErrStorage
	}
	c.cooldown.Mark(user.ID)

	wire := entry.Wire()
	frame, err := protocol.NewEvent(protocol.EventEmergencyAlert, protocol.EmergencyAlertEvent{Broadcast: wire})
	if err != nil {
		return protocol.EmergencyBroadcast{}, protocol.Errorf(protocol.CodeInternal, "encode alert: %v", err)
	}
	n := c.sessions.BroadcastAll(frame)
	c.sent++
	c.logger.Warn("emergency: alert broadcast", "id", entry.ID, "channel", entry.ChannelCode, "user_id", user.ID, "delivered", n)
	return wire, nil
}

// ReportError sends emergency:error to a connection whose unacknowledged
// broadcast failed.
func (c *Coordinator) ReportError(connID string, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.Errorf(protocol.CodeInternal, "%v", err)
	}
	ack := protocol.ErrorAck(perr)
	frame, ferr := protocol.NewEvent(protocol.EventEmergencyError, protocol.EmergencyErrorEvent{
		Error:        ack.Error,
		Code:         ack.Code,
		RetryAfterMs: ack.RetryAfterMs,
	})
	if ferr != nil {
		return
	}
	c.sessions.SendTo(connID, frame)
}

// Prune drops expired cooldowns.
func (c *Coordinator) Prune() int { return c.cooldown.Prune() }

// Stats fills the emergency counters of s.
func (c *Coordinator) Stats(s *types.ServerStats) {
	s.EmergenciesSent = c.sent
	if s.Violations == nil {
		s.Violations = make(map[string]int64)
	}
	for code, n := range c.violations {
		s.Violations[string(code)] += n
	}
}
