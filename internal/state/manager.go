// Package state is the channel session authority: the directory of live
// connections, active channels and the user bound to each connection.
//
// A Manager is not synchronised. All calls must come from the server event
// loop, which makes every operation atomic with respect to other connections.
package state

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/idgen"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// ChannelStore is the part of the persistence layer the authority needs.
type ChannelStore interface {
	SaveChannel(ctx context.Context, ch types.ChannelRecord) error
	GetChannel(ctx context.Context, code string) (types.ChannelRecord, error)
	TouchChannel(ctx context.Context, code string, at time.Time) error
}

type Config struct {
	Capacity     int
	CodeAttempts int
	StoreTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Capacity: 20, CodeAttempts: 50, StoreTimeout: 3 * time.Second}
}

type Manager struct {
	cfg    Config
	store  ChannelStore
	logger *slog.Logger

	// NewCode and Now are replaceable in tests.
	NewCode func() (string, error)
	Now     func() time.Time

	clients  map[string]types.Conn
	channels map[string]*types.Channel
	users    map[string]*types.User

	droppedSends int64
}

func NewManager(cfg Config, st ChannelStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = def.CodeAttempts
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		logger:   logger,
		NewCode:  idgen.NewChannelCode,
		Now:      time.Now,
		clients:  make(map[string]types.Conn),
		channels: make(map[string]*types.Channel),
		users:    make(map[string]*types.User),
	}
}

// AddClient registers a live connection. It is not bound to any channel yet.
func (m *Manager) AddClient(conn types.Conn) {
	m.clients[conn.ID()] = conn
}

func (m *Manager) Client(id string) (types.Conn, bool) {
	c, ok := m.clients[id]
	return c, ok
}

func (m *Manager) ClientCount() int { return len(m.clients) }

// Binding returns the user bound to a connection.
func (m *Manager) Binding(connID string) (*types.User, bool) {
	u, ok := m.users[connID]
	return u, ok
}

func (m *Manager) Channel(code string) (*types.Channel, bool) {
	ch, ok := m.channels[code]
	return ch, ok
}

// CreateChannel allocates a fresh code, persists the channel and binds conn
// to it as its first member.
func (m *Manager) CreateChannel(ctx context.Context, conn types.Conn, nickname string) (protocol.JoinResponse, error) {
	nick, ok := protocol.NormalizeNickname(nickname)
	if !ok {
		return protocol.JoinResponse{}, ErrInvalidNickname
	}

	code, err := m.allocateCode()
	if err != nil {
		return protocol.JoinResponse{}, err
	}

	now := m.Now()
	rec := types.ChannelRecord{
		Code:           code,
		DisplayName:    "Channel " + code,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.store.SaveChannel(sctx, rec); err != nil {
		m.logger.Error("state: persist channel failed", "code", code, "error", err)
		return protocol.JoinResponse{}, ErrStorage
	}

	m.detach(conn.ID(), false)
	ch := &types.Channel{ChannelRecord: rec}
	m.channels[code] = ch
	user := m.bind(conn, ch, nick)

	m.logger.Info("state: channel created", "code", code, "user_id", user.ID, "nickname", nick)
	return m.joinResponse(ch, user), nil
}

func (m *Manager) allocateCode() (string, error) {
	for i := 0; i < m.cfg.CodeAttempts; i++ {
		code, err := m.NewCode()
		if err != nil {
			return "", ErrCodeSpaceExhausted
		}
		if _, taken := m.channels[code]; !taken {
			return code, nil
		}
	}
	m.logger.Error("state: channel code attempts exhausted", "attempts", m.cfg.CodeAttempts, "active", len(m.channels))
	return "", ErrCodeSpaceExhausted
}

// JoinChannel binds conn to an active channel, or to a persisted one that is
// rehydrated into memory. A previous binding elsewhere is released first.
func (m *Manager) JoinChannel(ctx context.Context, conn types.Conn, code, nickname string) (protocol.JoinResponse, error) {
	if !protocol.ValidChannelCode(code) {
		return protocol.JoinResponse{}, ErrInvalidChannelCode
	}
	nick, ok := protocol.NormalizeNickname(nickname)
	if !ok {
		return protocol.JoinResponse{}, ErrInvalidNickname
	}

	ch, active := m.channels[code]
	if !active {
		rec, err := m.loadChannel(ctx, code)
		if err != nil {
			return protocol.JoinResponse{}, err
		}
		ch = &types.Channel{ChannelRecord: rec}
	}

	members := len(ch.Members)
	if cur, ok := m.users[conn.ID()]; ok && cur.ChannelCode == code {
		members--
	}
	if members >= m.cfg.Capacity {
		return protocol.JoinResponse{}, ErrChannelFull
	}

	m.detach(conn.ID(), false)
	m.channels[code] = ch
	user := m.bind(conn, ch, nick)

	m.logger.Info("state: user joined", "code", code, "user_id", user.ID, "nickname", nick, "members", len(ch.Members), "rehydrated", !active)
	return m.joinResponse(ch, user), nil
}

// loadChannel is the cache-miss path of JoinChannel. It only reads.
func (m *Manager) loadChannel(ctx context.Context, code string) (types.ChannelRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	rec, err := m.store.GetChannel(sctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return types.ChannelRecord{}, ErrChannelNotFound
	}
	if err != nil {
		m.logger.Error("state: load channel failed", "code", code, "error", err)
		return types.ChannelRecord{}, ErrStorage
	}
	return rec, nil
}

// LeaveChannel releases the binding of connID. Leaving while unbound succeeds
// with Left=false.
func (m *Manager) LeaveChannel(_ context.Context, connID, code string) (protocol.LeaveResponse, error) {
	if !protocol.ValidChannelCode(code) {
		return protocol.LeaveResponse{}, ErrInvalidChannelCode
	}
	user, ok := m.users[connID]
	if !ok {
		return protocol.LeaveResponse{ChannelCode: code}, nil
	}
	if user.ChannelCode != code {
		return protocol.LeaveResponse{}, ErrNotInChannel
	}
	m.detach(connID, false)
	return protocol.LeaveResponse{ChannelCode: code, Left: true}, nil
}

// TouchActivity records activity of a member on its channel.
func (m *Manager) TouchActivity(ctx context.Context, connID, code string) (protocol.ActivityResponse, error) {
	if !protocol.ValidChannelCode(code) {
		return protocol.ActivityResponse{}, ErrInvalidChannelCode
	}
	user, ok := m.users[connID]
	if !ok || user.ChannelCode != code {
		return protocol.ActivityResponse{}, ErrNotInChannel
	}
	ch := m.channels[code]
	now := m.Now()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	err := m.store.TouchChannel(sctx, code, now)
	if errors.Is(err, store.ErrNotFound) {
		rec := ch.ChannelRecord
		rec.LastActivityAt = now
		err = m.store.SaveChannel(sctx, rec)
	}
	if err != nil {
		m.logger.Error("state: touch channel failed", "code", code, "error", err)
		return protocol.ActivityResponse{}, ErrStorage
	}

	m.MarkActivity(code, now)
	return protocol.ActivityResponse{ChannelCode: code, LastActivityAt: ch.LastActivityAt}, nil
}

// MarkActivity moves the in-memory last activity of an active channel forward.
func (m *Manager) MarkActivity(code string, at time.Time) {
	if ch, ok := m.channels[code]; ok && at.After(ch.LastActivityAt) {
		ch.LastActivityAt = at
	}
}

// Disconnect releases the binding of connID, notifying peers, and forgets the
// connection. It returns the released user, if any.
func (m *Manager) Disconnect(connID string) (*types.User, bool) {
	user, ok := m.detach(connID, true)
	delete(m.clients, connID)
	return user, ok
}

func (m *Manager) bind(conn types.Conn, ch *types.Channel, nickname string) *types.User {
	now := m.Now()
	user := &types.User{
		ID:               conn.ID(),
		Nickname:         nickname,
		ChannelCode:      ch.Code,
		JoinedAt:         now,
		ConnectionStatus: protocol.StatusConnected,
	}
	ch.Members = append(ch.Members, user)
	m.users[conn.ID()] = user
	if _, known := m.clients[conn.ID()]; !known {
		m.clients[conn.ID()] = conn
	}
	m.MarkActivity(ch.Code, now)

	if frame, err := protocol.NewEvent(protocol.EventUserJoined, protocol.UserJoinedEvent{User: user.Info()}); err == nil {
		m.BroadcastChannel(ch.Code, frame)
	}
	return user
}

func (m *Manager) detach(connID string, disconnected bool) (*types.User, bool) {
	user, ok := m.users[connID]
	if !ok {
		return nil, false
	}
	delete(m.users, connID)

	ch, ok := m.channels[user.ChannelCode]
	if ok {
		for i, member := range ch.Members {
			if member.ID == connID {
				ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
				break
			}
		}
	}
	if disconnected {
		user.ConnectionStatus = protocol.StatusDisconnected
	}

	leftAt := m.Now()
	if ok && len(ch.Members) > 0 {
		if frame, err := protocol.NewEvent(protocol.EventUserLeft, protocol.UserLeftEvent{User: user.Info(), LeftAt: leftAt}); err == nil {
			m.BroadcastChannel(ch.Code, frame)
		}
	}
	if ok && len(ch.Members) == 0 {
		delete(m.channels, ch.Code)
		m.logger.Info("state: channel closed", "code", ch.Code)
	}
	m.logger.Info("state: user left", "code", user.ChannelCode, "user_id", user.ID, "disconnected", disconnected)
	return user, true
}

func (m *Manager) joinResponse(ch *types.Channel, user *types.User) protocol.JoinResponse {
	return protocol.JoinResponse{
		Channel: ch.Info(),
		User:    user.Info(),
		Members: ch.MemberInfos(),
	}
}

// SendTo queues frame for one connection.
func (m *Manager) SendTo(connID string, frame protocol.Frame) bool {
	c, ok := m.clients[connID]
	if !ok {
		return false
	}
	return m.send(c, frame)
}

// BroadcastChannel queues frame for every member of a channel and returns the
// number of connections that accepted it.
func (m *Manager) BroadcastChannel(code string, frame protocol.Frame) int {
	ch, ok := m.channels[code]
	if !ok {
		return 0
	}
	n := 0
	for _, member := range ch.Members {
		if c, ok := m.clients[member.ID]; ok && m.send(c, frame) {
			n++
		}
	}
	return n
}

// BroadcastAll queues frame for every live connection, bound or not.
func (m *Manager) BroadcastAll(frame protocol.Frame) int {
	n := 0
	for _, c := range m.clients {
		if m.send(c, frame) {
			n++
		}
	}
	return n
}

func (m *Manager) send(c types.Conn, frame protocol.Frame) bool {
	if c.Send(frame) {
		return true
	}
	m.droppedSends++
	m.logger.Warn("state: send buffer full, frame dropped", "conn_id", c.ID(), "event", frame.Event)
	return false
}

// ActiveCodes lists the codes of channels with members, sorted.
func (m *Manager) ActiveCodes() []string {
	codes := make([]string, 0, len(m.channels))
	for code := range m.channels {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Channels lists active channels sorted by code.
func (m *Manager) Channels() []protocol.ChannelInfo {
	out := make([]protocol.ChannelInfo, 0, len(m.channels))
	for _, code := range m.ActiveCodes() {
		out = append(out, m.channels[code].Info())
	}
	return out
}

// Stats fills the directory counters of s.
func (m *Manager) Stats(s *types.ServerStats) {
	s.ActiveChannels = len(m.channels)
	s.BoundUsers = len(m.users)
	s.ConnectedClients = len(m.clients)
	s.DroppedSends = m.droppedSends
}
