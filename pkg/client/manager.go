// Package client is the Go client of the walkie server. Manager keeps one
// websocket session alive across network loss, correlates requests with their
// acks and holds requests and audio clips while offline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

var (
	ErrTimeout      = errors.New("client: request timed out")
	ErrEvicted      = errors.New("client: dropped from full offline queue")
	ErrQueued       = errors.New("client: clip queued for retry")
	ErrNotConnected = errors.New("client: not connected")
	ErrTransport    = errors.New("client: transport failure")
)

type result struct {
	ack *protocol.Ack
	err error
}

// pendingClip is an entry of the audio retry queue. tries counts the
// transient rejections of the current session.
type pendingClip struct {
	req   protocol.SendAudioRequest
	tries int
}

type request struct {
	frame protocol.Frame
	sent  chan struct{} // closed once written; nil when fire-and-forget
	done  chan result
}

func newRequest(id, event string, payload json.RawMessage) *request {
	r := &request{frame: protocol.Frame{ID: id, Event: event, Payload: payload}}
	if id != "" {
		r.sent = make(chan struct{})
		r.done = make(chan result, 1)
	}
	return r
}

func (r *request) markSent() {
	if r.sent != nil {
		close(r.sent)
	}
}

func (r *request) finish(res result) {
	if r.done == nil {
		return
	}
	select {
	case r.done <- res:
	default:
	}
}

// Manager is the connection state machine. All methods are safe for
// concurrent use.
type Manager struct {
	cfg     Config
	dialer  Dialer
	handler EventHandler
	logger  *slog.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string

	mu       sync.Mutex
	state    State
	quality  Quality
	want     bool
	gen      uint64
	tr       Transport
	connCtx  context.Context
	stop     context.CancelFunc
	attempt  int
	timer    *time.Timer
	retry    *time.Timer
	flushing bool
	power    PowerState
	session  *protocol.JoinResponse
	pending  map[string]*request
	requests *boundedQueue[*request]
	audio    *boundedQueue[*pendingClip]
	// callbacks collected under mu, run by unlock
	outbox []func()
	// cbMu keeps callbacks in the order their state changes happened.
	cbMu sync.Mutex
}

func New(cfg Config, dialer Dialer, handler EventHandler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = &DefaultEventHandler{Logger: logger}
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Limits.MaxBytes <= 0 || cfg.Limits.MaxDurationMs <= 0 {
		cfg.Limits = def.Limits
	}
	if cfg.AudioRetries <= 0 {
		cfg.AudioRetries = def.AudioRetries
	}
	if cfg.CID == "" {
		cfg.CID = cidpkg.New()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		handler:  handler,
		logger:   logger.With("cid", cfg.CID),
		Now:      time.Now,
		NewID:    uuid.NewString,
		quality:  QualityOffline,
		pending:  make(map[string]*request),
		requests: newBoundedQueue[*request](cfg.QueueSize),
		audio:    newBoundedQueue[*pendingClip](cfg.QueueSize),
	}
}

func (m *Manager) unlock() {
	out := m.outbox
	m.outbox = nil
	if len(out) == 0 {
		m.mu.Unlock()
		return
	}
	m.cbMu.Lock()
	m.mu.Unlock()
	for _, fn := range out {
		fn()
	}
	m.cbMu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.outbox = append(m.outbox, func() { m.handler.OnStateChange(s) })
}

func (m *Manager) setQualityLocked(q Quality, rtt time.Duration) {
	m.quality = q
	m.outbox = append(m.outbox, func() { m.handler.OnQuality(q, rtt) })
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Session returns the channel binding of the last successful create or join.
func (m *Manager) Session() (protocol.JoinResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return protocol.JoinResponse{}, false
	}
	return *m.session, true
}

// Queued reports the lengths of the offline request and audio queues.
func (m *Manager) Queued() (requests, audio int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests.Len(), m.audio.Len()
}

// SetPowerState changes the heartbeat period from the next tick on.
func (m *Manager) SetPowerState(p PowerState) {
	m.mu.Lock()
	m.power = p
	m.mu.Unlock()
}

func (m *Manager) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.power == PowerNormal {
		return m.cfg.HeartbeatInterval
	}
	return TickInterval(m.power)
}

// Connect starts connecting and keeps reconnecting until Disconnect. Calling
// it while connecting, connected or waiting to reconnect is a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.unlock()
	m.want = true
	if m.state != StateDisconnected || m.timer != nil {
		return
	}
	m.dialLocked()
}

// Disconnect closes the session and cancels any pending reconnect. Requests
// already written keep waiting for their ack until they time out.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	m.want = false
	m.attempt = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.state != StateDisconnected {
		m.teardownLocked()
	}
}

func (m *Manager) dialLocked() {
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(cidpkg.With(context.Background(), m.cfg.CID), m.cfg.DialTimeout)
	tr, err := m.dialer.Dial(ctx)
	cancel()

	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || !m.want {
		if tr != nil {
			m.outbox = append(m.outbox, func() { _ = tr.Close() })
		}
		return
	}
	if err != nil {
		m.logger.Warn("client: dial failed", "attempt", m.attempt, "error", err)
		m.setStateLocked(StateDisconnected)
		m.scheduleLocked()
		return
	}
	connCtx, stop := context.WithCancel(context.Background())
	m.tr, m.connCtx, m.stop = tr, connCtx, stop
	m.attempt = 0
	m.flushing = true
	m.setStateLocked(StateConnected)
	m.logger.Info("client: connected")
	go m.readLoop(connCtx, gen, tr)
	go m.heartbeat(connCtx, gen)
	go m.flush(connCtx, gen)
}

// scheduleLocked arms the single reconnect timer.
func (m *Manager) scheduleLocked() {
	if !m.want || m.timer != nil {
		return
	}
	d := m.cfg.Backoff.Delay(m.attempt)
	m.attempt++
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.unlock()
		if m.timer != t {
			return
		}
		m.timer = nil
		if m.want && m.state == StateDisconnected {
			m.dialLocked()
		}
	})
	m.timer = t
	m.logger.Info("client: reconnect scheduled", "in", d, "attempt", m.attempt)
}

// teardownLocked drops the current transport. Bumping gen makes every
// goroutine of the old session ignore its own late results.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	m.connCtx = nil
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if tr := m.tr; tr != nil {
		m.outbox = append(m.outbox, func() { _ = tr.Close() })
		m.tr = nil
	}
	m.flushing = false
	m.setStateLocked(StateDisconnected)
	m.setQualityLocked(QualityOffline, 0)
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.tr == nil {
		return
	}
	m.logger.Warn("client: connection lost", "error", err)
	m.teardownLocked()
	m.scheduleLocked()
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, tr Transport) {
	for {
		f, err := tr.Read(ctx)
		if err != nil {
			m.fail(gen, err)
			return
		}
		if f.Event == protocol.EventAck {
			m.resolve(f)
			continue
		}
		m.handler.OnEvent(f)
	}
}

func (m *Manager) resolve(f protocol.Frame) {
	m.mu.Lock()
	r := m.pending[f.ID]
	delete(m.pending, f.ID)
	m.mu.Unlock()
	if r == nil {
		m.logger.Debug("client: ack for unknown request", "id", f.ID)
		return
	}
	ack := f.Ack
	if ack == nil {
		ack = &protocol.Ack{OK: true}
	}
	r.finish(result{ack: ack})
}

func (m *Manager) heartbeat(ctx context.Context, gen uint64) {
	t := time.NewTimer(m.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		start := m.Now()
		ack, err := m.exchange(ctx, gen, protocol.EventHeartbeatPing, protocol.PingRequest{Ts: start.UnixMilli()}, m.cfg.HeartbeatTimeout)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ack.Err()
		}
		q, rtt := QualityPoor, time.Duration(0)
		if err == nil {
			rtt = m.Now().Sub(start)
			q = ClassifyLatency(rtt)
		} else {
			m.logger.Debug("client: heartbeat failed", "error", err)
		}
		m.mu.Lock()
		if gen != m.gen {
			m.unlock()
			return
		}
		m.setQualityLocked(q, rtt)
		m.unlock()
		t.Reset(m.interval())
	}
}

func (m *Manager) write(tr Transport, f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := tr.Write(ctx, f); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, f.Event, err)
	}
	return nil
}

func (m *Manager) trackLocked(r *request) {
	if r.done != nil {
		m.pending[r.frame.ID] = r
	}
}

func (m *Manager) enqueueLocked(r *request) {
	if old, dropped := m.requests.Push(r); dropped {
		m.dropLocked(old)
	}
}

func (m *Manager) dropLocked(r *request) {
	event := r.frame.Event
	m.outbox = append(m.outbox, func() { m.handler.OnDropped(QueueRequests, event) })
	r.finish(result{err: ErrEvicted})
}

// submit writes r right away when nothing is queued ahead of it, otherwise it
// waits in the request queue.
func (m *Manager) submit(r *request) {
	m.mu.Lock()
	if m.state != StateConnected || m.flushing || m.requests.Len() > 0 {
		m.enqueueLocked(r)
		m.unlock()
		return
	}
	tr, gen := m.tr, m.gen
	m.trackLocked(r)
	m.unlock()
	m.transmit(gen, tr, r)
}

// transmit writes r. On failure r goes back to the head of the queue and the
// session is torn down.
func (m *Manager) transmit(gen uint64, tr Transport, r *request) bool {
	if err := m.write(tr, r.frame); err != nil {
		m.mu.Lock()
		delete(m.pending, r.frame.ID)
		if m.requests.PushFront(r) {
			m.dropLocked(r)
		}
		m.unlock()
		m.fail(gen, err)
		return false
	}
	r.markSent()
	return true
}

// await blocks until r is acked. The timeout only starts once r has been
// written.
func (m *Manager) await(ctx context.Context, r *request, timeout time.Duration) (*protocol.Ack, error) {
	sent := r.sent
	var (
		timer   *time.Timer
		expired <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-sent:
			sent = nil
			timer = time.NewTimer(timeout)
			expired = timer.C
		case res := <-r.done:
			return res.ack, res.err
		case <-expired:
			m.abandon(r)
			return nil, ErrTimeout
		case <-ctx.Done():
			m.abandon(r)
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) abandon(r *request) {
	m.mu.Lock()
	delete(m.pending, r.frame.ID)
	m.requests.Remove(func(q *request) bool { return q == r })
	m.mu.Unlock()
}

// exchange writes one request on the session identified by gen, bypassing
// the queue, and waits for its ack.
func (m *Manager) exchange(ctx context.Context, gen uint64, event string, payload any, timeout time.Duration) (*protocol.Ack, error) {
	raw, err := marshal(event, payload)
	if err != nil {
		return nil, err
	}
	r := newRequest(m.NewID(), event, raw)
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	tr := m.tr
	m.trackLocked(r)
	m.mu.Unlock()
	if err := m.write(tr, r.frame); err != nil {
		m.abandon(r)
		m.fail(gen, err)
		return nil, err
	}
	r.markSent()
	return m.await(ctx, r, timeout)
}

func marshal(event string, payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal %s payload: %w", event, err)
	}
	return raw, nil
}

func decodeAck(ack *protocol.Ack, v any) error {
	if ack == nil || len(ack.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(ack.Data, v); err != nil {
		return fmt.Errorf("client: decode ack: %w", err)
	}
	return nil
}

// Request sends event and waits for its ack. While offline the request is
// queued and replayed in order after reconnecting; the RequestTimeout only
// runs once it is on the wire. A timed out request is not retried.
func (m *Manager) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := marshal(event, payload)
	if err != nil {
		return nil, err
	}
	r := newRequest(m.NewID(), event, raw)
	m.submit(r)
	ack, err := m.await(ctx, r, m.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, err
	}
	return ack.Data, nil
}

// Emit sends event without waiting for an ack. Failures are reported by the
// server as request:error or emergency:error events.
func (m *Manager) Emit(event string, payload any) error {
	raw, err := marshal(event, payload)
	if err != nil {
		return err
	}
	m.submit(newRequest("", event, raw))
	return nil
}

func call[T any](ctx context.Context, m *Manager, event string, payload any) (T, error) {
	var out T
	data, err := m.Request(ctx, event, payload)
	if err != nil {
		return out, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return out, fmt.Errorf("client: decode %s ack: %w", event, err)
		}
	}
	return out, nil
}

func (m *Manager) CreateChannel(ctx context.Context, nickname string) (protocol.JoinResponse, error) {
	resp, err := call[protocol.JoinResponse](ctx, m, protocol.EventChannelCreate, protocol.CreateChannelRequest{Nickname: nickname})
	if err == nil {
		m.adoptSession(resp)
	}
	return resp, err
}

func (m *Manager) JoinChannel(ctx context.Context, code, nickname string) (protocol.JoinResponse, error) {
	resp, err := call[protocol.JoinResponse](ctx, m, protocol.EventChannelJoin, protocol.JoinChannelRequest{ChannelCode: code, Nickname: nickname})
	if err == nil {
		m.adoptSession(resp)
	}
	return resp, err
}

func (m *Manager) LeaveChannel(ctx context.Context, code string) (protocol.LeaveResponse, error) {
	resp, err := call[protocol.LeaveResponse](ctx, m, protocol.EventChannelLeave, protocol.LeaveChannelRequest{ChannelCode: code})
	if err == nil {
		m.mu.Lock()
		if m.session != nil && m.session.Channel.Code == code {
			m.session = nil
		}
		m.mu.Unlock()
	}
	return resp, err
}

func (m *Manager) TouchActivity(ctx context.Context, code string) (protocol.ActivityResponse, error) {
	return call[protocol.ActivityResponse](ctx, m, protocol.EventUserActivity, protocol.ActivityRequest{ChannelCode: code})
}

// Broadcast sends an emergency alert to every connected client.
func (m *Manager) Broadcast(ctx context.Context, message string) (protocol.EmergencyBroadcast, error) {
	return call[protocol.EmergencyBroadcast](ctx, m, protocol.EventEmergencyBroadcast, protocol.EmergencyRequest{Message: message})
}

func (m *Manager) adoptSession(resp protocol.JoinResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adoptSessionLocked(resp)
}

// adoptSessionLocked records the binding. The server issues a new user id per
// connection, so queued clips of the previous binding are re-addressed.
func (m *Manager) adoptSessionLocked(resp protocol.JoinResponse) {
	if m.session != nil && m.session.User.ID != resp.User.ID {
		old := m.session.User.ID
		for _, c := range m.audio.Snapshot() {
			if c.req.SenderID == old {
				c.req.SenderID = resp.User.ID
				c.req.SenderNickname = resp.User.Nickname
			}
		}
	}
	m.session = &resp
}

// rejoin restores the last binding on a fresh session. It reports false when
// the session went away meanwhile.
func (m *Manager) rejoin(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return true
	}
	req := protocol.JoinChannelRequest{ChannelCode: s.Channel.Code, Nickname: s.User.Nickname}
	ack, err := m.exchange(ctx, gen, protocol.EventChannelJoin, req, m.cfg.RequestTimeout)
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
		return false
	}
	if err == nil {
		err = ack.Err()
	}
	var resp protocol.JoinResponse
	if err == nil {
		err = decodeAck(ack, &resp)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Warn("client: rejoin failed", "channel", req.ChannelCode, "error", err)
		m.session = nil
	} else {
		m.logger.Info("client: rejoined channel", "channel", req.ChannelCode, "user_id", resp.User.ID)
		m.adoptSessionLocked(resp)
	}
	return gen == m.gen
}

type flushOutcome int

const (
	flushNext flushOutcome = iota
	flushParked
	flushDropped
)

// flush restores the binding, then drains the queues.
func (m *Manager) flush(ctx context.Context, gen uint64) {
	if !m.rejoin(ctx, gen) {
		return
	}
	m.drain(ctx, gen)
}

// drain replays queued requests and clips one at a time in FIFO order.
// Requests queued meanwhile go out before the next clip. A clip rejected with
// a transient error parks the audio queue until the retry timer fires.
func (m *Manager) drain(ctx context.Context, gen uint64) {
	parked := false
	for {
		m.mu.Lock()
		if gen != m.gen {
			m.unlock()
			return
		}
		if r, ok := m.requests.Pop(); ok {
			tr := m.tr
			m.trackLocked(r)
			m.unlock()
			if !m.transmit(gen, tr, r) {
				return
			}
			continue
		}
		var next *pendingClip
		if !parked {
			next, _ = m.audio.Peek()
		}
		if next == nil {
			m.flushing = false
			if parked {
				m.retryLocked(gen)
			}
			m.unlock()
			return
		}
		req := next.req
		m.unlock()
		switch m.deliverQueued(ctx, gen, next, req) {
		case flushDropped:
			return
		case flushParked:
			parked = true
		}
	}
}

// deliverQueued sends the clip at the head of the retry queue. The clip only
// leaves the queue once the server gave a final answer.
func (m *Manager) deliverQueued(ctx context.Context, gen uint64, c *pendingClip, req protocol.SendAudioRequest) flushOutcome {
	ack, err := m.exchange(ctx, gen, protocol.EventSendAudio, req, m.cfg.RequestTimeout)
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
		return flushDropped
	}
	if err == nil {
		err = ack.Err()
	}
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Code.Retryable() {
		m.mu.Lock()
		c.tries++
		giveUp := c.tries >= m.cfg.AudioRetries
		m.mu.Unlock()
		if !giveUp {
			return flushParked
		}
		m.logger.Warn("client: clip retries exhausted", "channel", req.ChannelCode, "tries", c.tries, "error", err)
	}
	var out protocol.AudioAck
	if err == nil {
		err = decodeAck(ack, &out)
	}
	m.mu.Lock()
	m.audio.Remove(func(q *pendingClip) bool { return q == c })
	m.mu.Unlock()
	m.handler.OnAudioResult(req, out, err)
	return flushNext
}

func (m *Manager) queueAudioLocked(clip protocol.SendAudioRequest, tries int) {
	if _, dropped := m.audio.Push(&pendingClip{req: clip, tries: tries}); dropped {
		m.outbox = append(m.outbox, func() { m.handler.OnDropped(QueueAudio, protocol.EventSendAudio) })
	}
}

// kickLocked starts a drain of the audio queue on the current session unless
// one is already running.
func (m *Manager) kickLocked() {
	if m.state != StateConnected || m.flushing || m.audio.Len() == 0 {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.flushing = true
	go m.drain(m.connCtx, m.gen)
}

// retryLocked arms the audio retry timer of session gen. The delay grows with
// the tries of the clip at the head of the queue.
func (m *Manager) retryLocked(gen uint64) {
	if gen != m.gen || m.state != StateConnected || m.retry != nil {
		return
	}
	head, ok := m.audio.Peek()
	if !ok {
		return
	}
	d := m.cfg.Backoff.Delay(head.tries - 1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.unlock()
		if m.retry != t {
			return
		}
		m.retry = nil
		if gen == m.gen {
			m.kickLocked()
		}
	})
	m.retry = t
	m.logger.Debug("client: audio retry scheduled", "in", d, "tries", head.tries)
}

// SendAudio validates the clip locally and sends it. Clips that cannot be
// delivered now go to the audio retry queue and ErrQueued is returned; their
// outcome is reported through OnAudioResult. That covers an offline client, a
// failed write, a transient server error and clips still queued ahead. While
// connected the queue is retried with backoff; a clip that keeps failing is
// given up after Config.AudioRetries tries.
func (m *Manager) SendAudio(ctx context.Context, clip protocol.SendAudioRequest) (protocol.AudioAck, error) {
	if err := m.checkAudio(&clip); err != nil {
		return protocol.AudioAck{}, err
	}
	m.mu.Lock()
	if m.state != StateConnected || m.flushing || m.audio.Len() > 0 {
		m.queueAudioLocked(clip, 0)
		m.kickLocked()
		m.unlock()
		return protocol.AudioAck{}, ErrQueued
	}
	gen := m.gen
	m.unlock()

	ack, err := m.exchange(ctx, gen, protocol.EventSendAudio, clip, m.cfg.RequestTimeout)
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrNotConnected) {
		m.mu.Lock()
		m.queueAudioLocked(clip, 0)
		m.unlock()
		return protocol.AudioAck{}, ErrQueued
	}
	if err != nil {
		return protocol.AudioAck{}, err
	}
	if err := ack.Err(); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code.Retryable() {
			m.mu.Lock()
			m.queueAudioLocked(clip, 1)
			if !m.flushing {
				m.retryLocked(gen)
			}
			m.unlock()
			return protocol.AudioAck{}, ErrQueued
		}
		return protocol.AudioAck{}, err
	}
	var out protocol.AudioAck
	err = decodeAck(ack, &out)
	return out, err
}

// checkAudio applies the server's body checks so bad clips fail fast without
// a round trip. It fills in defaults for priority and size.
func (m *Manager) checkAudio(clip *protocol.SendAudioRequest) error {
	if !protocol.ValidChannelCode(clip.ChannelCode) || clip.SenderID == "" || clip.SenderNickname == "" {
		return protocol.Errorf(protocol.CodeInvalidPayload, "channel code, sender id and sender nickname are required")
	}
	if clip.Priority == "" {
		clip.Priority = protocol.PriorityRoutine
	} else if !clip.Priority.Valid() {
		return protocol.Errorf(protocol.CodeInvalidPayload, "unknown priority %q", clip.Priority)
	}
	mime, perr := protocol.CheckAudio(clip.MimeType, clip.DurationMs, clip.AudioBase64, m.cfg.Limits)
	if perr != nil {
		return perr
	}
	clip.MimeType = mime
	data, err := protocol.DecodeAudio(clip.AudioBase64)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidPayload, "audio payload is not valid base64")
	}
	size := int64(len(data))
	if size > m.cfg.Limits.MaxBytes {
		return protocol.Errorf(protocol.CodePayloadTooLarge, "audio payload exceeds %d bytes", m.cfg.Limits.MaxBytes)
	}
	switch {
	case clip.SizeBytes == 0:
		clip.SizeBytes = size
	case clip.SizeBytes != size:
		return protocol.Errorf(protocol.CodeInvalidPayload, "declared size %d does not match payload size %d", clip.SizeBytes, size)
	}
	if clip.Location != nil && !protocol.ValidLocation(*clip.Location) {
		return protocol.Errorf(protocol.CodeInvalidPayload, "location must have finite coordinates")
	}
	return nil
}
