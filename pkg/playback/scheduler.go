// Package playback orders received clips for playback. One clip plays at a
// time; urgent traffic jumps the queue and may cut the current clip short.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// ErrDecode is returned by a Player that cannot render an item.
var ErrDecode = errors.New("playback: cannot decode audio")

// Item is one playable clip.
type Item struct {
	ID       string
	From     string
	Priority protocol.Priority
	MimeType string
	Audio    []byte
	Duration time.Duration
	// History marks clips replayed on join. They keep arrival order and never
	// interrupt.
	History bool
	// Tone marks a synthetic alert.
	Tone bool
}

// FromMessage converts a received audio message.
func FromMessage(msg protocol.AudioMessage) (Item, error) {
	data, err := protocol.DecodeAudio(msg.AudioBase64)
	if err != nil {
		return Item{}, fmt.Errorf("%w: message %s: %v", ErrDecode, msg.ID, err)
	}
	p := msg.Priority
	if !p.Valid() {
		p = protocol.PriorityRoutine
	}
	return Item{
		ID:       msg.ID,
		From:     msg.SenderNickname,
		Priority: p,
		MimeType: msg.MimeType,
		Audio:    data,
		Duration: time.Duration(msg.DurationMs) * time.Millisecond,
		History:  msg.History,
	}, nil
}

// Player renders audio. Play blocks until the item finished or ctx is
// canceled. FadeOut ramps the current output down over d and returns when
// done.
type Player interface {
	Play(ctx context.Context, it Item) error
	FadeOut(d time.Duration)
}

// Observer is told about playback progress. Calls happen outside the
// scheduler lock.
type Observer interface {
	OnPlay(it Item)
	OnDone(it Item, err error)
	OnInterrupt(it Item)
}

// Options control how Enqueue places an item.
type Options struct {
	AllowInterrupt  bool
	RespectPriority bool
}

type State int

const (
	Idle State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

type Config struct {
	Fade time.Duration
}

func DefaultConfig() Config {
	return Config{Fade: 150 * time.Millisecond}
}

// Scheduler is the idle/playing state machine in front of a Player.
type Scheduler struct {
	cfg      Config
	player   Player
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	seq     uint64 // token of the current playback
	current *Item
	cancel  context.CancelFunc
	done    chan struct{} // closed once the current item stopped playing or was dropped
	queue   []Item
	closed  bool

	fadeMu sync.Mutex
}

func New(cfg Config, player Player, observer Observer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Fade < 0 {
		cfg.Fade = 0
	}
	return &Scheduler{cfg: cfg, player: player, observer: observer, logger: logger}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return Playing
	}
	return Idle
}

// Current returns the item being played.
func (s *Scheduler) Current() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Item{}, false
	}
	return *s.current, true
}

// Pending returns the queued items in play order.
func (s *Scheduler) Pending() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.queue...)
}

// Enqueue schedules it. An urgent item arriving while something plays cuts it
// short when opts.AllowInterrupt is set.
func (s *Scheduler) Enqueue(it Item, opts Options) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !it.Priority.Valid() {
		it.Priority = protocol.PriorityRoutine
	}
	if it.History {
		s.queue = append(s.queue, it)
		s.startNextLocked()
		s.mu.Unlock()
		return
	}
	if s.current != nil && it.Priority == protocol.PriorityUrgent && opts.AllowInterrupt {
		interrupted := *s.current
		s.interruptLocked(it)
		s.mu.Unlock()
		s.logger.Info("playback: interrupted for urgent item", "interrupted", interrupted.ID, "urgent", it.ID)
		if s.observer != nil {
			s.observer.OnInterrupt(interrupted)
		}
		return
	}
	if opts.RespectPriority {
		s.insertLocked(it)
	} else {
		s.queue = append(s.queue, it)
	}
	s.startNextLocked()
	s.mu.Unlock()
}

// EnqueueMessage decodes msg and schedules it. Messages that do not decode
// are skipped.
func (s *Scheduler) EnqueueMessage(msg protocol.AudioMessage, opts Options) error {
	it, err := FromMessage(msg)
	if err != nil {
		s.logger.Warn("playback: skipping undecodable message", "id", msg.ID, "error", err)
		return err
	}
	s.Enqueue(it, opts)
	return nil
}

// Alert plays the synthetic alert tone ahead of everything else.
func (s *Scheduler) Alert(id string) {
	s.Enqueue(AlertTone(id), Options{AllowInterrupt: true, RespectPriority: true})
}

// insertLocked places urgent items first, important ones before the first
// routine item and routine ones last.
func (s *Scheduler) insertLocked(it Item) {
	at := len(s.queue)
	switch it.Priority {
	case protocol.PriorityUrgent:
		at = 0
	case protocol.PriorityImportant:
		for i, q := range s.queue {
			if q.Priority == protocol.PriorityRoutine {
				at = i
				break
			}
		}
	}
	s.queue = append(s.queue, Item{})
	copy(s.queue[at+1:], s.queue[at:])
	s.queue[at] = it
}

func (s *Scheduler) startNextLocked() {
	if s.current != nil || len(s.queue) == 0 {
		return
	}
	it := s.queue[0]
	s.queue[0] = Item{}
	s.queue = s.queue[1:]
	ctx, done := s.beginLocked(it)
	go s.run(ctx, s.seq, it, done)
}

// beginLocked makes it the current item under a fresh token.
func (s *Scheduler) beginLocked(it Item) (context.Context, chan struct{}) {
	s.seq++
	ctx, cancel := context.WithCancel(context.Background())
	s.current = &it
	s.cancel = cancel
	s.done = make(chan struct{})
	return ctx, s.done
}

// interruptLocked replaces the current item with it. The handoff fades and
// stops the previous item, waits until its Play returned and only then
// starts it, unless a later interrupt replaced it meanwhile.
func (s *Scheduler) interruptLocked(it Item) {
	stop, prev := s.cancel, s.done
	ctx, done := s.beginLocked(it)
	tok := s.seq
	go func() {
		s.fadeMu.Lock()
		s.player.FadeOut(s.cfg.Fade)
		stop()
		s.fadeMu.Unlock()
		<-prev

		s.mu.Lock()
		stale := tok != s.seq
		s.mu.Unlock()
		if stale {
			close(done)
			return
		}
		s.run(ctx, tok, it, done)
	}()
}

func (s *Scheduler) run(ctx context.Context, tok uint64, it Item, done chan struct{}) {
	if s.observer != nil {
		s.observer.OnPlay(it)
	}
	err := s.player.Play(ctx, it)
	close(done)
	s.finish(tok, it, err)
}

// finish advances the queue unless tok belongs to an item that was already
// replaced.
func (s *Scheduler) finish(tok uint64, it Item, err error) {
	s.mu.Lock()
	if tok != s.seq || s.current == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.current, s.cancel = nil, nil
	if !s.closed {
		s.startNextLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("playback: item failed, skipping", "id", it.ID, "error", err)
	}
	if s.observer != nil {
		s.observer.OnDone(it, err)
	}
}

// Close stops playback and drops the queue.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.seq++
	s.current, s.cancel = nil, nil
}
