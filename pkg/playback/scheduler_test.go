package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

// fakePlayer blocks each Play until the test completes it.
type fakePlayer struct {
	started chan Item

	// fadeDelay makes FadeOut block like a real ramp.
	fadeDelay time.Duration

	mu        sync.Mutex
	finish    map[string]chan error
	fades     int
	active    int
	maxActive int
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{started: make(chan Item, 16), finish: make(map[string]chan error)}
}

func (p *fakePlayer) ch(id string) chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.finish[id]
	if !ok {
		c = make(chan error, 1)
		p.finish[id] = c
	}
	return c
}

func (p *fakePlayer) Play(ctx context.Context, it Item) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()
	p.started <- it
	select {
	case err := <-p.ch(it.ID):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) FadeOut(d time.Duration) {
	time.Sleep(p.fadeDelay)
	p.mu.Lock()
	p.fades++
	p.mu.Unlock()
}

func (p *fakePlayer) complete(id string, err error) { p.ch(id) <- err }

func (p *fakePlayer) expectStart(t *testing.T, id string) {
	t.Helper()
	select {
	case it := <-p.started:
		if it.ID != id {
			t.Fatalf("expected %s to start, got %s", id, it.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never started", id)
	}
}

func (p *fakePlayer) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case it := <-p.started:
		t.Fatalf("unexpected start of %s", it.ID)
	case <-time.After(30 * time.Millisecond):
	}
}

type observed struct {
	mu          sync.Mutex
	done        []string
	errs        []error
	interrupted []string
}

func (o *observed) OnPlay(it Item) {}

func (o *observed) OnDone(it Item, err error) {
	o.mu.Lock()
	o.done = append(o.done, it.ID)
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

func (o *observed) OnInterrupt(it Item) {
	o.mu.Lock()
	o.interrupted = append(o.interrupted, it.ID)
	o.mu.Unlock()
}

func (o *observed) waitDone(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		o.mu.Lock()
		got := len(o.done)
		o.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d completions, got %d", n, got)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func item(id string, p protocol.Priority) Item {
	return Item{ID: id, Priority: p, Audio: []byte{1}, Duration: time.Second}
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var priority = Options{RespectPriority: true}

func TestScheduler_PlaysOneAtATime(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)
	s.Enqueue(item("r2", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r1")
	p.expectIdle(t)
	if s.State() != Playing {
		t.Fatalf("expected playing, got %s", s.State())
	}
	p.complete("r1", nil)
	p.expectStart(t, "r2")
	p.complete("r2", nil)
	waitIdle(t, s)
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Idle {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler never went idle")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScheduler_InsertionPolicy(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")

	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)
	s.Enqueue(item("i1", protocol.PriorityImportant), priority)
	s.Enqueue(item("r2", protocol.PriorityRoutine), priority)
	s.Enqueue(item("i2", protocol.PriorityImportant), priority)
	s.Enqueue(item("u1", protocol.PriorityUrgent), priority)
	s.Enqueue(item("u2", protocol.PriorityUrgent), priority)

	want := []string{"u2", "u1", "i1", "i2", "r1", "r2"}
	if got := ids(s.Pending()); !equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestScheduler_ImportantAppendsWithoutRoutine(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Enqueue(item("u1", protocol.PriorityUrgent), priority)
	s.Enqueue(item("i1", protocol.PriorityImportant), priority)
	if got := ids(s.Pending()); !equal(got, []string{"u1", "i1"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestScheduler_WithoutPriorityAppends(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), Options{})
	p.expectStart(t, "r0")
	s.Enqueue(item("r1", protocol.PriorityRoutine), Options{})
	s.Enqueue(item("u1", protocol.PriorityUrgent), Options{})
	if got := ids(s.Pending()); !equal(got, []string{"r1", "u1"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestScheduler_UrgentInterrupts(t *testing.T) {
	p := newFakePlayer()
	obs := &observed{}
	s := New(DefaultConfig(), p, obs, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)

	s.Enqueue(item("u1", protocol.PriorityUrgent), Options{AllowInterrupt: true, RespectPriority: true})
	p.expectStart(t, "u1")
	if cur, _ := s.Current(); cur.ID != "u1" {
		t.Fatalf("urgent item must play now, current %s", cur.ID)
	}
	p.mu.Lock()
	fades := p.fades
	p.mu.Unlock()
	if fades != 1 {
		t.Fatalf("expected one fade out, got %d", fades)
	}
	if got := ids(s.Pending()); !equal(got, []string{"r1"}) {
		t.Fatalf("queue must be untouched by the interrupt, got %v", got)
	}

	p.complete("u1", nil)
	p.expectStart(t, "r1")
	obs.waitDone(t, 1)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if !equal(obs.interrupted, []string{"r0"}) || !equal(obs.done, []string{"u1"}) {
		t.Fatalf("unexpected observations interrupted=%v done=%v", obs.interrupted, obs.done)
	}
}

func TestScheduler_BackToBackUrgentPlaysOnlyTheLast(t *testing.T) {
	p := newFakePlayer()
	p.fadeDelay = 100 * time.Millisecond
	obs := &observed{}
	s := New(DefaultConfig(), p, obs, nil)
	defer s.Close()

	interrupt := Options{AllowInterrupt: true, RespectPriority: true}
	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Enqueue(item("u1", protocol.PriorityUrgent), interrupt)
	time.Sleep(20 * time.Millisecond)
	s.Enqueue(item("u2", protocol.PriorityUrgent), interrupt)

	p.expectStart(t, "u2")
	select {
	case it := <-p.started:
		t.Fatalf("replaced item %s started", it.ID)
	case <-time.After(3 * p.fadeDelay):
	}
	p.mu.Lock()
	maxActive := p.maxActive
	p.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("expected one item playing at a time, saw %d", maxActive)
	}
	if cur, _ := s.Current(); cur.ID != "u2" {
		t.Fatalf("expected u2 current, got %s", cur.ID)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if !equal(obs.interrupted, []string{"r0", "u1"}) {
		t.Fatalf("unexpected interruptions %v", obs.interrupted)
	}
}

func TestScheduler_StaleCompletionIgnored(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)
	s.Enqueue(item("u1", protocol.PriorityUrgent), Options{AllowInterrupt: true})
	p.expectStart(t, "u1")

	// A completion carrying the interrupted item's token arrives late.
	s.finish(1, item("r0", protocol.PriorityRoutine), nil)
	p.expectIdle(t)
	if cur, _ := s.Current(); cur.ID != "u1" {
		t.Fatalf("stale completion replaced the current item: %s", cur.ID)
	}
}

func TestScheduler_HistoryNeverInterruptsOrReorders(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)

	h := item("h1", protocol.PriorityUrgent)
	h.History = true
	s.Enqueue(h, Options{AllowInterrupt: true, RespectPriority: true})
	p.expectIdle(t)
	if got := ids(s.Pending()); !equal(got, []string{"r1", "h1"}) {
		t.Fatalf("history item must be appended, got %v", got)
	}
}

func TestScheduler_DecodeFailureAdvances(t *testing.T) {
	p := newFakePlayer()
	obs := &observed{}
	s := New(DefaultConfig(), p, obs, nil)
	defer s.Close()

	s.Enqueue(item("bad", protocol.PriorityRoutine), priority)
	s.Enqueue(item("good", protocol.PriorityRoutine), priority)
	p.expectStart(t, "bad")
	p.complete("bad", ErrDecode)
	p.expectStart(t, "good")

	obs.waitDone(t, 1)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.errs) != 1 || !errors.Is(obs.errs[0], ErrDecode) {
		t.Fatalf("expected the decode failure to be reported, got %v", obs.errs)
	}
}

func TestScheduler_EnqueueMessage(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	bad := protocol.AudioMessage{ID: "x", AudioBase64: "%%%"}
	if err := s.EnqueueMessage(bad, priority); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	p.expectIdle(t)

	good := protocol.AudioMessage{
		ID:          "m1",
		AudioBase64: base64.StdEncoding.EncodeToString([]byte("clip")),
		MimeType:    "audio/webm",
		DurationMs:  1200,
		Priority:    protocol.PriorityImportant,
		History:     true,
	}
	if err := s.EnqueueMessage(good, priority); err != nil {
		t.Fatal(err)
	}
	p.expectStart(t, "m1")
	cur, _ := s.Current()
	if string(cur.Audio) != "clip" || cur.Duration != 1200*time.Millisecond || !cur.History {
		t.Fatalf("unexpected item %+v", cur)
	}
}

func TestScheduler_AlertToneInterrupts(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	defer s.Close()

	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Alert("alert-1")
	p.expectStart(t, "alert-1")
	cur, _ := s.Current()
	if !cur.Tone || cur.Priority != protocol.PriorityUrgent || len(cur.Audio) == 0 {
		t.Fatalf("unexpected tone %+v", cur)
	}
}

func TestScheduler_CloseStops(t *testing.T) {
	p := newFakePlayer()
	s := New(DefaultConfig(), p, nil, nil)
	s.Enqueue(item("r0", protocol.PriorityRoutine), priority)
	s.Enqueue(item("r1", protocol.PriorityRoutine), priority)
	p.expectStart(t, "r0")
	s.Close()
	p.expectIdle(t)
	if s.State() != Idle || len(s.Pending()) != 0 {
		t.Fatalf("close must clear the scheduler")
	}
	s.Enqueue(item("r2", protocol.PriorityRoutine), priority)
	p.expectIdle(t)
}

func TestAlertToneShape(t *testing.T) {
	tone := AlertTone("t")
	// 600ms of 16-bit samples at 8kHz.
	if want := 9600; len(tone.Audio) != want {
		t.Fatalf("expected %d bytes of pcm, got %d", want, len(tone.Audio))
	}
	if tone.Duration != 600*time.Millisecond {
		t.Fatalf("unexpected duration %v", tone.Duration)
	}
}

func TestLogPlayer(t *testing.T) {
	p := &LogPlayer{}
	it := item("l", protocol.PriorityRoutine)
	it.Duration = 5 * time.Millisecond
	if err := p.Play(context.Background(), it); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it.Duration = time.Hour
	if err := p.Play(ctx, it); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if err := p.Play(context.Background(), Item{}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for empty audio, got %v", err)
	}
}
