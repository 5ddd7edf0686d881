package client

import (
	"context"
	"testing"
	"time"

	cidpkg "github.com/majackson2003/walkie-talkie-mvp/internal/cid"
)

func TestBuildDialHeadersIncludesCID(t *testing.T) {
	ctx := cidpkg.With(context.Background(), "unit-test-cid-42")
	h := buildDialHeaders(ctx, "test-agent/1.0")
	if got := h.Get(cidpkg.HeaderName); got != "unit-test-cid-42" {
		t.Fatalf("expected header %s=%s, got %v", cidpkg.HeaderName, "unit-test-cid-42", got)
	}
	if got := h.Get("User-Agent"); got != "test-agent/1.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
}

func TestBoundedQueueEvictsOldest(t *testing.T) {
	q := newBoundedQueue[int](10)
	for i := 1; i <= 10; i++ {
		if _, dropped := q.Push(i); dropped {
			t.Fatalf("push %d evicted an item from a queue with room", i)
		}
	}
	evicted, dropped := q.Push(11)
	if !dropped || evicted != 1 {
		t.Fatalf("expected 1 to be evicted, got %d (%v)", evicted, dropped)
	}
	got := q.Snapshot()
	for i, v := range got {
		if v != i+2 {
			t.Fatalf("queue out of order: %v", got)
		}
	}
	if !q.PushFront(0) {
		t.Fatalf("PushFront on a full queue must report a drop")
	}
	if v, _ := q.Pop(); v != 2 {
		t.Fatalf("expected 2 at the head, got %d", v)
	}
	if q.PushFront(2) || q.Len() != 10 {
		t.Fatalf("PushFront with room must keep the item")
	}
	if !q.Remove(func(v int) bool { return v == 5 }) || q.Len() != 9 {
		t.Fatalf("Remove did not delete the item")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()
	b.Rand = func() float64 { return 0.5 }
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}

	b.Rand = func() float64 { return 0 }
	if got := b.Delay(0); got != 400*time.Millisecond {
		t.Errorf("low jitter: expected 400ms, got %v", got)
	}
	b.Rand = func() float64 { return 0.999999 }
	if got := b.Delay(50); got >= 36*time.Second || got < 35*time.Second {
		t.Errorf("high jitter at the cap: got %v", got)
	}

	b.Rand = nil
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		if d < 3200*time.Millisecond || d >= 4800*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0.8, 1.2) of 4s", d)
		}
	}
}

func TestClassifyLatency(t *testing.T) {
	cases := []struct {
		rtt  time.Duration
		want Quality
	}{
		{10 * time.Millisecond, QualityGood},
		{200 * time.Millisecond, QualityGood},
		{201 * time.Millisecond, QualityOK},
		{500 * time.Millisecond, QualityOK},
		{501 * time.Millisecond, QualityPoor},
		{3 * time.Second, QualityPoor},
	}
	for _, tc := range cases {
		if got := ClassifyLatency(tc.rtt); got != tc.want {
			t.Errorf("%v: expected %s, got %s", tc.rtt, tc.want, got)
		}
	}
}

func TestTickInterval(t *testing.T) {
	if TickInterval(PowerNormal) != 30*time.Second {
		t.Fatalf("normal power must tick every 30s")
	}
	prev := TickInterval(PowerNormal)
	for _, p := range []PowerState{PowerSaver, PowerBackground, PowerCritical} {
		d := TickInterval(p)
		if d <= prev {
			t.Fatalf("power state %d must tick less often than the previous one", p)
		}
		prev = d
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
	} {
		if s.String() != want {
			t.Errorf("expected %s, got %s", want, s)
		}
	}
}
