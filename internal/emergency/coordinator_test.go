package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
	"github.com/majackson2003/walkie-talkie-mvp/internal/testutil"
	"github.com/majackson2003/walkie-talkie-mvp/internal/types"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

type fixture struct {
	store    *store.Memory
	sessions *state.Manager
	coord    *Coordinator
	sender   *testutil.Conn
	peer     *testutil.Conn
	outsider *testutil.Conn
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), now: time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)}
	f.sessions = state.NewManager(state.DefaultConfig(), f.store, nil)
	f.coord = New(DefaultConfig(), f.sessions, f.store, nil)
	f.coord.Now = func() time.Time { return f.now }

	f.sender, f.peer, f.outsider = testutil.NewConn("s"), testutil.NewConn("p"), testutil.NewConn("o")
	for _, c := range []*testutil.Conn{f.sender, f.peer, f.outsider} {
		f.sessions.AddClient(c)
	}
	if _, err := f.sessions.CreateChannel(context.Background(), f.sender, "Sierra"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.CreateChannel(context.Background(), f.peer, "Papa"); err != nil {
		t.Fatal(err)
	}
	return f
}

func message(s string) json.RawMessage {
	raw, _ := json.Marshal(protocol.EmergencyRequest{Message: s})
	return raw
}

func wantCode(t *testing.T, err error, code protocol.Code) *protocol.Error {
	t.Helper()
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
	return perr
}

func TestBroadcast_ReachesEveryClient(t *testing.T) {
	f := newFixture(t)
	b, err := f.coord.Broadcast(context.Background(), f.sender, message("  flooding on route 9  "))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if b.Priority != protocol.PriorityUrgent || b.Message != "flooding on route 9" || b.FromNickname != "Sierra" {
		t.Fatalf("unexpected broadcast %+v", b)
	}

	for _, c := range []*testutil.Conn{f.sender, f.peer, f.outsider} {
		var ev protocol.EmergencyAlertEvent
		if !c.Decode(protocol.EventEmergencyAlert, &ev) || ev.Broadcast.ID != b.ID {
			t.Fatalf("%s did not receive the alert", c.ID())
		}
	}
	if log := f.store.EmergencyLog(); len(log) != 1 || log[0].ID != b.ID {
		t.Fatalf("alert not audited: %+v", log)
	}
}

func TestBroadcast_Validation(t *testing.T) {
	f := newFixture(t)
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`[]`), message("   "), message(string(long))} {
		_, err := f.coord.Broadcast(context.Background(), f.sender, raw)
		wantCode(t, err, protocol.CodeInvalidPayload)
	}

	_, err := f.coord.Broadcast(context.Background(), f.outsider, message("help"))
	wantCode(t, err, protocol.CodeNotFound)
	if len(f.store.EmergencyLog()) != 0 {
		t.Fatalf("rejected alerts must not be audited")
	}
}

func TestBroadcast_Cooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.coord.Broadcast(ctx, f.sender, message("first")); err != nil {
		t.Fatal(err)
	}

	f.now = f.now.Add(4*time.Minute + 30*time.Second)
	_, err := f.coord.Broadcast(ctx, f.sender, message("second"))
	perr := wantCode(t, err, protocol.CodeRateLimited)
	if perr.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s remaining, got %v", perr.RetryAfter)
	}

	if _, err := f.coord.Broadcast(ctx, f.peer, message("other user")); err != nil {
		t.Fatalf("cooldown is per user: %v", err)
	}

	f.now = f.now.Add(30 * time.Second)
	if _, err := f.coord.Broadcast(ctx, f.sender, message("third")); err != nil {
		t.Fatalf("allowed again after cooldown: %v", err)
	}
}

func TestBroadcast_AuditFailureDoesNotConsumeCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetFailure(errors.New("db down"))
	_, err := f.coord.Broadcast(ctx, f.sender, message("help"))
	wantCode(t, err, protocol.CodeInternal)
	if len(f.peer.Frames(protocol.EventEmergencyAlert)) != 0 {
		t.Fatalf("unaudited alert must not be broadcast")
	}

	f.store.SetFailure(nil)
	if _, err := f.coord.Broadcast(ctx, f.sender, message("help")); err != nil {
		t.Fatalf("retry after failure should pass: %v", err)
	}
}

func TestReportError(t *testing.T) {
	f := newFixture(t)
	f.coord.ReportError("s", protocol.RateLimited(90*time.Second, "slow down"))
	var ev protocol.EmergencyErrorEvent
	if !f.sender.Decode(protocol.EventEmergencyError, &ev) {
		t.Fatalf("no emergency:error sent")
	}
	if ev.Code != protocol.CodeRateLimited || ev.RetryAfterMs != 90_000 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	_, _ = f.coord.Broadcast(context.Background(), f.sender, message("one"))
	_, _ = f.coord.Broadcast(context.Background(), f.sender, message("two"))
	var s types.ServerStats
	f.coord.Stats(&s)
	if s.EmergenciesSent != 1 || s.Violations["rate_limited"] != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
