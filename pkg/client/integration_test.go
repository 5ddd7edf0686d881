package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/majackson2003/walkie-talkie-mvp/internal/emergency"
	"github.com/majackson2003/walkie-talkie-mvp/internal/eventloop"
	"github.com/majackson2003/walkie-talkie-mvp/internal/gateway"
	"github.com/majackson2003/walkie-talkie-mvp/internal/ingest"
	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

func startGateway(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := store.NewMemory()
	loop := eventloop.New(64, nil)
	go loop.Run(ctx)
	sessions := state.NewManager(state.DefaultConfig(), st, nil)
	pipe := ingest.New(ingest.DefaultConfig(), sessions, st, nil)
	coord := emergency.New(emergency.DefaultConfig(), sessions, st, nil)
	g := gateway.New(gateway.DefaultConfig(), loop, sessions, pipe, coord, nil)
	ts := httptest.NewServer(http.HandlerFunc(g.ServeWS))
	t.Cleanup(func() {
		g.CloseAll()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (r *recorder) eventsOf(event string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range r.snapshot().events {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func TestManager_AgainstGateway(t *testing.T) {
	url := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	a, recA := newTestManager(t, cfg, &WSDialer{URL: url})
	b, recB := newTestManager(t, cfg, &WSDialer{URL: url})
	a.Connect()
	b.Connect()

	created, err := a.CreateChannel(ctx, "Alpha")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := created.Channel.Code
	joined, err := b.JoinChannel(ctx, code, "Bravo")
	if err != nil || len(joined.Members) != 2 {
		t.Fatalf("join: %+v %v", joined, err)
	}
	waitFor(t, "user:joined on A", func() bool { return len(recA.eventsOf(protocol.EventUserJoined)) > 0 })

	ack, err := a.SendAudio(ctx, protocol.SendAudioRequest{
		ChannelCode:    code,
		SenderID:       created.User.ID,
		SenderNickname: created.User.Nickname,
		AudioBase64:    base64.StdEncoding.EncodeToString([]byte("over")),
		MimeType:       "audio/webm",
		DurationMs:     800,
		Priority:       protocol.PriorityImportant,
	})
	if err != nil || ack.ID == "" {
		t.Fatalf("send audio: %+v %v", ack, err)
	}
	waitFor(t, "audio on B", func() bool { return len(recB.eventsOf(protocol.EventAudioMessage)) == 1 })
	var msg protocol.AudioMessage
	_ = json.Unmarshal(recB.eventsOf(protocol.EventAudioMessage)[0].Payload, &msg)
	if msg.ID != ack.ID || msg.Priority != protocol.PriorityImportant {
		t.Fatalf("unexpected audio message %+v", msg)
	}

	if _, err := b.Broadcast(ctx, "need help"); err != nil {
		t.Fatalf("emergency: %v", err)
	}
	waitFor(t, "alert on A", func() bool { return len(recA.eventsOf(protocol.EventEmergencyAlert)) == 1 })

	left, err := b.LeaveChannel(ctx, code)
	if err != nil || !left.Left {
		t.Fatalf("leave: %+v %v", left, err)
	}
	if _, ok := b.Session(); ok {
		t.Fatalf("leave must clear the session")
	}
	waitFor(t, "user:left on A", func() bool { return len(recA.eventsOf(protocol.EventUserLeft)) == 1 })
}
