package cid

import (
	"context"
	"net/http"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	if got := From(context.Background()); got != "" {
		t.Fatalf("expected empty cid, got %q", got)
	}
	id := New()
	if len(id) != 27 {
		t.Fatalf("expected ksuid length 27, got %d (%q)", len(id), id)
	}
	if got := From(With(context.Background(), id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestOrNew(t *testing.T) {
	if got := OrNew("given"); got != "given" {
		t.Fatalf("existing id replaced: %q", got)
	}
	if got := OrNew(""); len(got) != 27 {
		t.Fatalf("expected a fresh ksuid, got %q", got)
	}
}

func TestSetHeader(t *testing.T) {
	h := http.Header{}
	SetHeader(h, context.Background())
	if len(h) != 0 {
		t.Fatalf("no header expected without cid")
	}
	SetHeader(h, With(context.Background(), "abc"))
	if h.Get(HeaderName) != "abc" {
		t.Fatalf("expected header set, got %v", h)
	}
}
