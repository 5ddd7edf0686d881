package otelutil

import (
	"context"
	"errors"
	"testing"
)

func TestInit_NoExporter(t *testing.T) {
	if err := Init(context.Background(), Config{}); !errors.Is(err, ErrNoExporter) {
		t.Fatalf("expected ErrNoExporter, got %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("api-key = secret, broken,x=1=2")
	if len(got) != 2 || got["api-key"] != "secret" || got["x"] != "1=2" {
		t.Fatalf("unexpected headers %v", got)
	}
}
