package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

// openTestPostgres connects to WALKIE_TEST_DATABASE_URL or skips.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("WALKIE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WALKIE_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPostgres_MessageLifecycle(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()
	code := ulid.Make().String()[20:24]
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute)
	ch := testChannel(code, base)
	t.Cleanup(func() { _, _ = p.pool.Exec(context.Background(), `DELETE FROM channels WHERE code = $1`, code) })

	for i := 0; i < 5; i++ {
		msg := testMessage(code, i, base.Add(time.Duration(i)*time.Second))
		msg.ID = ulid.Make().String()
		if err := p.SaveMessage(ctx, ch, msg, 3); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := p.RecentMessages(ctx, code, 50)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("messages not chronological")
		}
	}

	bad := testMessage(code, 9, base)
	bad.ID = ulid.Make().String()
	bad.SizeBytes = 1
	if err := p.SaveMessage(ctx, ch, bad, 3); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}

	if _, err := p.GetChannel(ctx, "x"+code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
