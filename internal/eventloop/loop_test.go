package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoop_RunsTasksSerially(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(16, nil)
	go l.Run(ctx)

	counter := 0
	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(ctx, func() {
				inside++
				if inside != 1 {
					t.Errorf("tasks overlapped")
				}
				counter++
				inside--
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 tasks run, got %d", counter)
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(1, nil)
	go l.Run(ctx)

	if err := l.Do(ctx, func() { panic("boom") }); err != nil {
		t.Fatalf("do: %v", err)
	}
	ran := false
	if err := l.Do(ctx, func() { ran = true }); err != nil || !ran {
		t.Fatalf("loop should keep running after a panic: %v", err)
	}
}

func TestLoop_StoppedRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(0, nil)
	go l.Run(ctx)
	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
	err := l.Do(context.Background(), func() {})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
