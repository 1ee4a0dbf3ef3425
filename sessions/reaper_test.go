package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReaperEvictsIdleSessions(t *testing.T) {
	st := NewStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	idle := &fakeTransport{id: "idle", kind: KindStreamable}
	if _, err := st.Create("idle", idle, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// One millisecond past the timeout boundary.
	clock = clock.Add(DefaultIdleTimeout + time.Millisecond)

	fresh := &fakeTransport{id: "fresh", kind: KindStreamable}
	if _, err := st.Create("fresh", fresh, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := NewReaper(st)
	r.now = func() time.Time { return clock }

	if want, got := 1, r.Sweep(context.Background()); want != got {
		t.Fatalf("evicted: want %d got %d", want, got)
	}
	if want, got := 1, idle.closed; want != got {
		t.Fatalf("idle transport close count: want %d got %d", want, got)
	}
	if _, err := st.Peek("idle"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session still present: %v", err)
	}
	if _, err := st.Peek("fresh"); err != nil {
		t.Fatalf("fresh session evicted: %v", err)
	}
	if want, got := 0, fresh.closed; want != got {
		t.Fatalf("fresh transport close count: want %d got %d", want, got)
	}
}

func TestReaperDeletesEntryWhenCloseFails(t *testing.T) {
	st := NewStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	tr := &fakeTransport{id: "s", kind: KindSSE, closeErr: errors.New("flush failed")}
	if _, err := st.Create("s", tr, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock = clock.Add(time.Hour)
	r := NewReaper(st, WithIdleTimeout(time.Minute))
	r.now = func() time.Time { return clock }

	if want, got := 1, r.Sweep(context.Background()); want != got {
		t.Fatalf("evicted: want %d got %d", want, got)
	}
	if want, got := 0, st.CountActive(); want != got {
		t.Fatalf("store not cleaned after close failure: want %d got %d", want, got)
	}
}

func TestReaperSessionWithActivityNowSurvives(t *testing.T) {
	st := NewStore()
	if _, err := st.Create("s", &fakeTransport{id: "s", kind: KindStreamable}, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := NewReaper(st)
	if want, got := 0, r.Sweep(context.Background()); want != got {
		t.Fatalf("evicted: want %d got %d", want, got)
	}
	if want, got := 1, st.CountActive(); want != got {
		t.Fatalf("count: want %d got %d", want, got)
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	st := NewStore()
	r := NewReaper(st, WithSweepInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run: want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop after cancel")
	}
}
