package eventstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAppendIDsIncrease(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	id1, err := m.Append(ctx, "s1", []byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := m.Append(ctx, "s1", []byte("b"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id1 != "1" || id2 != "2" {
		t.Fatalf("ids = %s, %s", id1, id2)
	}
	// Streams are independent per session.
	other, _ := m.Append(ctx, "s2", []byte("x"))
	if other != "1" {
		t.Fatalf("s2 id = %s", other)
	}
}

func TestSubscribeReplaysAfterLastEventID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.Append(ctx, "s1", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	var got []string
	err := m.Subscribe(subCtx, "s1", "2", func(ctx context.Context, id string, data []byte) error {
		got = append(got, fmt.Sprintf("%s=%s", id, data))
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	want := []string{"3=c", "4=d", "5=e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSubscribeStreamsLiveEvents(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- m.Subscribe(ctx, "s1", "", func(ctx context.Context, id string, data []byte) error {
			delivered <- string(data)
			return nil
		})
	}()

	// Give the subscriber a moment to block before publishing.
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Append(ctx, "s1", []byte("live")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case got := <-delivered:
		if got != "live" {
			t.Fatalf("delivered %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("subscribe returned %v", err)
	}
}

func TestHandlerErrorStopsSubscription(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.Append(ctx, "s1", []byte("a"))
	wantErr := fmt.Errorf("conn gone")
	err := m.Subscribe(ctx, "s1", "", func(ctx context.Context, id string, data []byte) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	m := NewMemoryStore(WithRetainedEvents(3))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Append(ctx, "s1", []byte{byte('a' + i)})
	}
	subCtx, cancel := context.WithCancel(ctx)
	var got []string
	_ = m.Subscribe(subCtx, "s1", "", func(ctx context.Context, id string, data []byte) error {
		got = append(got, id)
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	if len(got) != 3 || got[0] != "3" {
		t.Fatalf("replayed ids = %v, want to start at 3", got)
	}
}

func TestDropDiscardsJournal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.Append(ctx, "s1", []byte("a"))
	if err := m.Drop(ctx, "s1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	// A fresh stream restarts numbering.
	id, _ := m.Append(ctx, "s1", []byte("b"))
	if id != "1" {
		t.Fatalf("id after drop = %s", id)
	}
	if err := m.Drop(ctx, "unknown"); err != nil {
		t.Fatalf("drop unknown: %v", err)
	}
}
