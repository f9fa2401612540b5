package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	entries []Entry
	fail    error
}

func (s *memStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *memStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if filter.Namespace != "" && e.Namespace != filter.Namespace {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordFillsIdentityAndTime(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, testLogger())

	svc.Record(context.Background(), Entry{Action: "run.start", Namespace: "alice", Success: true})

	if len(store.entries) != 1 {
		t.Fatalf("entries = %d", len(store.entries))
	}
	got := store.entries[0]
	if got.ID == "" || got.OccurredAt.IsZero() {
		t.Fatalf("id/time not filled: %+v", got)
	}
	if time.Since(got.OccurredAt) > time.Minute {
		t.Fatalf("occurred_at not recent: %v", got.OccurredAt)
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := &memStore{fail: errors.New("db down")}
	svc := NewService(store, testLogger())

	// Must not panic or propagate; the primary action goes on.
	svc.Record(context.Background(), Entry{Action: "run.start"})
}

func TestListClampsLimit(t *testing.T) {
	store := &memStore{}
	svc := NewService(store, testLogger())
	for i := 0; i < 3; i++ {
		svc.Record(context.Background(), Entry{Action: "run.start", Namespace: "alice"})
	}

	entries, err := svc.List(context.Background(), Filter{Namespace: "alice", Limit: -5})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
}
