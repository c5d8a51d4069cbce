package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRecordBuildsContiguousChain(t *testing.T) {
	store := NewInMemory()
	log := NewLog(store)
	ctx := context.Background()

	previous := GenesisHash
	for i := 1; i <= 5; i++ {
		entry, err := log.Record(ctx, Event{
			Action:  "entity.create",
			ActorID: "actor-1",
			Details: map[string]any{"n": i},
		})
		if err != nil {
			t.Fatal(err)
		}
		if entry.Sequence != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, entry.Sequence)
		}
		if entry.PreviousHash != previous {
			t.Fatalf("entry %d not linked: previous=%s", i, entry.PreviousHash)
		}
		if entry.Source != DefaultSource {
			t.Fatalf("source default not applied: %s", entry.Source)
		}
		previous = entry.EntryHash
	}

	tip, hash, err := store.Tip(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tip != 5 || hash != previous {
		t.Fatalf("unexpected tip: seq=%d hash=%s", tip, hash)
	}
}

func TestRecordEventIdempotentByEventID(t *testing.T) {
	store := NewInMemory()
	log := NewLog(store)
	ctx := context.Background()

	first, err := log.RecordEvent(ctx, Event{
		EventID: "evt-1",
		Source:  "ingest",
		Action:  "payment.settled",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := log.RecordEvent(ctx, Event{
		EventID: "evt-1",
		Source:  "ingest",
		Action:  "payment.settled",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Sequence != second.Sequence || first.EntryHash != second.EntryHash {
		t.Fatalf("idempotency violated: %d != %d", first.Sequence, second.Sequence)
	}
	if tip, _, _ := store.Tip(ctx); tip != 1 {
		t.Fatalf("replay grew the chain: tip=%d", tip)
	}
}

func TestRecordEventRejectsMissingAction(t *testing.T) {
	log := NewLog(NewInMemory())
	if _, err := log.RecordEvent(context.Background(), Event{Source: "ingest"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConcurrentRecordsStayGapless(t *testing.T) {
	store := NewInMemory()
	log := NewLog(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	N := 40
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = log.Record(ctx, Event{
				Action:  "authorization.evaluate",
				ActorID: fmt.Sprintf("actor-%d", i),
			})
		}(i)
	}
	wg.Wait()

	entries, err := store.Range(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != N {
		t.Fatalf("expected %d entries, got %d", N, len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != uint64(i+1) {
			t.Fatalf("gap at position %d: sequence=%d", i, entry.Sequence)
		}
	}
}

func TestWithClockAndSource(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog(NewInMemory(), WithSource("custom"), WithClock(func() time.Time { return fixed }))

	entry, err := log.Record(context.Background(), Event{Action: "role.create"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Source != "custom" {
		t.Fatalf("source override ignored: %s", entry.Source)
	}
	if !entry.OccurredAt.Equal(fixed) {
		t.Fatalf("clock override ignored: %s", entry.OccurredAt)
	}
}
