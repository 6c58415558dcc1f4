package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/nicktill/tinytraffic/pkg/cursor"
	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/storage/storagetest"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

func newInMemory(t *testing.T) storage.Store {
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return store
}

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, newInMemory)
}

func TestBadgerStorage_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()
	hour := storagetest.Hour

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}

		next := cursor.Cursor{Source: traffic.Visits, Position: cursor.Position{Timestamp: hour, LastID: "v1"}, RecordsSynced: 1}
		visit := storagetest.Visit("v1", hour, "C1", "US", "mobile", "0.25")
		if err := store.CommitPage(ctx, traffic.Visits, []traffic.Event{visit}, &next); err != nil {
			t.Fatalf("CommitPage failed: %v", err)
		}
		store.Close()
	}

	// Read from second instance (reopens same directory)
	{
		store, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen storage: %v", err)
		}
		defer store.Close()

		results, err := store.QueryEvents(ctx, storage.EventQuery{Source: traffic.Visits})
		if err != nil {
			t.Fatalf("QueryEvents failed: %v", err)
		}
		if len(results) != 1 || results[0].ClickID != "v1" {
			t.Fatalf("Expected persisted visit v1, got %+v", results)
		}
		if results[0].Cost.String() != "0.25" {
			t.Errorf("Cost = %s, want 0.25", results[0].Cost)
		}

		c, ok, err := store.GetCursor(ctx, traffic.Visits)
		if err != nil || !ok {
			t.Fatalf("GetCursor: ok=%v err=%v", ok, err)
		}
		if c.RecordsSynced != 1 || c.Position.LastID != "v1" {
			t.Errorf("Unexpected cursor %+v", c)
		}
	}
}

func TestBadgerStorage_TimestampChangeMovesRecord(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	ctx := context.Background()
	hour := storagetest.Hour

	first := storagetest.Visit("v1", hour, "C1", "US", "mobile", "0.1")
	moved := storagetest.Visit("v1", hour.Add(2*time.Hour), "C1", "US", "mobile", "0.1")

	if err := store.CommitPage(ctx, traffic.Visits, []traffic.Event{first}, nil); err != nil {
		t.Fatalf("CommitPage failed: %v", err)
	}
	if err := store.CommitPage(ctx, traffic.Visits, []traffic.Event{moved}, nil); err != nil {
		t.Fatalf("CommitPage failed: %v", err)
	}

	results, err := store.QueryEvents(ctx, storage.EventQuery{Source: traffic.Visits})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 visit after re-keying, got %d", len(results))
	}
	if !results[0].OccurredAt.Equal(moved.OccurredAt) {
		t.Errorf("OccurredAt = %v, want %v", results[0].OccurredAt, moved.OccurredAt)
	}
}

func TestBadgerStorage_LargePage(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	ctx := context.Background()

	events := make([]traffic.Event, 0, 2000)
	for i := 0; i < 2000; i++ {
		events = append(events, storagetest.Visit(fmt.Sprintf("v%04d", i), storagetest.Hour.Add(time.Duration(i)*time.Second), "C1", "US", "mobile", "0.001"))
	}
	if err := store.CommitPage(ctx, traffic.Visits, events, nil); err != nil {
		t.Fatalf("CommitPage failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Events[traffic.Visits] != 2000 {
		t.Errorf("Expected 2000 visits, got %d", stats.Events[traffic.Visits])
	}
}

func TestBadgerStorage_DeleteBeforeCountsEvents(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	ctx := context.Background()

	var events []traffic.Event
	for i := 0; i < 5; i++ {
		events = append(events, storagetest.Visit(fmt.Sprintf("v%d", i), storagetest.Hour.Add(time.Duration(i)*time.Minute), "C1", "US", "mobile", "0.1"))
	}
	if err := store.CommitPage(ctx, traffic.Visits, events, nil); err != nil {
		t.Fatalf("CommitPage failed: %v", err)
	}

	n, err := store.DeleteBefore(ctx, storage.EntityVisits, storagetest.Hour.Add(time.Hour), 4)
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 4 {
		t.Errorf("first batch deleted %d visits, want 4", n)
	}

	ok, err := store.HasClick(ctx, "v0")
	if err != nil {
		t.Fatalf("HasClick failed: %v", err)
	}
	if ok {
		t.Error("index entry of a deleted visit still resolves")
	}
	ok, err = store.HasClick(ctx, "v4")
	if err != nil || !ok {
		t.Errorf("HasClick(v4) = %v, %v; want kept", ok, err)
	}
}

func TestBadgerStorage_UpdateCancelledInsideTxn(t *testing.T) {
	s, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	err = s.update(ctx, "test", func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte("pending"), []byte("v")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("update error = %v, want context.Canceled", err)
	}

	err = s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte("pending"))
		return err
	})
	if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		t.Errorf("cancelled update was committed: %v", err)
	}

	if err := s.update(context.Background(), "test", func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("kept"), []byte("v"))
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte("kept"))
		return err
	}); err != nil {
		t.Errorf("committed key missing: %v", err)
	}
}
