package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nicktill/tinytraffic/pkg/storage"
	"github.com/nicktill/tinytraffic/pkg/storage/storagetest"
	"github.com/nicktill/tinytraffic/pkg/traffic"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMemoryStorage_ConcurrentCommits(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	hour := storagetest.Hour

	// Concurrent commits for different sources
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			v := storagetest.Visit(fmt.Sprintf("v%d", id), hour.Add(time.Duration(id)*time.Second), "C1", "US", "mobile", "0.01")
			c := storagetest.Click(fmt.Sprintf("k%d", id), hour, "C1", "US", "mobile")
			store.CommitPage(ctx, traffic.Visits, []traffic.Event{v}, nil)
			store.CommitPage(ctx, traffic.Clicks, []traffic.Event{c}, nil)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Events[traffic.Visits] != 10 || stats.Events[traffic.Clicks] != 10 {
		t.Errorf("Expected 10 visits and 10 clicks, got %v", stats.Events)
	}
}

func TestMemoryStorage_RejectsForeignSource(t *testing.T) {
	store := New()

	click := storagetest.Click("k1", storagetest.Hour, "C1", "US", "mobile")
	if err := store.CommitPage(context.Background(), traffic.Visits, []traffic.Event{click}, nil); err == nil {
		t.Fatal("expected error committing a click into the visits page")
	}
}
