package benchmarks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/event"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/identity"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/message"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/queue"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/transport"
)

var discard = transport.SenderFunc(func(context.Context, message.Kind, []message.Message) error { return nil })

func manualConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.AutoFlush = false
	return cfg
}

// BenchmarkQueue_EnqueueMemory measures enqueue into the in-memory log.
func BenchmarkQueue_EnqueueMemory(b *testing.B) {
	q := queue.New(storage.NewMemoryStore(), discard, manualConfig())
	msg := sampleEvent(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, msg)
	}
}

// BenchmarkQueue_EnqueueSQLite measures enqueue into the SQLite log.
func BenchmarkQueue_EnqueueSQLite(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	q := queue.New(store, discard, manualConfig())
	msg := sampleEvent(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = q.Enqueue(ctx, msg)
	}
}

// BenchmarkQueue_FlushBatch measures one full flush of a batch.
func BenchmarkQueue_FlushBatch(b *testing.B) {
	for _, size := range []int{10, 50, 200} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			store, cleanup := createSQLiteStore(b)
			defer cleanup()

			cfg := manualConfig()
			cfg.BatchSize = size
			q := queue.New(store, discard, cfg)
			msg := sampleEvent(b)
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				for j := 0; j < size; j++ {
					_ = q.Enqueue(ctx, msg)
				}
				b.StartTimer()
				_, _ = q.Flush(ctx)
			}
		})
	}
}

// BenchmarkRecorder_Track measures building and enqueueing an event.
func BenchmarkRecorder_Track(b *testing.B) {
	store := storage.NewMemoryStore()
	id := identity.New(store)
	_ = id.Load()
	_ = id.SetToken("bench-token")
	_ = id.RegisterSuperProperties(map[string]any{"app_version": "1.0.0", "platform": "linux"})

	q := queue.New(store, discard, manualConfig())
	rec := event.NewRecorder(id, q)
	props := map[string]any{
		"plan":    "pro",
		"seats":   12,
		"created": time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"tags":    []string{"a", "b", "c"},
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = rec.Track(ctx, "Benchmarked", props)
	}
}

// BenchmarkStore_Trim measures eviction against a full log.
func BenchmarkStore_Trim(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()

	rec := storage.Record{ID: "x", Kind: string(message.KindEvent), Payload: []byte(`{"event":"x"}`)}
	for i := 0; i < 1000; i++ {
		_, _ = store.Append(rec)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Append(rec)
		_, _ = store.Trim(1000)
	}
}

func sampleEvent(b *testing.B) message.Message {
	b.Helper()
	msg, err := message.New("", message.KindEvent, map[string]any{
		"event": "Benchmarked",
		"properties": map[string]any{
			"token":       "bench-token",
			"distinct_id": "user-1",
			"time":        1700000000,
			"plan":        "pro",
		},
	}, time.Now())
	if err != nil {
		b.Fatal(err)
	}
	return msg
}

func createSQLiteStore(b *testing.B) (*storage.SQLiteStore, func()) {
	b.Helper()
	dir, err := os.MkdirTemp("", "mixpanel-bench")
	if err != nil {
		b.Fatal(err)
	}
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "bench.db"))
	if err != nil {
		os.RemoveAll(dir)
		b.Fatal(err)
	}
	return store, func() {
		store.Close()
		os.RemoveAll(dir)
	}
}
