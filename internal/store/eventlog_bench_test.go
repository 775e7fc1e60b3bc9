package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/corvid-labs/axon/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s, 0)
}

func seedBenchRun(b *testing.B, s *LibSQLStore) string {
	b.Helper()
	id := uuid.New().String()
	if err := s.CreateRun(context.Background(), &Run{
		ID:     id,
		Brain:  "bench-brain",
		Status: schema.RunStatusRunning,
	}); err != nil {
		b.Fatal(err)
	}
	return id
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	s, el := newBenchStore(b)
	runID := seedBenchRun(b, s)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.Append(ctx, runID, schema.EventStepComplete, json.RawMessage(`[{"op":"add","path":"/n","value":1}]`))
	}
}

func BenchmarkEventAppend_MultipleRuns(b *testing.B) {
	s, el := newBenchStore(b)
	ctx := context.Background()

	// Pre-create 100 runs.
	runIDs := make([]string, 100)
	for i := range runIDs {
		runIDs[i] = seedBenchRun(b, s)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		el.Append(ctx, runIDs[i%len(runIDs)], schema.EventStepComplete, json.RawMessage(`{}`))
	}
}

func BenchmarkEventAppend_Concurrent(b *testing.B) {
	for _, writers := range []int{10, 50, 100} {
		b.Run(fmt.Sprintf("writers=%d", writers), func(b *testing.B) {
			benchEventAppendConcurrent(b, writers)
		})
	}
}

func benchEventAppendConcurrent(b *testing.B, writers int) {
	s, el := newBenchStore(b)
	ctx := context.Background()

	// Each writer gets its own run to avoid sequence contention.
	runIDs := make([]string, writers)
	for i := range runIDs {
		runIDs[i] = seedBenchRun(b, s)
	}

	b.ResetTimer()
	var wg sync.WaitGroup
	perWriter := b.N / writers
	if perWriter == 0 {
		perWriter = 1
	}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				el.Append(ctx, runID, schema.EventStepComplete, json.RawMessage(`{}`))
			}
		}(runIDs[w])
	}
	wg.Wait()
}

func BenchmarkEventLoad(b *testing.B) {
	for _, count := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("events=%d", count), func(b *testing.B) {
			s, el := newBenchStore(b)
			runID := seedBenchRun(b, s)
			ctx := context.Background()

			for i := 0; i < count; i++ {
				el.Append(ctx, runID, schema.EventStepComplete, json.RawMessage(`[{"op":"add","path":"/n","value":1}]`))
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s.GetEvents(ctx, runID, 0)
			}
		})
	}
}
