package observe

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFlushLoopBatchesBySize(t *testing.T) {
	ch := make(chan int, 2000)
	for i := 0; i < 1200; i++ {
		ch <- i
	}

	var mu sync.Mutex
	var batches [][]int
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runFlushLoop(ctx, ch, func(batch []int) {
			mu.Lock()
			copied := make([]int, len(batch))
			copy(copied, batch)
			batches = append(batches, copied)
			mu.Unlock()
		})
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()

	total := 0
	for _, b := range batches {
		if len(b) > flushBatchSize {
			t.Errorf("batch of %d exceeds limit %d", len(b), flushBatchSize)
		}
		total += len(b)
	}
	if total != 1200 {
		t.Fatalf("flushed %d records, want 1200", total)
	}
}

func TestFlushLoopFinalDrain(t *testing.T) {
	ch := make(chan string, 10)
	ch <- "a"
	ch <- "b"

	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: only the final drain runs

	runFlushLoop(ctx, ch, func(batch []string) {
		got = append(got, batch...)
	})

	if len(got) != 2 {
		t.Fatalf("final drain flushed %d records, want 2", len(got))
	}
}

func TestFlushLoopIntervalFlush(t *testing.T) {
	ch := make(chan int, 10)
	ch <- 1

	flushed := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runFlushLoop(ctx, ch, func(batch []int) {
		flushed <- len(batch)
	})

	select {
	case n := <-flushed:
		if n != 1 {
			t.Fatalf("flushed %d, want 1", n)
		}
	case <-time.After(3 * flushInterval):
		t.Fatal("interval flush did not happen")
	}
}
