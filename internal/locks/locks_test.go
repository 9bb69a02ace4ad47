package locks

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMutualExclusion(t *testing.T) {
	table := NewTable()
	const workers = 8

	var holders int
	var maxHolders int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Acquire(context.Background(), "thread-1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxHolders)
	}
}

func TestIndependentKeys(t *testing.T) {
	table := NewTable()
	releaseA, err := table.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	// A held lock on "a" must not block "b".
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := table.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire(b) blocked by held lock on a: %v", err)
	}
	releaseB()
}

func TestAcquireContextCancel(t *testing.T) {
	table := NewTable()
	release, err := table.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := table.Acquire(ctx, "k"); err != context.DeadlineExceeded {
		t.Fatalf("Acquire on held lock = %v, want DeadlineExceeded", err)
	}

	release()
	if table.Len() != 0 {
		t.Errorf("entries = %d after release, want 0", table.Len())
	}
}

func TestEntriesReclaimed(t *testing.T) {
	table := NewTable()
	for _, key := range []string{"a", "b", "c"} {
		release, err := table.Acquire(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		release()
	}
	if table.Len() != 0 {
		t.Errorf("entries = %d after all releases, want 0", table.Len())
	}
}

func TestReleaseIdempotent(t *testing.T) {
	table := NewTable()
	release, err := table.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // second call must be a no-op

	if table.Len() != 0 {
		t.Errorf("entries = %d, want 0", table.Len())
	}
}
