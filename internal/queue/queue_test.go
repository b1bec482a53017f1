package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := New(3)
	for i := 0; i < 3; i++ {
		if err := q.Put(Job{Serial: fmt.Sprintf("dev%d", i), Seq: i}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	q.Close()

	for i := 0; i < 3; i++ {
		j, ok := q.Take()
		if !ok {
			t.Fatalf("Take %d: queue reported termination early", i)
		}
		if j.Seq != i {
			t.Fatalf("Take %d: got seq %d", i, j.Seq)
		}
	}
	if _, ok := q.Take(); ok {
		t.Fatal("Take after drain: expected termination")
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("Len() after drain = %d, want 0", got)
	}
}

func TestQueuePutErrors(t *testing.T) {
	t.Parallel()

	q := New(1)
	if err := q.Put(Job{Serial: "a"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := q.Put(Job{Serial: "b"}); !errors.Is(err, ErrFull) {
		t.Fatalf("Put on full queue: got %v, want ErrFull", err)
	}

	q.Close()
	q.Close()

	if err := q.Put(Job{Serial: "c"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close: got %v, want ErrClosed", err)
	}
}

func TestQueueTakeBlocksUntilClose(t *testing.T) {
	t.Parallel()

	q := New(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take()
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("Take returned before Close")
	case <-time.After(50 * time.Millisecond):
	}

	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Take on empty closed queue returned a job")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not observe Close")
	}
}

func TestQueueConcurrentTakeExactlyOnce(t *testing.T) {
	t.Parallel()

	const jobs, workers = 200, 7
	q := New(jobs)
	for i := 0; i < jobs; i++ {
		if err := q.Put(Job{Seq: i}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	q.Close()

	var (
		mu   sync.Mutex
		seen = make(map[int]int, jobs)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := q.Take()
				if !ok {
					return
				}
				mu.Lock()
				seen[j.Seq]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("saw %d distinct jobs, want %d", len(seen), jobs)
	}
	for seq, n := range seen {
		if n != 1 {
			t.Fatalf("job %d taken %d times", seq, n)
		}
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	for _, name := range []string{"dev-b", "dev-a", ".hidden", "dev-c"} {
		if err := os.Mkdir(filepath.Join(base, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := Collect(base)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []string{"dev-a", "dev-b", "dev-c"}
	if len(jobs) != len(want) {
		t.Fatalf("len(jobs) = %d, want %d", len(jobs), len(want))
	}
	ids := make(map[string]bool)
	for i, j := range jobs {
		if j.Serial != want[i] || j.Seq != i {
			t.Fatalf("jobs[%d] = %+v, want serial %s seq %d", i, j, want[i], i)
		}
		if j.Dir != filepath.Join(base, want[i]) {
			t.Fatalf("jobs[%d].Dir = %s", i, j.Dir)
		}
		if j.ID == "" || ids[j.ID] {
			t.Fatalf("jobs[%d] has empty or duplicate ID %q", i, j.ID)
		}
		ids[j.ID] = true
	}
}

func TestCollectMissingOrEmpty(t *testing.T) {
	t.Parallel()

	jobs, err := Collect(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(jobs) != 0 {
		t.Fatalf("Collect(missing) = %v, %v; want empty, nil", jobs, err)
	}

	jobs, err = Collect(t.TempDir())
	if err != nil || len(jobs) != 0 {
		t.Fatalf("Collect(empty) = %v, %v; want empty, nil", jobs, err)
	}
}
