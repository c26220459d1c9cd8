package keyed

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireExcludesSameKey(t *testing.T) {
	t.Parallel()

	g := NewGroup()
	release, ok := g.TryAcquire("staff:42")
	if !ok {
		t.Fatalf("first acquire should succeed")
	}
	if _, ok := g.TryAcquire("staff:42"); ok {
		t.Fatalf("second acquire on held key should fail")
	}
	if _, ok := g.TryAcquire("staff:43"); !ok {
		t.Fatalf("other keys should be independent")
	}

	release()
	if _, ok := g.TryAcquire("staff:42"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	g := NewGroup()
	release, ok := g.TryAcquire("job:scrape")
	if !ok {
		t.Fatalf("acquire failed")
	}
	release()
	release() // second call must not free a slot twice

	release2, ok := g.TryAcquire("job:scrape")
	if !ok {
		t.Fatalf("reacquire failed")
	}
	defer release2()
	if _, ok := g.TryAcquire("job:scrape"); ok {
		t.Fatalf("double release leaked an extra slot")
	}
}

func TestAcquireSerializesConcurrentHolders(t *testing.T) {
	t.Parallel()

	g := NewGroup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current int
		max     int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(ctx, "user:1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()

			mu.Lock()
			current++
			if current > max {
				max = current
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if max != 1 {
		t.Fatalf("expected strict mutual exclusion, saw %d concurrent holders", max)
	}
}
