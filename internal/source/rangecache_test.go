package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func bytesFetcher(data []byte, calls *atomic.Int64) FetchRangeFunc {
	return func(_ context.Context, _ string, start, end int64) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		if end < 0 || end > int64(len(data)) {
			end = int64(len(data))
		}
		if start < 0 || start > end {
			return nil, fmt.Errorf("bad range %d-%d", start, end)
		}
		return data[start:end], nil
	}
}

func TestRangeCache_HitAfterMiss(t *testing.T) {
	var calls atomic.Int64
	c := NewRangeCache(1<<20, WithFetchFunc(bytesFetcher([]byte("0123456789"), &calls)))

	for i := 0; i < 3; i++ {
		b, err := c.FetchRange(context.Background(), "f", 2, 6)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if string(b) != "2345" {
			t.Fatalf("fetch %d = %q, want 2345", i, b)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("underlying fetches = %d, want 1", n)
	}
	if c.Len() != 1 || c.Bytes() != 4 {
		t.Fatalf("len=%d bytes=%d, want 1/4", c.Len(), c.Bytes())
	}
}

func TestRangeCache_ConcurrentFetchesShareOneCall(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	c := NewRangeCache(1<<20, WithFetchFunc(func(_ context.Context, _ string, _, _ int64) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("payload"), nil
	}))

	const n = 16
	var wg sync.WaitGroup
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			b, err := c.FetchRange(context.Background(), "f", 0, 7)
			if err != nil || string(b) != "payload" {
				t.Errorf("fetch = %q, %v", b, err)
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("underlying fetches = %d, want 1", got)
	}
}

func TestRangeCache_FirstCallerCancelDoesNotFailWaiters(t *testing.T) {
	release := make(chan struct{})
	fetching := make(chan struct{})
	var once sync.Once
	c := NewRangeCache(1<<20, WithFetchFunc(func(fctx context.Context, _ string, _, _ int64) ([]byte, error) {
		once.Do(func() { close(fetching) })
		select {
		case <-release:
			return []byte("payload"), nil
		case <-fctx.Done():
			return nil, fctx.Err()
		}
	}))

	ctx1, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.FetchRange(ctx1, "f", 0, 7)
		firstErr <- err
	}()
	<-fetching

	secondDone := make(chan error, 1)
	go func() {
		b, err := c.FetchRange(context.Background(), "f", 0, 7)
		if err == nil && string(b) != "payload" {
			err = fmt.Errorf("body = %q", b)
		}
		secondDone <- err
	}()

	// the starter walks away; the shared flight must keep going
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	close(release)
	if err := <-secondDone; err != nil {
		t.Fatalf("waiter sharing the flight failed: %v", err)
	}
}

func TestRangeCache_EvictsToBudget(t *testing.T) {
	data := make([]byte, 100)
	c := NewRangeCache(25, WithFetchFunc(bytesFetcher(data, nil)))

	for i := int64(0); i < 5; i++ {
		if _, err := c.FetchRange(context.Background(), "f", i*10, i*10+10); err != nil {
			t.Fatal(err)
		}
	}
	if c.Bytes() > 25 {
		t.Fatalf("cached bytes = %d, exceeds budget 25", c.Bytes())
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestRangeCache_FailureWrappedAndRetriable(t *testing.T) {
	boom := errors.New("connection reset")
	fail := true
	c := NewRangeCache(1<<20, WithFetchFunc(func(_ context.Context, _ string, _, _ int64) ([]byte, error) {
		if fail {
			return nil, boom
		}
		return []byte("ok"), nil
	}))

	_, err := c.FetchRange(context.Background(), "http://x/f", 0, 2)
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want UnavailableError", err)
	}
	if ue.URL != "http://x/f" || ue.Start != 0 || ue.End != 2 {
		t.Fatalf("unexpected error fields: %+v", ue)
	}
	if !errors.Is(err, boom) {
		t.Fatal("wrapped cause lost")
	}

	// the failed in-flight entry must not poison the next attempt
	fail = false
	b, err := c.FetchRange(context.Background(), "http://x/f", 0, 2)
	if err != nil || string(b) != "ok" {
		t.Fatalf("retry = %q, %v; want ok", b, err)
	}
}
