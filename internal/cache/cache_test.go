package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
)

type countingResolver struct {
	calls   int64
	fail    atomic.Bool
	mkResp  func() *dnsmsg.Message
	onCall  func()
	blocker chan struct{}
}

func (r *countingResolver) Resolve(ctx context.Context, query *dnsmsg.Message) (*dnsmsg.Message, error) {
	atomic.AddInt64(&r.calls, 1)
	if r.onCall != nil {
		r.onCall()
	}
	if r.blocker != nil {
		<-r.blocker
	}
	if r.fail.Load() {
		return nil, context.DeadlineExceeded
	}
	return r.mkResp(), nil
}

func mkAnswer(ttl uint32) *dnsmsg.Message {
	m := dnsmsg.NewQuery("example.com", dns.TypeA, dns.ClassINET)
	resp := m.Clone()
	resp.SetQR(true)
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
	}
	resp.PushAnswer(rr)
	return resp
}

func newQuery() *dnsmsg.Message {
	return dnsmsg.NewQuery("example.com", dns.TypeA, dns.ClassINET)
}

func TestCacheFreshnessServesWithoutUpstreamCall(t *testing.T) {
	inner := &countingResolver{mkResp: func() *dnsmsg.Message { return mkAnswer(300) }}
	c := New(inner, Options{Capacity: 10})

	ctx := context.Background()
	if _, err := c.Resolve(ctx, newQuery(), Standard); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := c.Resolve(ctx, newQuery(), Standard); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if got := atomic.LoadInt64(&inner.calls); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestCacheAlwaysOnServesStaleForever(t *testing.T) {
	inner := &countingResolver{mkResp: func() *dnsmsg.Message { return mkAnswer(0) }}
	c := New(inner, Options{Capacity: 10})

	ctx := context.Background()
	first, err := c.Resolve(ctx, newQuery(), Standard)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	inner.fail.Store(true)

	for i := 0; i < 5; i++ {
		resp, err := c.Resolve(ctx, newQuery(), Standard)
		if err != nil {
			t.Fatalf("stale resolve %d: %v", i, err)
		}
		if resp != first {
			t.Errorf("expected stale resolve to return stored response")
		}
		// Give the background refresh goroutine a chance to run and fail.
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheAtMostOneRefreshInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	var startCount int64

	inner := &countingResolver{
		mkResp: func() *dnsmsg.Message { return mkAnswer(0) },
	}
	c := New(inner, Options{Capacity: 10})

	ctx := context.Background()
	if _, err := c.Resolve(ctx, newQuery(), Standard); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}

	// Swap in a blocking resolver to hold the background refresh open
	// while N concurrent stale lookups race in.
	inner.onCall = func() {
		atomic.AddInt64(&startCount, 1)
		select {
		case started <- struct{}{}:
		default:
		}
	}
	inner.blocker = block

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resolve(ctx, newQuery(), Standard); err != nil {
				t.Errorf("concurrent stale resolve: %v", err)
			}
		}()
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	// One call already consumed the seed; exactly one more should have
	// reached the inner resolver despite 20 concurrent stale hits.
	if got := atomic.LoadInt64(&startCount); got != 1 {
		t.Errorf("expected exactly 1 in-flight refresh call, got %d", got)
	}
}

func TestCacheDisabledPolicyBypassesCache(t *testing.T) {
	inner := &countingResolver{mkResp: func() *dnsmsg.Message { return mkAnswer(300) }}
	c := New(inner, Options{Capacity: 10})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Resolve(ctx, newQuery(), Disabled); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}

	if got := atomic.LoadInt64(&inner.calls); got != 3 {
		t.Errorf("expected 3 upstream calls for disabled policy, got %d", got)
	}
}

func TestCacheMissErrorIsNotCached(t *testing.T) {
	inner := &countingResolver{mkResp: func() *dnsmsg.Message { return mkAnswer(300) }}
	inner.fail.Store(true)
	c := New(inner, Options{Capacity: 10})

	ctx := context.Background()
	if _, err := c.Resolve(ctx, newQuery(), Standard); err == nil {
		t.Fatal("expected error on miss with failing upstream")
	}
	if c.Len() != 0 {
		t.Errorf("expected no entry cached after failed miss, got %d entries", c.Len())
	}
}
