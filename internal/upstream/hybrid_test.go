package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
)

type fakeResolver struct {
	tag     string
	delay   time.Duration
	rcode   int
	err     error
	closed  bool
	touched chan struct{}
}

func (f *fakeResolver) Resolve(ctx context.Context, query *dnsmsg.Message) (*dnsmsg.Message, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		if f.touched != nil {
			close(f.touched)
		}
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := query.Clone()
	resp.SetQR(true)
	resp.SetRcode(f.rcode)
	return resp, nil
}

func (f *fakeResolver) Close() error { f.closed = true; return nil }
func (f *fakeResolver) Tag() string  { return f.tag }

func newTestQuery() *dnsmsg.Message {
	return dnsmsg.NewQuery("example.com", dns.TypeA, dns.ClassINET)
}

func TestHybridFirstConclusiveWins(t *testing.T) {
	slow := &fakeResolver{delay: 50 * time.Millisecond, rcode: dns.RcodeSuccess}
	fast := &fakeResolver{delay: 5 * time.Millisecond, rcode: dns.RcodeSuccess}

	h := NewHybrid("h", []Resolver{slow, fast})

	start := time.Now()
	resp, err := h.Resolve(context.Background(), newTestQuery())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Rcode() != dns.RcodeSuccess {
		t.Errorf("expected NoError, got rcode %d", resp.Rcode())
	}
	if elapsed > 30*time.Millisecond {
		t.Errorf("expected hybrid to return near the fast child's delay, took %v", elapsed)
	}
}

func TestHybridSkipsNonConclusiveAnswers(t *testing.T) {
	servfail := &fakeResolver{delay: 2 * time.Millisecond, rcode: dns.RcodeServerFailure}
	conclusive := &fakeResolver{delay: 20 * time.Millisecond, rcode: dns.RcodeNameError}

	h := NewHybrid("h", []Resolver{servfail, conclusive})

	resp, err := h.Resolve(context.Background(), newTestQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Rcode() != dns.RcodeNameError {
		t.Errorf("expected NXDomain to win over ServFail, got rcode %d", resp.Rcode())
	}
}

func TestHybridAllFailedAggregatesErrors(t *testing.T) {
	a := &fakeResolver{delay: time.Millisecond, rcode: dns.RcodeServerFailure}
	b := &fakeResolver{delay: 2 * time.Millisecond, rcode: dns.RcodeServerFailure}

	h := NewHybrid("h", []Resolver{a, b})

	_, err := h.Resolve(context.Background(), newTestQuery())
	if err == nil {
		t.Fatal("expected AllFailedError")
	}
	allFailed, ok := err.(*AllFailedError)
	if !ok {
		t.Fatalf("expected *AllFailedError, got %T: %v", err, err)
	}
	if len(allFailed.Errs) != 2 {
		t.Errorf("expected 2 aggregated errors, got %d", len(allFailed.Errs))
	}
}
