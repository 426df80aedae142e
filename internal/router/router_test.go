package router

import (
	"context"
	"testing"

	"github.com/miekg/dns"

	"github.com/dcompassd/dcompass/internal/cache"
	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/script"
	"github.com/dcompassd/dcompass/internal/upstream"
)

func newTestHost(t *testing.T, src string) *script.Host {
	t.Helper()
	h, err := script.Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	reg, err := upstream.Build([]upstream.Spec{
		{Tag: "default", Kind: upstream.KindUDP, UDP: upstream.UDPConfig{Addr: "udp://127.0.0.1:53"}},
	}, cache.Options{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	h.Bind(reg)
	return h
}

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	buf, err := dnsmsg.NewQuery(name, qtype, dns.ClassINET).Encode()
	if err != nil {
		t.Fatalf("encode query: %v", err)
	}
	return buf
}

func TestRouterHandleReturnsScriptResponse(t *testing.T) {
	host := newTestHost(t, `
function init() return {} end
function route(upstreams, init_table, ctx, query)
	return blackhole(query)
end
`)
	r := New(host, nil)

	out, ok := r.Handle(context.Background(), packQuery(t, "ads.example.com", dns.TypeA), "127.0.0.1:9999", "udp")
	if !ok {
		t.Fatal("expected a response")
	}
	resp, err := dnsmsg.Decode(out)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Rcode() != dns.RcodeSuccess {
		t.Errorf("expected NoError, got %d", resp.Rcode())
	}
}

func TestRouterHandleDropsMalformedQuery(t *testing.T) {
	host := newTestHost(t, `
function init() return {} end
function route(upstreams, init_table, ctx, query) return blackhole(query) end
`)
	r := New(host, nil)

	_, ok := r.Handle(context.Background(), []byte{0x00, 0x01, 0x02}, "127.0.0.1:9999", "udp")
	if ok {
		t.Error("expected malformed query to be dropped")
	}
}

func TestRouterHandleServFailsOnScriptError(t *testing.T) {
	host := newTestHost(t, `
function init() return {} end
`) // no route() defined
	r := New(host, nil)

	out, ok := r.Handle(context.Background(), packQuery(t, "x.test", dns.TypeA), "127.0.0.1:9999", "udp")
	if !ok {
		t.Fatal("expected a ServFail response, not a drop")
	}
	resp, err := dnsmsg.Decode(out)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Rcode() != dns.RcodeServerFailure {
		t.Errorf("expected ServFail, got rcode %d", resp.Rcode())
	}
	if resp.QName() != "x.test." {
		t.Errorf("expected ServFail to preserve qname, got %q", resp.QName())
	}
}
