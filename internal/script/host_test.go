package script

import (
	"context"
	"testing"

	"github.com/miekg/dns"

	"github.com/dcompassd/dcompass/internal/cache"
	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/upstream"
)

func testRegistry(t *testing.T) *upstream.Registry {
	t.Helper()
	reg, err := upstream.Build([]upstream.Spec{
		{Tag: "default", Kind: upstream.KindUDP, UDP: upstream.UDPConfig{Addr: "udp://127.0.0.1:53"}},
	}, cache.Options{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func TestHostInitReturnsSealedHandles(t *testing.T) {
	src := `
function init()
	local ads = Domain.new():add_qname("ads.example.com"):seal()
	return { ads = ads }
end

function route(upstreams, init_table, ctx, query)
	return blackhole(query)
end
`
	h, err := Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	initTbl, err := h.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	handle, ok := initTbl.entries["ads"]
	if !ok {
		t.Fatal("expected init() table to contain key \"ads\"")
	}
	if handle.kind != kindDomainSet {
		t.Fatalf("expected domain set handle, got %s", handle.kind)
	}
}

func TestHostRouteBlackholesMatchedDomain(t *testing.T) {
	src := `
function init()
	local ads = Domain.new():add_qname("ads.example.com"):seal()
	return { ads = ads }
end

function route(upstreams, init_table, ctx, query)
	if init_table.ads:contains(query:qname()) then
		return blackhole(query)
	end
	return upstreams:send_default("default", query)
end
`
	h, err := Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	h.Bind(testRegistry(t))

	query := dnsmsg.NewQuery("ads.example.com", dns.TypeA, dns.ClassINET)
	resp, err := h.Route(context.Background(), QueryCtx{ClientAddr: "127.0.0.1", Protocol: "udp"}, query)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Rcode() != dns.RcodeSuccess {
		t.Errorf("expected blackhole NoError response, got rcode %d", resp.Rcode())
	}
	if len(resp.Authority()) != 1 {
		t.Errorf("expected blackhole SOA in authority section, got %d records", len(resp.Authority()))
	}
}

func TestHostRouteSynthesizesAnswer(t *testing.T) {
	src := `
function init()
	return {}
end

function route(upstreams, init_table, ctx, query)
	local resp = query:clone()
	resp:set_qr(true)
	resp:set_rcode(0)
	resp:push_answer(rr.a(query:qname(), 60, "203.0.113.9"))
	return resp
end
`
	h, err := Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	h.Bind(testRegistry(t))

	query := dnsmsg.NewQuery("static.example.com", dns.TypeA, dns.ClassINET)
	resp, err := h.Route(context.Background(), QueryCtx{ClientAddr: "127.0.0.1", Protocol: "udp"}, query)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.ID() != query.ID() {
		t.Errorf("expected response id to match query id")
	}
	if len(resp.Answer()) != 1 {
		t.Fatalf("expected 1 answer record, got %d", len(resp.Answer()))
	}
	a, ok := resp.Answer()[0].(*dns.A)
	if !ok {
		t.Fatalf("expected *dns.A, got %T", resp.Answer()[0])
	}
	if a.A.String() != "203.0.113.9" {
		t.Errorf("expected synthesized A record 203.0.113.9, got %s", a.A.String())
	}
}

func TestHostRouteMissingFunctionErrors(t *testing.T) {
	src := `function init() return {} end`
	h, err := Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	h.Bind(testRegistry(t))

	_, err = h.Route(context.Background(), QueryCtx{}, dnsmsg.NewQuery("x.test", dns.TypeA, dns.ClassINET))
	if err == nil {
		t.Fatal("expected error for missing route()")
	}
	if _, ok := err.(*ScriptRuntimeError); !ok {
		t.Fatalf("expected *ScriptRuntimeError, got %T: %v", err, err)
	}
}
