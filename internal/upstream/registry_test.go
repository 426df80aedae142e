package upstream

import (
	"testing"

	"github.com/dcompassd/dcompass/internal/cache"
)

func TestBuildDetectsSelfCycle(t *testing.T) {
	specs := []Spec{
		{Tag: "h", Kind: KindHybrid, HybridChildren: []string{"h"}},
	}
	_, err := Build(specs, cache.Options{})
	if err == nil {
		t.Fatal("expected cyclic error")
	}
	var cyc *CyclicError
	if _, ok := err.(*CyclicError); !ok {
		_ = cyc
		t.Fatalf("expected *CyclicError, got %T: %v", err, err)
	}
}

func TestBuildDetectsMutualCycle(t *testing.T) {
	specs := []Spec{
		{Tag: "h1", Kind: KindHybrid, HybridChildren: []string{"h2"}},
		{Tag: "h2", Kind: KindHybrid, HybridChildren: []string{"h1"}},
	}
	_, err := Build(specs, cache.Options{})
	if _, ok := err.(*CyclicError); !ok {
		t.Fatalf("expected *CyclicError, got %T: %v", err, err)
	}
}

func TestBuildUnknownHybridChild(t *testing.T) {
	specs := []Spec{
		{Tag: "h", Kind: KindHybrid, HybridChildren: []string{"missing"}},
	}
	_, err := Build(specs, cache.Options{})
	if _, ok := err.(*UnknownTagError); !ok {
		t.Fatalf("expected *UnknownTagError, got %T: %v", err, err)
	}
}

func TestBuildAcyclicHybridGraph(t *testing.T) {
	specs := []Spec{
		{Tag: "a", Kind: KindUDP, UDP: UDPConfig{Addr: "udp://127.0.0.1:53"}},
		{Tag: "b", Kind: KindUDP, UDP: UDPConfig{Addr: "udp://127.0.0.1:53"}},
		{Tag: "h", Kind: KindHybrid, HybridChildren: []string{"a", "b"}},
	}
	reg, err := Build(specs, cache.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := reg.resolvers["h"]; !ok {
		t.Fatal("expected hybrid resolver to be built")
	}
}
