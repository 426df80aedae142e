package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcompassd/dcompass/internal/cache"
	"github.com/dcompassd/dcompass/internal/dnsmsg"
)

// Kind identifies an upstream variant (§3).
type Kind int

const (
	KindUDP Kind = iota
	KindTLS
	KindHTTPS
	KindHybrid
)

// Spec is the build-time description of one named upstream node (§3,
// §6): exactly one of the protocol configs is meaningful, selected by
// Kind.
type Spec struct {
	Tag            string
	Kind           Kind
	UDP            UDPConfig
	TLS            TLSConfig
	HTTPS          HTTPSConfig
	HybridChildren []string
}

// Registry resolves named upstreams, including hybrids, after
// validating the dependency graph is acyclic (§4.6). Cache wrappers
// are created lazily per (tag, policy) pair so cache policies remain
// independent.
type Registry struct {
	resolvers map[string]Resolver
	cacheOpts cache.Options

	mu     sync.Mutex
	caches map[cacheKey]*cache.Cache
}

type cacheKey struct {
	tag    string
	policy cache.Policy
}

// Build validates specs (cycle detection via topological sort, §4.6)
// and constructs every upstream, resolving hybrid children by tag.
// A cycle fails with CyclicError — at startup, never at query time.
func Build(specs []Spec, cacheOpts cache.Options) (*Registry, error) {
	byTag := make(map[string]Spec, len(specs))
	for _, s := range specs {
		byTag[s.Tag] = s
	}

	order, err := topoSort(byTag)
	if err != nil {
		return nil, err
	}

	resolvers := make(map[string]Resolver, len(specs))
	for _, tag := range order {
		spec := byTag[tag]
		r, err := buildOne(spec, resolvers)
		if err != nil {
			return nil, err
		}
		resolvers[tag] = r
	}

	return &Registry{
		resolvers: resolvers,
		cacheOpts: cacheOpts,
		caches:    make(map[cacheKey]*cache.Cache),
	}, nil
}

func buildOne(spec Spec, built map[string]Resolver) (Resolver, error) {
	switch spec.Kind {
	case KindUDP:
		return NewUDP(spec.Tag, spec.UDP)
	case KindTLS:
		return NewTLS(spec.Tag, spec.TLS)
	case KindHTTPS:
		return NewHTTPS(spec.Tag, spec.HTTPS)
	case KindHybrid:
		children := make([]Resolver, 0, len(spec.HybridChildren))
		for _, childTag := range spec.HybridChildren {
			child, ok := built[childTag]
			if !ok {
				return nil, &UnknownTagError{Tag: childTag}
			}
			children = append(children, child)
		}
		return NewHybrid(spec.Tag, children), nil
	default:
		return nil, fmt.Errorf("upstream: unknown kind for tag %q", spec.Tag)
	}
}

// topoSort returns tags in dependency order (children before parents)
// using Kahn's algorithm restricted to hybrid edges; non-hybrid nodes
// have no dependencies and sort first. A remaining cycle after the
// algorithm terminates is reported as CyclicError.
func topoSort(byTag map[string]Spec) ([]string, error) {
	indegree := make(map[string]int, len(byTag))
	dependents := make(map[string][]string, len(byTag))

	for tag := range byTag {
		indegree[tag] = 0
	}
	for tag, spec := range byTag {
		if spec.Kind != KindHybrid {
			continue
		}
		for _, child := range spec.HybridChildren {
			if _, ok := byTag[child]; !ok {
				return nil, &UnknownTagError{Tag: child}
			}
			indegree[tag]++
			dependents[child] = append(dependents[child], tag)
		}
	}

	var queue, order []string
	for tag, deg := range indegree {
		if deg == 0 {
			queue = append(queue, tag)
		}
	}
	for len(queue) > 0 {
		tag := queue[0]
		queue = queue[1:]
		order = append(order, tag)
		for _, dep := range dependents[tag] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(byTag) {
		var cycle []string
		for tag, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, tag)
			}
		}
		return nil, &CyclicError{Cycle: cycle}
	}
	return order, nil
}

// Resolve dispatches to the named upstream under the given cache
// policy (§4.6). Disabled bypasses any cache wrapper.
func (r *Registry) Resolve(ctx context.Context, tag string, policy cache.Policy, query *dnsmsg.Message) (*dnsmsg.Message, error) {
	base, ok := r.resolvers[tag]
	if !ok {
		return nil, &UnknownTagError{Tag: tag}
	}
	if policy == cache.Disabled {
		return base.Resolve(ctx, query)
	}

	c := r.cacheFor(tag, policy, base)
	return c.Resolve(ctx, query, policy)
}

func (r *Registry) cacheFor(tag string, policy cache.Policy, base Resolver) *cache.Cache {
	key := cacheKey{tag: tag, policy: policy}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[key]; ok {
		return c
	}
	c := cache.New(base, r.cacheOpts)
	r.caches[key] = c
	return c
}

// EnsurePersistentCache forces creation of the Persistent-policy cache
// for tag, so a RefreshSweeper has a concrete *cache.Cache to sweep
// even before any query has used that (tag, policy) pair.
func (r *Registry) EnsurePersistentCache(tag string) (*cache.Cache, error) {
	base, ok := r.resolvers[tag]
	if !ok {
		return nil, &UnknownTagError{Tag: tag}
	}
	return r.cacheFor(tag, cache.Persistent, base), nil
}

// Tags lists every registered upstream tag, for the admin surface's
// /debug/routes endpoint.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.resolvers))
	for tag := range r.resolvers {
		tags = append(tags, tag)
	}
	return tags
}

// Close releases every upstream's resources (connection pools, DoH
// clients) and cancels every cache's outstanding and future background
// refreshes (§5).
func (r *Registry) Close() error {
	var err error
	for _, res := range r.resolvers {
		if cerr := res.Close(); cerr != nil {
			err = cerr
		}
	}

	r.mu.Lock()
	caches := make([]*cache.Cache, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()
	for _, c := range caches {
		_ = c.Close()
	}

	return err
}
