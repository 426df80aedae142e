package upstream

import (
	"context"
	"sync"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/metrics"
)

// hybrid races its children concurrently and returns the first
// conclusive (NoError or NXDomain) response, cancelling the rest
// (§4.5). If every child fails or returns a non-conclusive answer
// (e.g. ServFail), it aggregates into AllFailedError.
type hybrid struct {
	tag      string
	children []Resolver
}

// NewHybrid wires a hybrid upstream over already-resolved child
// resolvers. Cycle detection across the dependency graph happens once,
// at registry Build time (§4.5, §4.6) — by the time a hybrid is
// constructed here the graph is known acyclic.
func NewHybrid(tag string, children []Resolver) Resolver {
	return &hybrid{tag: tag, children: children}
}

type raceResult struct {
	tag  string
	resp *dnsmsg.Message
	err  error
}

func (h *hybrid) Resolve(ctx context.Context, query *dnsmsg.Message) (*dnsmsg.Message, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(h.children))
	var wg sync.WaitGroup
	for _, child := range h.children {
		wg.Add(1)
		go func(r Resolver) {
			defer wg.Done()
			resp, err := r.Resolve(raceCtx, query.Clone())
			select {
			case results <- raceResult{tag: r.Tag(), resp: resp, err: err}:
			case <-raceCtx.Done():
			}
		}(child)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		if dnsmsg.IsConclusive(r.resp) {
			cancel() // stop the remaining children immediately
			metrics.HybridRaceOutcomes.WithLabelValues(r.tag, "won").Inc()
			return r.resp, nil
		}
		errs = append(errs, nonConclusiveError{})
	}

	metrics.HybridRaceOutcomes.WithLabelValues(h.tag, "all_failed").Inc()
	return nil, &AllFailedError{Upstream: h.tag, Errs: errs}
}

type nonConclusiveError struct{}

func (nonConclusiveError) Error() string { return "non-conclusive response (e.g. ServFail)" }

func (h *hybrid) Tag() string { return h.tag }

func (h *hybrid) Close() error {
	var err error
	for _, c := range h.children {
		if cerr := c.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
