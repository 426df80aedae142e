// Package router drives a single query through the §4.8 pipeline:
// decode, invoke the script's route() entry point, and fall back to a
// synthesized ServFail (preserving id/qname/qtype) on any failure
// along the way. This is the thin glue the teacher's
// resolver.QueryServer played for a single outbound lookup, reshaped
// for an inbound request that fans out through a script instead.
package router

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/metrics"
	"github.com/dcompassd/dcompass/internal/script"
)

// Router owns the compiled script host and turns wire bytes into wire
// bytes for the server listener (§4.8).
type Router struct {
	host *script.Host
	log  *slog.Logger
}

// New builds a Router around an already Init'd and Bind'd script host.
func New(host *script.Host, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{host: host, log: log}
}

// Handle decodes buf, runs it through the script, and returns the wire
// bytes of the response. A malformed query never reaches the script:
// it is dropped rather than answered, mirroring §4.8 step 1 ("a
// request this malformed has no well-formed id/qname to answer with
// trust").
func (r *Router) Handle(ctx context.Context, buf []byte, clientAddr, protocol string) ([]byte, bool) {
	query, err := dnsmsg.Decode(buf)
	if err != nil {
		r.log.Warn("dropping malformed query", "client", clientAddr, "error", err)
		return nil, false
	}

	traceID := uuid.NewString()
	qctx := script.QueryCtx{ClientAddr: clientAddr, Protocol: protocol}

	resp, err := r.host.Route(ctx, qctx, query)
	if err != nil {
		r.log.Error("route() failed, answering ServFail",
			"trace_id", traceID, "qname", query.QName(), "qtype", query.QType(), "error", err)
		metrics.ScriptErrorsTotal.Inc()
		resp = dnsmsg.ServFail(query)
	}

	metrics.QueriesTotal.WithLabelValues(rcodeLabel(resp.Rcode())).Inc()

	out, err := resp.Encode()
	if err != nil {
		r.log.Error("encode failed, answering ServFail",
			"trace_id", traceID, "qname", query.QName(), "error", err)
		out, err = dnsmsg.ServFail(query).Encode()
		if err != nil {
			r.log.Error("encoding fallback ServFail failed, dropping", "trace_id", traceID, "error", err)
			return nil, false
		}
	}
	return out, true
}

func rcodeLabel(rcode int) string {
	if name, ok := rcodeNames[rcode]; ok {
		return name
	}
	return "OTHER"
}

var rcodeNames = map[int]string{
	0: "NOERROR",
	1: "FORMERR",
	2: "SERVFAIL",
	3: "NXDOMAIN",
	4: "NOTIMP",
	5: "REFUSED",
}
