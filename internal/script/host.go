// Package script implements the host language binding surface of
// §4.7: a small, fully typed API exposed to an embedded Lua script
// (github.com/yuin/gopher-lua, grounded on the DNS ad-blocker
// other_examples/tternquist-beyond-ads-dns, which carries the same
// dependency). The host drives two entry points — init() once at
// startup, route() once per query — and never lets the script's
// language implementation leak into the core (§1 scope, §9 design
// note "dynamic script dispatch").
package script

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/dcompassd/dcompass/internal/cache"
	"github.com/dcompassd/dcompass/internal/dnsmsg"
	"github.com/dcompassd/dcompass/internal/upstream"
)

// QueryCtx carries the per-query metadata scripts can read via the
// route() ctx parameter: client address and inbound protocol (§4.7).
type QueryCtx struct {
	ClientAddr string
	Protocol   string
}

// Host compiles a script once and drives its init()/route() entry
// points (§4.7). A Host is safe for concurrent Route calls: each call
// gets a fresh *lua.LState seeded from the shared compiled proto,
// mirroring one cooperative task per query (§5) — Go's goroutines are
// the suspension points the spec's design notes ask for when the
// embedded language itself has no native async/await.
type Host struct {
	proto    *lua.FunctionProto
	registry *upstream.Registry
	initTbl  *InitTable
}

// Compile parses and compiles the script source once. It does not run
// init() — call Init for that.
func Compile(src string) (*Host, error) {
	chunk, err := parse.Parse(stringsReader(src), "route.lua")
	if err != nil {
		return nil, fmt.Errorf("script: %w", &ScriptInitError{Err: err})
	}
	proto, err := lua.Compile(chunk, "route.lua")
	if err != nil {
		return nil, fmt.Errorf("script: %w", &ScriptInitError{Err: err})
	}
	return &Host{proto: proto}, nil
}

// ScriptInitError wraps a failure in the script's init() entry point
// or its compilation, aborting startup (§4.7, §7).
type ScriptInitError struct{ Err error }

func (e *ScriptInitError) Error() string { return fmt.Sprintf("script init: %v", e.Err) }
func (e *ScriptInitError) Unwrap() error { return e.Err }

// ScriptRuntimeError wraps a failure inside route(); the router turns
// this into a ServFail response for the current query (§7).
type ScriptRuntimeError struct{ Err error }

func (e *ScriptRuntimeError) Error() string { return fmt.Sprintf("script runtime: %v", e.Err) }
func (e *ScriptRuntimeError) Unwrap() error { return e.Err }

func (h *Host) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	registerMatcherConstructors(L)
	registerRRConstructors(L)
	registerOptConstructors(L)
	registerBlackholeConstructor(L)
	return L
}

// Init runs the script's init() entry point once at startup and
// stores the returned keyed mapping of sealed matcher handles (§4.7).
// Failure aborts startup.
func (h *Host) Init() (*InitTable, error) {
	L := h.newState()
	defer L.Close()

	lfunc := L.NewFunctionFromProto(h.proto)
	L.Push(lfunc)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, &ScriptInitError{Err: err}
	}

	initFn := L.GetGlobal("init")
	if initFn == lua.LNil {
		return nil, &ScriptInitError{Err: fmt.Errorf("script does not define init()")}
	}

	if err := L.CallByParam(lua.P{Fn: initFn, NRet: 1, Protect: true}); err != nil {
		return nil, &ScriptInitError{Err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, &ScriptInitError{Err: fmt.Errorf("init() must return a table of handles")}
	}

	initTbl := newInitTable()
	var rangeErr error
	tbl.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			rangeErr = fmt.Errorf("init() table keys must be strings")
			return
		}
		handle, ok := toHandle(v)
		if !ok {
			rangeErr = fmt.Errorf("init() table value for %q is not a sealed matcher handle", string(key))
			return
		}
		initTbl.set(string(key), handle)
	})
	if rangeErr != nil {
		return nil, &ScriptInitError{Err: rangeErr}
	}

	h.initTbl = initTbl
	return initTbl, nil
}

// Bind attaches the upstream registry the host's route() calls will
// dispatch through. Must be called before Route.
func (h *Host) Bind(registry *upstream.Registry) {
	h.registry = registry
}

// Route invokes the script's route(upstreams, init_table, ctx, query)
// entry point for a single query (§4.7, §4.8). The query passed in is
// cloned first so mutation inside the script never aliases the
// router's copy.
func (h *Host) Route(ctx context.Context, qctx QueryCtx, query *dnsmsg.Message) (*dnsmsg.Message, error) {
	if h.registry == nil || h.initTbl == nil {
		return nil, &ScriptRuntimeError{Err: fmt.Errorf("host not fully initialized (Init/Bind)")}
	}

	L := h.newState()
	defer L.Close()

	lfunc := L.NewFunctionFromProto(h.proto)
	L.Push(lfunc)
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, &ScriptRuntimeError{Err: err}
	}

	routeFn := L.GetGlobal("route")
	if routeFn == lua.LNil {
		return nil, &ScriptRuntimeError{Err: fmt.Errorf("script does not define route()")}
	}

	upstreamsVal := newUpstreamsHandle(L, ctx, h.registry)
	initTblVal := h.initTbl.toLua(L)
	ctxVal := newCtxTable(L, qctx)
	queryVal := newMessageUserData(L, query.Clone())

	if err := L.CallByParam(lua.P{Fn: routeFn, NRet: 1, Protect: true},
		upstreamsVal, initTblVal, ctxVal, queryVal); err != nil {
		return nil, &ScriptRuntimeError{Err: err}
	}

	ret := L.Get(-1)
	L.Pop(1)

	resp, ok := messageFromLua(ret)
	if !ok {
		return nil, &ScriptRuntimeError{Err: fmt.Errorf("route() must return a response message")}
	}
	return resp, nil
}

// --- registry handle used from Lua ---------------------------------------

// upstreamsHandle is bound fresh per Route call: it closes over the
// request's context so upstreams.send() suspends (blocks the
// goroutine running this query, per §5) rather than the whole process.
type upstreamsHandle struct {
	ctx      context.Context
	registry *upstream.Registry
}

func newUpstreamsHandle(L *lua.LState, ctx context.Context, registry *upstream.Registry) lua.LValue {
	ud := L.NewUserData()
	ud.Value = &upstreamsHandle{ctx: ctx, registry: registry}
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(upstreamsIndex))
	L.SetMetatable(ud, mt)
	return ud
}

func upstreamsIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	name := L.CheckString(2)
	h, ok := ud.Value.(*upstreamsHandle)
	if !ok {
		L.RaiseError("not an upstreams handle")
		return 0
	}
	switch name {
	case "send":
		L.Push(L.NewFunction(func(L *lua.LState) int { return upstreamsSend(L, h, true) }))
	case "send_default":
		L.Push(L.NewFunction(func(L *lua.LState) int { return upstreamsSend(L, h, false) }))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func upstreamsSend(L *lua.LState, h *upstreamsHandle, withPolicy bool) int {
	argc := 1 // skip self (userdata) at index 1
	tag := L.CheckString(argc + 1)

	policy := cache.Standard
	nextArg := argc + 2
	if withPolicy {
		policy = parsePolicy(L.CheckString(nextArg))
		nextArg++
	}
	queryVal := L.CheckAny(nextArg)
	query, ok := messageFromLua(queryVal)
	if !ok {
		L.RaiseError("send: argument is not a query message")
		return 0
	}

	resp, err := h.registry.Resolve(h.ctx, tag, policy, query)
	if err != nil {
		L.RaiseError("upstream %s: %v", tag, err)
		return 0
	}
	L.Push(newMessageUserData(L, resp))
	return 1
}

func parsePolicy(s string) cache.Policy {
	switch s {
	case "disabled", "Disabled":
		return cache.Disabled
	case "persistent", "Persistent":
		return cache.Persistent
	default:
		return cache.Standard
	}
}

func newCtxTable(L *lua.LState, qctx QueryCtx) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "addr", lua.LString(qctx.ClientAddr))
	L.SetField(tbl, "protocol", lua.LString(qctx.Protocol))
	return tbl
}
