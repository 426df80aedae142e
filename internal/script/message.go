package script

import (
	lua "github.com/yuin/gopher-lua"
	"github.com/miekg/dns"

	"github.com/dcompassd/dcompass/internal/dnsmsg"
)

// newMessageUserData wraps a *dnsmsg.Message as a Lua value exposing
// the header accessors, section mutators and qname/qtype/qclass
// readers a route() script needs (§4.7): query:qname(), query:rd(),
// query:set_rd(true), query:push_answer(rr), query:push_opt(opt),
// response:rcode(), etc.
func newMessageUserData(L *lua.LState, m *dnsmsg.Message) lua.LValue {
	ud := L.NewUserData()
	ud.Value = m
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(messageIndex))
	L.SetMetatable(ud, mt)
	return ud
}

func messageFromLua(v lua.LValue) (*dnsmsg.Message, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	m, ok := ud.Value.(*dnsmsg.Message)
	return m, ok
}

func messageIndex(L *lua.LState) int {
	self := L.CheckUserData(1)
	m, ok := self.Value.(*dnsmsg.Message)
	if !ok {
		L.RaiseError("not a message")
		return 0
	}
	name := L.CheckString(2)

	fn := func(f lua.LGFunction) { L.Push(L.NewFunction(f)) }

	switch name {
	case "id":
		fn(func(L *lua.LState) int { L.Push(lua.LNumber(m.ID())); return 1 })
	case "set_id":
		fn(func(L *lua.LState) int { m.SetID(uint16(L.CheckNumber(2))); return 0 })
	case "qname":
		fn(func(L *lua.LState) int { L.Push(lua.LString(m.QName())); return 1 })
	case "qtype":
		fn(func(L *lua.LState) int { L.Push(lua.LNumber(m.QType())); return 1 })
	case "qclass":
		fn(func(L *lua.LState) int { L.Push(lua.LNumber(m.QClass())); return 1 })
	case "rd":
		fn(func(L *lua.LState) int { L.Push(lua.LBool(m.RD())); return 1 })
	case "set_rd":
		fn(func(L *lua.LState) int { m.SetRD(L.CheckBool(2)); return 0 })
	case "ra":
		fn(func(L *lua.LState) int { L.Push(lua.LBool(m.RA())); return 1 })
	case "set_ra":
		fn(func(L *lua.LState) int { m.SetRA(L.CheckBool(2)); return 0 })
	case "aa":
		fn(func(L *lua.LState) int { L.Push(lua.LBool(m.AA())); return 1 })
	case "set_aa":
		fn(func(L *lua.LState) int { m.SetAA(L.CheckBool(2)); return 0 })
	case "qr":
		fn(func(L *lua.LState) int { L.Push(lua.LBool(m.QR())); return 1 })
	case "set_qr":
		fn(func(L *lua.LState) int { m.SetQR(L.CheckBool(2)); return 0 })
	case "rcode":
		fn(func(L *lua.LState) int { L.Push(lua.LNumber(m.Rcode())); return 1 })
	case "set_rcode":
		fn(func(L *lua.LState) int { m.SetRcode(int(L.CheckNumber(2))); return 0 })
	case "answer_count":
		fn(func(L *lua.LState) int { L.Push(lua.LNumber(len(m.Answer()))); return 1 })
	case "push_answer":
		fn(func(L *lua.LState) int {
			rr, ok := rrFromLua(L.CheckUserData(2))
			if !ok {
				L.RaiseError("push_answer: argument is not a resource record")
				return 0
			}
			m.PushAnswer(rr)
			return 0
		})
	case "push_opt":
		fn(func(L *lua.LState) int {
			opt, ok := optFromLua(L.CheckUserData(2))
			if !ok {
				L.RaiseError("push_opt: argument is not an EDNS0 option")
				return 0
			}
			m.PushOpt(opt)
			return 0
		})
	case "clear_opt":
		fn(func(L *lua.LState) int { m.ClearOpt(); return 0 })
	case "clone":
		fn(func(L *lua.LState) int { L.Push(newMessageUserData(L, m.Clone())); return 1 })
	case "is_conclusive":
		fn(func(L *lua.LState) int { L.Push(lua.LBool(dnsmsg.IsConclusive(m))); return 1 })
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// registerBlackholeConstructor installs the global blackhole(query)
// helper (§4.7) producing a synthetic NoError/SOA response.
func registerBlackholeConstructor(L *lua.LState) {
	L.SetGlobal("blackhole", L.NewFunction(func(L *lua.LState) int {
		query, ok := messageFromLua(L.CheckAny(1))
		if !ok {
			L.RaiseError("blackhole: argument is not a query message")
			return 0
		}
		L.Push(newMessageUserData(L, dnsmsg.Blackhole(query)))
		return 1
	}))
}

// rrUserData associates a constructed dns.RR with a tag so messageIndex
// can type-assert it back out of a *lua.LUserData.
type rrUserData struct{ rr dns.RR }

func rrFromLua(ud *lua.LUserData) (dns.RR, bool) {
	w, ok := ud.Value.(*rrUserData)
	if !ok {
		return nil, false
	}
	return w.rr, true
}

func newRRUserData(L *lua.LState, rr dns.RR) lua.LValue {
	ud := L.NewUserData()
	ud.Value = &rrUserData{rr: rr}
	return ud
}
