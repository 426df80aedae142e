package script

import (
	"net"

	lua "github.com/yuin/gopher-lua"
	"github.com/miekg/dns"
)

// registerRRConstructors installs the rr table of resource record
// builders a script uses when synthesizing an answer (§4.7):
// rr.a(name, ttl, "1.2.3.4"), rr.aaaa(...), rr.cname(...).
func registerRRConstructors(L *lua.LState) {
	tbl := L.NewTable()
	L.SetField(tbl, "a", L.NewFunction(func(L *lua.LState) int {
		name, ttl, addr := L.CheckString(1), uint32(L.CheckNumber(2)), L.CheckString(3)
		rr := &dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(addr),
		}
		L.Push(newRRUserData(L, rr))
		return 1
	}))
	L.SetField(tbl, "aaaa", L.NewFunction(func(L *lua.LState) int {
		name, ttl, addr := L.CheckString(1), uint32(L.CheckNumber(2)), L.CheckString(3)
		rr := &dns.AAAA{
			Hdr:  dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: net.ParseIP(addr),
		}
		L.Push(newRRUserData(L, rr))
		return 1
	}))
	L.SetField(tbl, "cname", L.NewFunction(func(L *lua.LState) int {
		name, ttl, target := L.CheckString(1), uint32(L.CheckNumber(2)), L.CheckString(3)
		rr := &dns.CNAME{
			Hdr:    dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(target),
		}
		L.Push(newRRUserData(L, rr))
		return 1
	}))
	L.SetGlobal("rr", tbl)
}

// registerOptConstructors installs the opt table of EDNS0 option
// builders a script uses with message:push_opt(...) (§4.1, §4.7):
// opt.ecs(family, source_netmask, address) attaches an EDNS Client
// Subnet option, letting a script forward the original client's
// network to an upstream that does its own geo-steering.
func registerOptConstructors(L *lua.LState) {
	tbl := L.NewTable()
	L.SetField(tbl, "ecs", L.NewFunction(func(L *lua.LState) int {
		family := uint16(L.CheckNumber(1))
		sourceNetmask := uint8(L.CheckNumber(2))
		addr := L.CheckString(3)

		ip := net.ParseIP(addr)
		if ip == nil {
			L.RaiseError("opt.ecs: invalid address %q", addr)
			return 0
		}
		if family == 1 {
			ip = ip.To4()
		}
		subnet := &dns.EDNS0_SUBNET{
			Code:          dns.EDNS0SUBNET,
			Family:        family,
			SourceNetmask: sourceNetmask,
			Address:       ip,
		}
		L.Push(newOptUserData(L, subnet))
		return 1
	}))
	L.SetGlobal("opt", tbl)
}

// optUserData associates a constructed dns.EDNS0 option with a tag so
// messageIndex's push_opt can type-assert it back out of a
// *lua.LUserData, mirroring rrUserData.
type optUserData struct{ opt dns.EDNS0 }

func optFromLua(ud *lua.LUserData) (dns.EDNS0, bool) {
	w, ok := ud.Value.(*optUserData)
	if !ok {
		return nil, false
	}
	return w.opt, true
}

func newOptUserData(L *lua.LState, opt dns.EDNS0) lua.LValue {
	ud := L.NewUserData()
	ud.Value = &optUserData{opt: opt}
	return ud
}
