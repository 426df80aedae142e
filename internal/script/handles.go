package script

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dcompassd/dcompass/internal/matcher"
)

// Handle is a sealed matcher object produced by init() and threaded
// unchanged into every route() call (§4.7): a DomainSet, CidrSet or
// GeoIp database, each queried read-only off the hot path.
type Handle struct {
	kind  string
	value any
}

const (
	kindDomainSet = "DomainSet"
	kindCidrSet   = "CidrSet"
	kindGeoIp     = "GeoIp"
)

// InitTable is the keyed bag of handles init() returns, carried by the
// Host and passed to route() on every query.
type InitTable struct {
	entries map[string]*Handle
}

func newInitTable() *InitTable {
	return &InitTable{entries: make(map[string]*Handle)}
}

func (t *InitTable) set(key string, h *Handle) { t.entries[key] = h }

// toLua rebuilds a Lua table from the stored handles for a fresh
// *lua.LState. Handles wrap Go pointers, so rebuilding the table is
// cheap — no data is copied, only the userdata wrapper.
func (t *InitTable) toLua(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	for key, h := range t.entries {
		L.SetField(tbl, key, newHandleUserData(L, h))
	}
	return tbl
}

func newHandleUserData(L *lua.LState, h *Handle) lua.LValue {
	ud := L.NewUserData()
	ud.Value = h
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(handleIndex))
	L.SetMetatable(ud, mt)
	return ud
}

func toHandle(v lua.LValue) (*Handle, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	h, ok := ud.Value.(*Handle)
	return h, ok
}

// handleIndex dispatches :contains(...) on any sealed handle kind.
func handleIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	name := L.CheckString(2)
	h, ok := ud.Value.(*Handle)
	if !ok {
		L.RaiseError("not a matcher handle")
		return 0
	}
	if name != "contains" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(L.NewFunction(func(L *lua.LState) int {
		switch h.kind {
		case kindDomainSet:
			name := L.CheckString(2)
			L.Push(lua.LBool(h.value.(*matcher.DomainSet).Contains(name)))
		case kindCidrSet:
			ip := L.CheckString(2)
			L.Push(lua.LBool(h.value.(*matcher.CidrSet).Contains(ip)))
		case kindGeoIp:
			ip := L.CheckString(2)
			cc := L.CheckString(3)
			L.Push(lua.LBool(h.value.(*matcher.GeoIp).Contains(ip, cc)))
		default:
			L.RaiseError("unknown handle kind %q", h.kind)
		}
		return 1
	}))
	return 1
}

// registerMatcherConstructors installs the Domain, IpCidr and GeoIp
// global builder tables a script uses inside init() (§4.7):
//
//	local ads = Domain.new():add_file("ads.txt"):seal()
//	local cn  = IpCidr.new():add_cidr("1.0.1.0/24"):seal()
//	local geo = GeoIp.create_default()
func registerMatcherConstructors(L *lua.LState) {
	domain := L.NewTable()
	L.SetField(domain, "new", L.NewFunction(func(L *lua.LState) int {
		L.Push(newDomainBuilder(L, matcher.NewDomainSet()))
		return 1
	}))
	L.SetGlobal("Domain", domain)

	cidr := L.NewTable()
	L.SetField(cidr, "new", L.NewFunction(func(L *lua.LState) int {
		L.Push(newCidrBuilder(L, matcher.NewCidrSet()))
		return 1
	}))
	L.SetGlobal("IpCidr", cidr)

	geo := L.NewTable()
	L.SetField(geo, "create_default", L.NewFunction(func(L *lua.LState) int {
		g, err := matcher.CreateDefault()
		if err != nil {
			L.RaiseError("GeoIp.create_default: %v", err)
			return 0
		}
		L.Push(newHandleUserData(L, &Handle{kind: kindGeoIp, value: g}))
		return 1
	}))
	L.SetField(geo, "from_path", L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		g, err := matcher.FromPath(path)
		if err != nil {
			L.RaiseError("GeoIp.from_path: %v", err)
			return 0
		}
		L.Push(newHandleUserData(L, &Handle{kind: kindGeoIp, value: g}))
		return 1
	}))
	L.SetGlobal("GeoIp", geo)
}

func newDomainBuilder(L *lua.LState, d *matcher.DomainSet) lua.LValue {
	ud := L.NewUserData()
	ud.Value = d
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(2)
		self := L.CheckUserData(1)
		set := self.Value.(*matcher.DomainSet)
		switch name {
		case "add_qname":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				if err := set.AddQname(L.CheckString(2)); err != nil {
					L.RaiseError("Domain:add_qname: %v", err)
				}
				L.Push(self)
				return 1
			}))
		case "add_file":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				if err := set.AddFile(L.CheckString(2)); err != nil {
					L.RaiseError("Domain:add_file: %v", err)
				}
				L.Push(self)
				return 1
			}))
		case "seal":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				set.Seal()
				L.Push(newHandleUserData(L, &Handle{kind: kindDomainSet, value: set}))
				return 1
			}))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	L.SetMetatable(ud, mt)
	return ud
}

func newCidrBuilder(L *lua.LState, c *matcher.CidrSet) lua.LValue {
	ud := L.NewUserData()
	ud.Value = c
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(2)
		self := L.CheckUserData(1)
		set := self.Value.(*matcher.CidrSet)
		switch name {
		case "add_cidr":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				if err := set.AddCIDR(L.CheckString(2)); err != nil {
					L.RaiseError("IpCidr:add_cidr: %v", err)
				}
				L.Push(self)
				return 1
			}))
		case "add_file":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				if err := set.AddFile(L.CheckString(2)); err != nil {
					L.RaiseError("IpCidr:add_file: %v", err)
				}
				L.Push(self)
				return 1
			}))
		case "seal":
			L.Push(L.NewFunction(func(L *lua.LState) int {
				set.Seal()
				L.Push(newHandleUserData(L, &Handle{kind: kindCidrSet, value: set}))
				return 1
			}))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	L.SetMetatable(ud, mt)
	return ud
}
