package matcher

import (
	"fmt"
	"net/netip"
	"os"
	"bufio"
	"strings"
)

// CidrSet is a pair of longest-prefix tries (v4, v6). Contains
// performs a longest-prefix match across both families (§3, §4.2).
type CidrSet struct {
	v4     *cidrNode
	v6     *cidrNode
	sealed bool
}

// cidrNode is a binary-trie node keyed by successive prefix bits.
type cidrNode struct {
	children [2]*cidrNode
	isPrefix bool
}

// NewCidrSet creates an empty, unsealed CIDR set.
func NewCidrSet() *CidrSet {
	return &CidrSet{v4: &cidrNode{}, v6: &cidrNode{}}
}

// AddCIDR inserts one literal, e.g. "10.0.0.0/8" or "2001:db8::/32".
func (c *CidrSet) AddCIDR(cidr string) error {
	if c.sealed {
		return fmt.Errorf("matcher: cidr set is sealed")
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return fmt.Errorf("matcher: parse cidr %q: %w", cidr, err)
	}
	c.insert(prefix)
	return nil
}

// AddFile bulk-loads CIDR literals from a file, one per line, '#'
// comments, blank lines ignored (§4.2, §6).
func (c *CidrSet) AddFile(path string) error {
	if c.sealed {
		return fmt.Errorf("matcher: cidr set is sealed")
	}
	// #nosec G304 -- path comes from trusted configuration/script source.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("matcher: open cidr file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}
		if err := c.AddCIDR(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (c *CidrSet) insert(prefix netip.Prefix) {
	addr := prefix.Addr().Unmap()
	root, bits := c.familyBytes(addr)
	n := root
	for i := 0; i < prefix.Bits(); i++ {
		bit := bitAt(bits, i)
		if n.children[bit] == nil {
			n.children[bit] = &cidrNode{}
		}
		n = n.children[bit]
	}
	n.isPrefix = true
}

// familyBytes picks the v4/v6 trie root and the address's significant
// byte slice (the low 4 bytes of the 16-byte form for v4, all 16 for
// v6 — netip.Addr.As16 returns v4 addresses IPv4-mapped, so the actual
// address bits live in bytes [12:16]).
func (c *CidrSet) familyBytes(addr netip.Addr) (*cidrNode, []byte) {
	full := addr.As16()
	if addr.Is4() {
		b := make([]byte, 4)
		copy(b, full[12:16])
		return c.v4, b
	}
	b := make([]byte, 16)
	copy(b, full[:])
	return c.v6, b
}

// Seal freezes the set.
func (c *CidrSet) Seal() *CidrSet {
	c.sealed = true
	return c
}

// Contains reports whether ip matches any stored prefix via
// longest-prefix match. Safe for concurrent use once sealed.
func (c *CidrSet) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	root, bits := c.familyBytes(addr)

	n := root
	matched := n.isPrefix
	maxBits := len(bits) * 8
	for i := 0; i < maxBits; i++ {
		bit := bitAt(bits, i)
		child := n.children[bit]
		if child == nil {
			break
		}
		n = child
		if n.isPrefix {
			matched = true
		}
	}
	return matched
}

// bitAt returns the i'th most-significant bit of the address bytes
// from familyBytes (4 bytes for v4, 16 for v6), or 0 past the end.
func bitAt(b []byte, i int) int {
	byteIdx := i / 8
	bitIdx := 7 - (i % 8)
	if byteIdx >= len(b) {
		return 0
	}
	return int((b[byteIdx] >> uint(bitIdx)) & 1)
}
