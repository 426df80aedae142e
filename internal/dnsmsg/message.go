// Package dnsmsg provides an ergonomic wrapper around miekg/dns wire
// messages: decode/encode, typed section access, and the canonical
// cache fingerprint used across the query cache and upstream registry.
package dnsmsg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformed is returned by Decode for compression loops, truncated
// records, or invalid record lengths.
var ErrMalformed = errors.New("dnsmsg: malformed message")

// MaxUDPSize is the wire size used when EDNS(0) does not advertise a
// larger buffer.
const MaxUDPSize = 512

// Message wraps a decoded DNS message for mutation by scripts.
type Message struct {
	msg *dns.Msg
}

// New wraps an existing *dns.Msg.
func New(msg *dns.Msg) *Message {
	return &Message{msg: msg}
}

// NewQuery builds a fresh query message for qname/qtype/qclass with RD set.
func NewQuery(qname string, qtype, qclass uint16) *Message {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	if qclass != 0 {
		m.Question[0].Qclass = qclass
	}
	m.RecursionDesired = true
	m.Id = dns.Id()
	return &Message{msg: m}
}

// Decode parses a wire-format buffer into a Message, failing with
// ErrMalformed on compression loops, truncated records, or invalid
// record lengths — the same failure modes miekg/dns.Msg.Unpack reports.
func Decode(buf []byte) (*Message, error) {
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Message{msg: m}, nil
}

// Raw exposes the underlying miekg/dns message for the upstream layer.
func (m *Message) Raw() *dns.Msg { return m.msg }

// Clone returns a deep copy so concurrent tasks never alias the same
// records (each route invocation owns its query per §5).
func (m *Message) Clone() *Message {
	return &Message{msg: m.msg.Copy()}
}

// Encode produces a wire buffer. If the message, once packed, exceeds
// the advertised UDP size (512 bytes unless EDNS(0) OPT advertises a
// larger buffer) it sets TC and truncates the answer/authority/extra
// sections after the header+question, mirroring RFC 1035 §4.1.1 and
// the truncation behaviour exercised by other_examples' cache/handler
// implementations (e.g. AdguardTeam-AdGuardDNS cache.go).
func (m *Message) Encode() ([]byte, error) {
	limit := MaxUDPSize
	if opt := m.msg.IsEdns0(); opt != nil && int(opt.UDPSize()) > limit {
		limit = int(opt.UDPSize())
	}

	buf, err := m.msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("dnsmsg: encode: %w", err)
	}
	if len(buf) <= limit {
		return buf, nil
	}

	trunc := m.msg.Copy()
	trunc.Answer = nil
	trunc.Ns = nil
	trunc.Extra = nil
	trunc.Truncated = true
	buf, err = trunc.Pack()
	if err != nil {
		return nil, fmt.Errorf("dnsmsg: encode truncated: %w", err)
	}
	return buf, nil
}

// --- header accessors -------------------------------------------------

func (m *Message) ID() uint16        { return m.msg.Id }
func (m *Message) SetID(id uint16)   { m.msg.Id = id }
func (m *Message) QR() bool          { return m.msg.Response }
func (m *Message) SetQR(v bool)      { m.msg.Response = v }
func (m *Message) RD() bool          { return m.msg.RecursionDesired }
func (m *Message) SetRD(v bool)      { m.msg.RecursionDesired = v }
func (m *Message) RA() bool          { return m.msg.RecursionAvailable }
func (m *Message) SetRA(v bool)      { m.msg.RecursionAvailable = v }
func (m *Message) AA() bool          { return m.msg.Authoritative }
func (m *Message) SetAA(v bool)      { m.msg.Authoritative = v }
func (m *Message) Rcode() int        { return m.msg.Rcode }
func (m *Message) SetRcode(rc int)   { m.msg.Rcode = rc }

// QName returns the first question's name, or "" if there is none.
func (m *Message) QName() string {
	if len(m.msg.Question) == 0 {
		return ""
	}
	return m.msg.Question[0].Name
}

// QType returns the first question's type, or 0 if there is none.
func (m *Message) QType() uint16 {
	if len(m.msg.Question) == 0 {
		return 0
	}
	return m.msg.Question[0].Qtype
}

// QClass returns the first question's class, or 0 if there is none.
func (m *Message) QClass() uint16 {
	if len(m.msg.Question) == 0 {
		return 0
	}
	return m.msg.Question[0].Qclass
}

// --- section access -----------------------------------------------------

// Answer, Authority and Additional return the three record sections.
// Records are immutable once constructed; callers mutate by replacing
// the whole slice via SetAnswer/SetAuthority/SetAdditional.
func (m *Message) Answer() []dns.RR     { return m.msg.Answer }
func (m *Message) Authority() []dns.RR  { return m.msg.Ns }
func (m *Message) Additional() []dns.RR { return m.msg.Extra }

func (m *Message) SetAnswer(rrs []dns.RR)     { m.msg.Answer = rrs }
func (m *Message) SetAuthority(rrs []dns.RR)  { m.msg.Ns = rrs }
func (m *Message) SetAdditional(rrs []dns.RR) { m.msg.Extra = rrs }

// PushAnswer appends a single record to the answer section.
func (m *Message) PushAnswer(rr dns.RR) {
	m.msg.Answer = append(m.msg.Answer, rr)
}

// --- OPT pseudo-section --------------------------------------------------

// PushOpt adds an EDNS0 option, creating the OPT pseudo-record if it
// does not already exist.
func (m *Message) PushOpt(opt dns.EDNS0) {
	o := m.msg.IsEdns0()
	if o == nil {
		o = new(dns.OPT)
		o.Hdr.Name = "."
		o.Hdr.Rrtype = dns.TypeOPT
		m.msg.Extra = append(m.msg.Extra, o)
	}
	o.Option = append(o.Option, opt)
}

// ClearOpt removes the OPT pseudo-record entirely.
func (m *Message) ClearOpt() {
	extra := m.msg.Extra[:0]
	for _, rr := range m.msg.Extra {
		if rr.Header().Rrtype != dns.TypeOPT {
			extra = append(extra, rr)
		}
	}
	m.msg.Extra = extra
}

// MinTTL returns the minimum TTL across every record in the response,
// used to derive cache entry expiry (§3, §4.3). Returns 0 if the
// message carries no records.
func (m *Message) MinTTL() (uint32, bool) {
	var min uint32
	found := false
	consider := func(rrs []dns.RR) {
		for _, rr := range rrs {
			ttl := rr.Header().Ttl
			if !found || ttl < min {
				min = ttl
				found = true
			}
		}
	}
	consider(m.msg.Answer)
	consider(m.msg.Ns)
	consider(m.msg.Extra)
	return min, found
}

// Fingerprint is the canonical (lowercase qname, qtype, qclass) tuple
// used as a cache key (§4.1). Only the first question is considered;
// a wire-valid query cannot carry more than one.
type Fingerprint struct {
	QName  string
	QType  uint16
	QClass uint16
}

// Fingerprint computes the canonical fingerprint for this message.
func (m *Message) Fingerprint() Fingerprint {
	return Fingerprint{
		QName:  strings.ToLower(m.QName()),
		QType:  m.QType(),
		QClass: m.QClass(),
	}
}

// Blackhole constructs a NoError response carrying a single synthetic
// SOA record in the authority section, mirroring the query's id,
// qname and qclass, with QR=1, AA=1, RA=0 (§4.7).
func Blackhole(query *Message) *Message {
	resp := new(dns.Msg)
	resp.Id = query.msg.Id
	resp.Response = true
	resp.Authoritative = true
	resp.RecursionAvailable = false
	resp.Rcode = dns.RcodeSuccess
	if len(query.msg.Question) > 0 {
		resp.Question = []dns.Question{query.msg.Question[0]}
	}

	qname := query.QName()
	if qname == "" {
		qname = "."
	}
	soa := &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   qname,
			Rrtype: dns.TypeSOA,
			Class:  query.QClass(),
			Ttl:    86400,
		},
		Ns:      "localhost.",
		Mbox:    "root.localhost.",
		Serial:  1,
		Refresh: 86400,
		Retry:   7200,
		Expire:  3600000,
		Minttl:  172800,
	}
	if soa.Hdr.Class == 0 {
		soa.Hdr.Class = dns.ClassINET
	}
	resp.Ns = []dns.RR{soa}
	return &Message{msg: resp}
}

// ServFail synthesises a ServFail response preserving the query's id,
// qname and qtype (§4.8 router step 3).
func ServFail(query *Message) *Message {
	resp := new(dns.Msg)
	resp.Id = query.msg.Id
	resp.Response = true
	resp.Rcode = dns.RcodeServerFailure
	if len(query.msg.Question) > 0 {
		resp.Question = []dns.Question{query.msg.Question[0]}
	}
	return &Message{msg: resp}
}

// IsConclusive reports whether rcode is NoError or NXDomain — the
// "conclusive answer" criterion the hybrid upstream races for (§4.5).
func IsConclusive(m *Message) bool {
	rc := m.Rcode()
	return rc == dns.RcodeSuccess || rc == dns.RcodeNameError
}
