/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package discovery

import (
	"encoding/binary"
	"fmt"
	"iter"
	"net/netip"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// MaxCandidates caps the number of addresses a single scan may cover.
const MaxCandidates = 65536

var (
	rangeLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Address", Pattern: `\d{1,3}(?:\.\d{1,3}){3}`},
		{Name: "Number", Pattern: `\d+`},
		{Name: "Punct", Pattern: `[/,-]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	rangeParser = participle.MustBuild[rangeList](
		participle.Lexer(rangeLexer),
		participle.Elide("Whitespace"),
	)
)

// rangeList accepts e.g. "10.0.0.0/24, 10.0.1.5-10.0.1.9, 10.0.2.1-20, 10.0.3.7".
type rangeList struct {
	Items []*rangeItem `parser:"@@ ( ',' @@ )*"`
}

type rangeItem struct {
	Start  string    `parser:"@Address"`
	Prefix string    `parser:"( '/' @Number"`
	End    *rangeEnd `parser:"| '-' @@ )?"`
}

type rangeEnd struct {
	Address string `parser:"  @Address"`
	Octet   string `parser:"| @Number"`
}

type span struct {
	first, last uint32
}

// Ranges is a parsed list of IPv4 address spans.
type Ranges struct {
	spec  string
	spans []span
	count int
}

func ParseRange(spec string) (*Ranges, error) {
	list, err := rangeParser.ParseString("", spec)
	if err != nil {
		return nil, fmt.Errorf("invalid address range %q: %w", spec, err)
	}

	r := &Ranges{spec: spec}
	for _, item := range list.Items {
		sp, err := item.span()
		if err != nil {
			return nil, fmt.Errorf("invalid address range %q: %w", spec, err)
		}
		r.spans = append(r.spans, sp)
		r.count += int(sp.last-sp.first) + 1
		if r.count > MaxCandidates {
			return nil, fmt.Errorf("address range %q covers more than %d addresses", spec, MaxCandidates)
		}
	}
	return r, nil
}

func (item *rangeItem) span() (span, error) {
	start, err := parseIPv4(item.Start)
	if err != nil {
		return span{}, err
	}

	switch {
	case item.Prefix != "":
		bits, err := strconv.Atoi(item.Prefix)
		if err != nil || bits < 0 || bits > 32 {
			return span{}, fmt.Errorf("invalid prefix length /%s", item.Prefix)
		}
		prefix := netip.PrefixFrom(start, bits).Masked()
		first := toUint32(prefix.Addr())
		last := first | uint32(uint64(1)<<(32-bits)-1)
		// Network and broadcast addresses are not hosts, except on /31 and /32.
		if bits <= 30 {
			first++
			last--
		}
		return span{first, last}, nil

	case item.End != nil && item.End.Address != "":
		end, err := parseIPv4(item.End.Address)
		if err != nil {
			return span{}, err
		}
		return ordered(toUint32(start), toUint32(end))

	case item.End != nil:
		octet, err := strconv.Atoi(item.End.Octet)
		if err != nil || octet > 255 {
			return span{}, fmt.Errorf("invalid last octet %q", item.End.Octet)
		}
		s := toUint32(start)
		return ordered(s, s&^0xff|uint32(octet))

	default:
		s := toUint32(start)
		return span{s, s}, nil
	}
}

func ordered(first, last uint32) (span, error) {
	if last < first {
		return span{}, fmt.Errorf("range end %s is before start %s", fromUint32(last), fromUint32(first))
	}
	return span{first, last}, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Len is the number of candidate addresses.
func (r *Ranges) Len() int { return r.count }

func (r *Ranges) String() string { return r.spec }

// All yields every candidate address in order without materializing the
// list.
func (r *Ranges) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		for _, sp := range r.spans {
			for v := uint64(sp.first); v <= uint64(sp.last); v++ {
				if !yield(fromUint32(uint32(v))) {
					return
				}
			}
		}
	}
}
