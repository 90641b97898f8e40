package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// Resolver looks up the addresses of a host. [*net.Resolver] satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// AllowList is a set of permitted target addresses and CIDR ranges.
// The zero value (and a nil *AllowList) is empty and disables filtering.
type AllowList struct {
	entries  []string
	prefixes []netip.Prefix
}

// ParseAllowList parses addresses and CIDR ranges. Each entry may itself
// hold several items separated by commas or whitespace, so both
// "10.0.0.0/8, 192.168.1.7" and a YAML list are accepted.
func ParseAllowList(entries ...string) (*AllowList, error) {
	al := &AllowList{}
	for _, entry := range entries {
		for _, item := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		}) {
			p, err := parseAllowEntry(item)
			if err != nil {
				return nil, err
			}
			al.entries = append(al.entries, item)
			al.prefixes = append(al.prefixes, p)
		}
	}
	return al, nil
}

func parseAllowEntry(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse allow-list CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse allow-list address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Empty reports whether the list has no entries.
func (al *AllowList) Empty() bool {
	return al == nil || len(al.prefixes) == 0
}

// Entries returns the configured entries as written.
func (al *AllowList) Entries() []string {
	if al == nil {
		return nil
	}
	out := make([]string, len(al.entries))
	copy(out, al.entries)
	return out
}

// Contains reports whether addr is covered by any entry.
func (al *AllowList) Contains(addr netip.Addr) bool {
	if al == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LookupResult is what the guard resolved for the target.
type LookupResult struct {
	Host    string   `json:"host" yaml:"host"`
	Address string   `json:"address,omitempty" yaml:"address,omitempty"`
	All     []string `json:"all,omitempty" yaml:"all,omitempty"`
	Allowed bool     `json:"allowed" yaml:"allowed"`
	Skipped bool     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Error   string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// IPGuard resolves the target hostname once and checks the first answer
// against the allow-list. Only the first address is considered; a target
// whose DNS returns several addresses, or whose answers change between the
// check and the proxy's own dial, is not fully covered.
type IPGuard struct {
	Resolver  Resolver
	AllowList *AllowList
	Logger    *slog.Logger
}

// Check resolves host and tests the first returned address. With an empty
// allow-list it returns immediately without resolving. The returned
// LookupResult is populated even when the error is an *IPFilterViolation.
func (g *IPGuard) Check(ctx context.Context, host string) (LookupResult, error) {
	res := LookupResult{Host: host}
	if g.AllowList.Empty() {
		res.Allowed = true
		res.Skipped = true
		return res, nil
	}

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr, all, err := g.resolve(ctx, host)
	if err != nil {
		res.Error = err.Error()
		return res, &IPFilterViolation{Host: host, AllowList: g.AllowList.Entries(), Err: err}
	}
	res.Address = addr.String()
	res.All = all
	if len(all) > 1 {
		logger.Warn("target resolved to multiple addresses, only the first is checked",
			"host", host, "addresses", all, "checked", res.Address)
	}

	if !g.AllowList.Contains(addr) {
		logger.Error("target address not in allow-list",
			"host", host, "address", res.Address, "allow_list", g.AllowList.Entries())
		return res, &IPFilterViolation{Host: host, Addr: res.Address, AllowList: g.AllowList.Entries()}
	}

	res.Allowed = true
	logger.Debug("target address allowed", "host", host, "address", res.Address)
	return res, nil
}

func (g *IPGuard) resolve(ctx context.Context, host string) (netip.Addr, []string, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.Unmap(), []string{addr.Unmap().String()}, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return netip.Addr{}, nil, fmt.Errorf("normalize host: %w", err)
	}

	r := g.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIPAddr(ctx, ascii)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, nil, fmt.Errorf("no addresses for %s", ascii)
	}

	all := make([]string, 0, len(ips))
	for _, ip := range ips {
		all = append(all, ip.IP.String())
	}
	addr, ok := netip.AddrFromSlice(ips[0].IP)
	if !ok {
		return netip.Addr{}, nil, fmt.Errorf("invalid address %v for %s", ips[0].IP, ascii)
	}
	return addr.Unmap(), all, nil
}
