package service

import (
	"fmt"
	"net/netip"
	"strings"
)

// ipAllowed reports whether caller matches any whitelist entry. An empty
// whitelist allows everyone; a caller address that cannot be parsed never
// matches a non-empty whitelist.
func ipAllowed(whitelist []string, caller string) bool {
	if len(whitelist) == 0 {
		return true
	}
	addr, ok := parseCaller(caller)
	if !ok {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap().WithZone("") == addr {
			return true
		}
	}
	return false
}

// parseCaller accepts "ip" or "ip:port" and normalizes IPv4-mapped IPv6.
func parseCaller(caller string) (netip.Addr, bool) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(caller); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	addr, err := netip.ParseAddr(strings.Trim(caller, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// normalizeIPEntry validates a whitelist entry and returns it in
// canonical form.
func normalizeIPEntry(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR %q", entry)
		}
		return prefix.Masked().String(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return "", fmt.Errorf("invalid IP address %q", entry)
	}
	return addr.Unmap().String(), nil
}
