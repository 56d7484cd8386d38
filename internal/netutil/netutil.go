// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"fmt"
	"net/netip"
)

// FormatMAC renders a hardware address as lower-case colon-separated hex.
func FormatMAC(mac []byte) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// IsPublic reports whether addr is routable on the public internet.
// Private, loopback, link-local, multicast and unspecified addresses are
// all considered non-public; geo lookup and reverse DNS skip them.
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	return true
}

// IsLocal reports whether addr belongs to the monitored segment's side of
// a conversation: private, loopback or link-local space.
func IsLocal(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
