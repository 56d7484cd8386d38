// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"net/netip"
	"testing"
)

func TestFormatMAC(t *testing.T) {
	mac := []byte{0xb8, 0x27, 0xeb, 0x01, 0x02, 0x03}
	if got := FormatMAC(mac); got != "b8:27:eb:01:02:03" {
		t.Errorf("FormatMAC = %q", got)
	}
	if got := FormatMAC([]byte{1, 2}); got != "" {
		t.Errorf("Short MAC should format empty, got %q", got)
	}
}

func TestIsPublic(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"8.8.8.8", true},
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"192.168.1.10", false},
		{"10.0.0.5", false},
		{"172.16.4.4", false},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"224.0.0.1", false},
		{"::1", false},
		{"fe80::1", false},
	}

	for _, tt := range tests {
		addr := netip.MustParseAddr(tt.addr)
		if got := IsPublic(addr); got != tt.want {
			t.Errorf("IsPublic(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsLocal(t *testing.T) {
	if !IsLocal(netip.MustParseAddr("192.168.1.10")) {
		t.Error("192.168.1.10 should be local")
	}
	if IsLocal(netip.MustParseAddr("8.8.8.8")) {
		t.Error("8.8.8.8 should not be local")
	}
	if !IsLocal(netip.MustParseAddr("fe80::1")) {
		t.Error("fe80::1 should be local")
	}
}
